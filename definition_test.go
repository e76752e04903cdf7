// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package bitrush

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestOpenDefinitionYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definition.yaml")
	text := `name: user_id
width: 32
layout: [8, 8, 8, 8]
chunk_length: 1024
compression: s2
`
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := OpenDefinition(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "user_id" || d.Width != 32 {
		t.Errorf("decoded %+v", d)
	}
	if !reflect.DeepEqual(d.Layout, []uint8{8, 8, 8, 8}) {
		t.Errorf("layout = %v", d.Layout)
	}
	opts := d.Options(filepath.Join(dir, "user_id.ozbc"))
	if opts.ChunkLen != 1024 || opts.Algo != "s2" {
		t.Errorf("options = %+v", opts)
	}
	x, err := New[uint32](opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Push(1); err != nil {
		t.Fatal(err)
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenDefinitionJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definition.json")
	text := `{"name": "ids", "width": 64, "chunk_length": 128}`
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := OpenDefinition(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "ids" || d.Width != 64 || d.ChunkLen != 128 {
		t.Errorf("decoded %+v", d)
	}
}

func TestOpenDefinitionMissingWidth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definition.json")
	if err := os.WriteFile(path, []byte(`{"name": "x"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDefinition(path); err == nil {
		t.Fatal("expected error for missing width")
	}
}
