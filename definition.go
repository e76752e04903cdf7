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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// A Definition describes the parameters of an index so
// that they can live in a definition.json or
// definition.yaml file next to the index data.
type Definition struct {
	// Name is the name of the indexed column.
	Name string `json:"name"`
	// Width is the value width in bits.
	Width int `json:"width"`
	// Layout is the bit-group layout; empty
	// selects the default layout for Width.
	Layout []uint8 `json:"layout,omitempty"`
	// ChunkLen is the logical chunk length;
	// zero selects the default.
	ChunkLen uint32 `json:"chunk_length,omitempty"`
	// Algo is the chunk compression algorithm;
	// empty selects the default.
	Algo string `json:"compression,omitempty"`
}

// just pick an upper limit to prevent DoS
const maxDefSize = 1024 * 1024

// OpenDefinition reads a Definition from path.
// Files ending in .yaml or .yml are parsed as YAML;
// anything else is parsed as JSON.
func OpenDefinition(path string) (*Definition, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxDefSize {
		return nil, fmt.Errorf("bitrush: definition of size %d beyond limit %d", fi.Size(), maxDefSize)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := new(Definition)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buf, d)
	default:
		err = json.Unmarshal(buf, d)
	}
	if err != nil {
		return nil, fmt.Errorf("bitrush: parsing %s: %w", path, err)
	}
	if d.Width == 0 {
		return nil, fmt.Errorf("bitrush: %s: missing value width", path)
	}
	return d, nil
}

// Options converts the definition into creation options
// for an index stored at path.
func (d *Definition) Options(path string) Options {
	return Options{
		Path:     path,
		Layout:   d.Layout,
		ChunkLen: d.ChunkLen,
		Algo:     d.Algo,
	}
}
