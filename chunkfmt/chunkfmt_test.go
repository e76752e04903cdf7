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

package chunkfmt

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func testHeader() *Header {
	return &Header{
		Width:    32,
		Layout:   []uint8{8, 8, 8, 8},
		ChunkLen: 1 << 10,
	}
}

func writeTestFile(t *testing.T, path string, payloads [][]byte, lens []uint32) *Header {
	t.Helper()
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatal(err)
	}
	for i := range payloads {
		if err := w.WriteChunk(payloads[i], lens[i]); err != nil {
			t.Fatalf("chunk %d: %s", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return w.Header()
}

func randPayloads(n int) ([][]byte, []uint32) {
	rng := rand.New(rand.NewSource(7))
	payloads := make([][]byte, n)
	lens := make([]uint32, n)
	for i := range payloads {
		p := make([]byte, 512+rng.Intn(4096))
		for j := range p {
			p[j] = byte(rng.Intn(8)) // compressible
		}
		payloads[i] = p
		lens[i] = 1 << 10
	}
	lens[n-1] = 100 // trailing partial chunk
	return payloads, lens
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.ozbc")
	payloads, lens := randPayloads(5)
	hdr := writeTestFile(t, path, payloads, lens)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Header.Width != 32 || f.Header.ChunkLen != 1<<10 {
		t.Errorf("header mismatch: %+v", f.Header)
	}
	if f.Header.ID != hdr.ID {
		t.Error("index ID not preserved")
	}
	if f.Header.Algo != "zstd" {
		t.Errorf("algo defaulted to %q", f.Header.Algo)
	}
	if f.NumChunks() != len(payloads) {
		t.Fatalf("NumChunks = %d, want %d", f.NumChunks(), len(payloads))
	}
	if got := f.Trailer.Positions(); got != 4*(1<<10)+100 {
		t.Errorf("Positions = %d", got)
	}
	var buf []byte
	for i := range payloads {
		buf, err = f.ReadChunk(i, buf)
		if err != nil {
			t.Fatalf("chunk %d: %s", i, err)
		}
		if !bytes.Equal(buf, payloads[i]) {
			t.Fatalf("chunk %d payload mismatch", i)
		}
		if f.Trailer.Chunks[i].Len != lens[i] {
			t.Errorf("chunk %d Len = %d, want %d", i, f.Trailer.Chunks[i].Len, lens[i])
		}
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %s", err)
	}
}

func TestWriterReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.ozbc")
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	payloads, lens := randPayloads(3)
	for i := range payloads {
		if err := w.WriteChunk(payloads[i], lens[i]); err != nil {
			t.Fatal(err)
		}
		// chunks must be readable before the trailer exists
		got, err := w.ReadChunk(i, nil)
		if err != nil {
			t.Fatalf("read back chunk %d: %s", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("chunk %d read-back mismatch", i)
		}
	}
}

func TestPartialChunkMustBeLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.ozbc")
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.WriteChunk([]byte("abc"), 100); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteChunk([]byte("def"), 1<<10); err == nil {
		t.Fatal("expected error writing after a partial chunk")
	}
}

func TestBadHeader(t *testing.T) {
	cases := []struct {
		name string
		hdr  Header
	}{
		{"no layout", Header{Width: 8, ChunkLen: 1 << 10}},
		{"layout sum", Header{Width: 32, Layout: []uint8{8, 8}, ChunkLen: 1 << 10}},
		{"wide group", Header{Width: 32, Layout: []uint8{17, 15}, ChunkLen: 1 << 10}},
		{"tiny chunk", Header{Width: 8, Layout: []uint8{8}, ChunkLen: 64}},
	}
	dir := t.TempDir()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Create(filepath.Join(dir, tc.name), &tc.hdr)
			if err == nil {
				t.Fatal("expected header validation error")
			}
		})
	}
}

func TestCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.ozbc")
	payloads, lens := randPayloads(2)
	writeTestFile(t, path, payloads, lens)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("missing trailer", func(t *testing.T) {
		p := filepath.Join(dir, "truncated")
		if err := os.WriteFile(p, raw[:len(raw)-tailSize], 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(p); !errors.Is(err, ErrCorrupt) {
			t.Errorf("got %v, want ErrCorrupt", err)
		}
	})
	t.Run("flipped chunk byte", func(t *testing.T) {
		p := filepath.Join(dir, "flipped")
		mod := append([]byte{}, raw...)
		mod[preludeSize+40] ^= 0xff // somewhere in chunk 0
		if err := os.WriteFile(p, mod, 0644); err != nil {
			t.Fatal(err)
		}
		f, err := Open(p)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, err := f.ReadChunk(0, nil); !errors.Is(err, ErrCorrupt) {
			t.Errorf("got %v, want ErrCorrupt", err)
		}
	})
	t.Run("flipped trailer byte", func(t *testing.T) {
		p := filepath.Join(dir, "badtrailer")
		mod := append([]byte{}, raw...)
		mod[len(mod)-tailSize-40] ^= 0xff // inside the descriptor region
		if err := os.WriteFile(p, mod, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(p); !errors.Is(err, ErrCorrupt) {
			t.Errorf("got %v, want ErrCorrupt", err)
		}
	})
	t.Run("bad magic", func(t *testing.T) {
		p := filepath.Join(dir, "badmagic")
		mod := append([]byte{}, raw...)
		mod[0] = 'X'
		if err := os.WriteFile(p, mod, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(p); !errors.Is(err, ErrCorrupt) {
			t.Errorf("got %v, want ErrCorrupt", err)
		}
	})
}

func TestEmptyIndexFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ozbc")
	writeTestFile(t, path, nil, nil)
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.NumChunks() != 0 {
		t.Errorf("NumChunks = %d", f.NumChunks())
	}
}
