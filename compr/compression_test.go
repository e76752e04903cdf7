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

package compr

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := make([]byte, 1<<16)
	// compressible but not trivial data
	for i := range src {
		src[i] = byte(rng.Intn(16))
	}
	for _, algo := range []string{"zstd", "s2", "none"} {
		t.Run(algo, func(t *testing.T) {
			c := Compression(algo)
			if c == nil || c.Name() != algo {
				t.Fatalf("no compressor for %q", algo)
			}
			d := Decompression(algo)
			if d == nil || d.Name() != algo {
				t.Fatalf("no decompressor for %q", algo)
			}
			comp := c.Compress(src, nil)
			out := make([]byte, len(src))
			if err := d.Decompress(comp, out); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, src) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestUnknownAlgo(t *testing.T) {
	if Compression("lz4") != nil {
		t.Error("expected nil Compressor for unknown name")
	}
	if Decompression("lz4") != nil {
		t.Error("expected nil Decompressor for unknown name")
	}
}
