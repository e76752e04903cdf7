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
	"golang.org/x/exp/slices"

	"github.com/uccidibuti/bitrush-index/ozbc"
)

// Matches streams the positions matching a probe value,
// in strictly increasing order. Chunks are visited one
// at a time, so a file-backed query never materializes
// more than one chunk's bitmaps.
//
// A Matches must be consumed before further Push calls
// on the same index.
type Matches struct {
	x   *index
	sub []uint16 // the probe, sliced

	next, last int // chunk window

	start uint64 // absolute position of the current chunk
	it    *ozbc.Iter
	acc   *ozbc.Bitmap
	err   error
}

// numChunks returns the number of chunks currently
// visible to queries, including the open partial chunk.
func (x *index) numChunks() int {
	switch {
	case x.f != nil:
		return x.f.NumChunks()
	case x.w != nil:
		n := len(x.w.Chunks())
		if x.sealed || x.openN > 0 {
			n++
		}
		return n
	default:
		n := len(x.mem)
		if x.openN > 0 {
			n++
		}
		return n
	}
}

// query starts a scan for v over the chunk window
// [first, last]. A negative last selects every chunk
// from first onward.
func (x *index) query(v U128, first, last int) (*Matches, error) {
	nc := x.numChunks()
	if x.closed && x.f == nil && x.w != nil {
		// the backing file has been finalized;
		// the caller should re-open it
		return nil, ErrClosed
	}
	if last < 0 {
		last = nc - 1
	}
	if first < 0 || last >= nc || (first > last && !(first == 0 && nc == 0)) {
		return nil, ErrRange
	}
	return &Matches{
		x:    x,
		sub:  x.sl.slice(v, nil),
		next: first,
		last: last,
	}, nil
}

// liveMaps selects one live bitmap per group out of
// in-memory chunk state.
func liveMaps(groups []*subIndex, sub []uint16) []*ozbc.Bitmap {
	maps := make([]*ozbc.Bitmap, len(groups))
	for g := range groups {
		maps[g] = groups[g].bitmap(sub[g])
	}
	return maps
}

// chunkMaps returns the bitmap selected by sub for each
// group of chunk i, decoding from storage when the chunk
// has been flushed.
func (x *index) chunkMaps(i int, sub []uint16) ([]*ozbc.Bitmap, error) {
	var err error
	switch {
	case x.f != nil:
		x.readbuf, err = x.f.ReadChunk(i, x.readbuf)
		if err != nil {
			return nil, err
		}
		return decodeSelected(x.readbuf, x.sl.layout, sub)
	case x.w != nil:
		if i < len(x.w.Chunks()) {
			x.readbuf, err = x.w.ReadChunk(i, x.readbuf)
			if err != nil {
				return nil, err
			}
			return decodeSelected(x.readbuf, x.sl.layout, sub)
		}
		return liveMaps(x.open, sub), nil
	default:
		if i < len(x.mem) {
			return liveMaps(x.mem[i].groups, sub), nil
		}
		return liveMaps(x.open, sub), nil
	}
}

// Next returns the next matching position. The second
// return value is false once the scan is exhausted or
// an error occurred; check Err afterwards.
func (m *Matches) Next() (uint64, bool) {
	for {
		if m.it != nil {
			if p, ok := m.it.Next(); ok {
				return m.start + uint64(p), true
			}
			m.it = nil
			m.acc = nil
		}
		if m.err != nil || m.next > m.last {
			return 0, false
		}
		i := m.next
		m.next++
		maps, err := m.x.chunkMaps(i, m.sub)
		if err != nil {
			m.err = err
			return 0, false
		}
		acc := intersect(maps)
		if acc == nil {
			continue
		}
		m.acc = acc
		m.it = acc.Iter()
		m.start = uint64(i) * uint64(m.x.chunkLen)
	}
}

// intersect folds the per-group bitmaps into their
// intersection, smallest encoded bitmap first so that
// the accumulator stays as sparse as possible. It
// returns nil when the intersection is provably empty.
func intersect(maps []*ozbc.Bitmap) *ozbc.Bitmap {
	for _, b := range maps {
		if !b.AnySet() {
			return nil
		}
	}
	slices.SortFunc(maps, func(a, b *ozbc.Bitmap) bool {
		return a.Size() < b.Size()
	})
	acc := maps[0]
	for _, b := range maps[1:] {
		acc = acc.And(b)
		if !acc.AnySet() {
			return nil
		}
	}
	return acc
}

// Err returns the error that terminated the scan, if any.
func (m *Matches) Err() error { return m.err }

// Collect drains the scan into a slice.
func (m *Matches) Collect() ([]uint64, error) {
	var out []uint64
	for p, ok := m.Next(); ok; p, ok = m.Next() {
		out = append(out, p)
	}
	return out, m.Err()
}
