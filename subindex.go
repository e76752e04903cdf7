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
	"fmt"

	"github.com/uccidibuti/bitrush-index/ozbc"
)

// subIndex is the index of one bit group: an array of
// 2^bits bitmaps, one per possible sub-value. Each
// inserted value sets exactly one bit in exactly one
// of the bitmaps.
type subIndex struct {
	bits uint8
	maps []ozbc.Bitmap
}

func newSubIndex(bits uint8) *subIndex {
	return &subIndex{
		bits: bits,
		maps: make([]ozbc.Bitmap, 1<<bits),
	}
}

func newGroups(layout []uint8) []*subIndex {
	groups := make([]*subIndex, len(layout))
	for g := range layout {
		groups[g] = newSubIndex(layout[g])
	}
	return groups
}

// append sets bit pos in the bitmap selected by sub-value s.
// The index builder delivers positions in strictly increasing
// order per chunk, which is the precondition the bitmap
// encoder relies on; ozbc reports a violation as an error.
func (s *subIndex) append(v uint16, pos uint32) error {
	if int(v) >= len(s.maps) {
		return fmt.Errorf("bitrush: sub-value %d out of range for %d-bit group", v, s.bits)
	}
	return s.maps[v].Append(pos)
}

// bitmap returns the bitmap for sub-value v.
func (s *subIndex) bitmap(v uint16) *ozbc.Bitmap {
	return &s.maps[v]
}

// reset empties every bitmap, retaining their buffers.
func (s *subIndex) reset() {
	for i := range s.maps {
		s.maps[i].Reset()
	}
}

// encode appends every bitmap of the group to dst in
// sub-value order, each length-prefixed.
func (s *subIndex) encode(dst []byte) []byte {
	for i := range s.maps {
		dst = s.maps[i].Encode(dst)
	}
	return dst
}

// encodeGroups serializes a whole chunk: the groups
// back to back, each holding 2^bits length-prefixed
// bitmaps.
func encodeGroups(groups []*subIndex, dst []byte) []byte {
	for g := range groups {
		dst = groups[g].encode(dst)
	}
	return dst
}

// decodeSelected extracts one bitmap per group from an
// encoded chunk payload: the bitmap of sub-value sub[g]
// for each group g. All other bitmaps are skipped without
// decoding.
func decodeSelected(payload []byte, layout []uint8, sub []uint16) ([]*ozbc.Bitmap, error) {
	out := make([]*ozbc.Bitmap, len(layout))
	for g := range layout {
		var err error
		for v := 0; v < 1<<layout[g]; v++ {
			if uint16(v) == sub[g] {
				out[g], payload, err = ozbc.Decode(payload)
			} else {
				payload, err = ozbc.Skip(payload)
			}
			if err != nil {
				return nil, fmt.Errorf("bitrush: chunk group %d, bitmap %d: %w", g, v, err)
			}
		}
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("bitrush: %d trailing bytes in chunk payload: %w", len(payload), ozbc.ErrMalformed)
	}
	return out, nil
}

// decodeAll decodes every bitmap of an encoded chunk
// payload; Validate uses it to check chunk structure.
func decodeAll(payload []byte, layout []uint8, maxLen uint32) error {
	for g := range layout {
		for v := 0; v < 1<<layout[g]; v++ {
			b, rest, err := ozbc.Decode(payload)
			if err != nil {
				return fmt.Errorf("bitrush: chunk group %d, bitmap %d: %w", g, v, err)
			}
			if b.Len() > maxLen {
				return fmt.Errorf("bitrush: chunk group %d, bitmap %d: length %d exceeds chunk bound %d: %w",
					g, v, b.Len(), maxLen, ozbc.ErrMalformed)
			}
			payload = rest
		}
	}
	if len(payload) != 0 {
		return fmt.Errorf("bitrush: %d trailing bytes in chunk payload: %w", len(payload), ozbc.ErrMalformed)
	}
	return nil
}
