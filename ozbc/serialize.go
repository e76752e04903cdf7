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

package ozbc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// Encoded form: a u32 word count followed by the 16-bit
// words, all little-endian. The encoder is canonical, so
// bitmaps built from the same append sequence always
// serialize to identical bytes.

// Encode appends the length-prefixed encoding of b to dst
// and returns the extended slice.
func (b *Bitmap) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b.words)))
	for _, w := range b.words {
		dst = binary.LittleEndian.AppendUint16(dst, w)
	}
	return dst
}

// EncodedSize returns the number of bytes Encode appends.
func (b *Bitmap) EncodedSize() int {
	return 4 + 2*len(b.words)
}

// Decode parses one length-prefixed bitmap from the front
// of src, returning the bitmap and the remaining bytes.
// The encoding is fully validated; structural damage is
// reported as an error wrapping ErrMalformed.
func Decode(src []byte) (*Bitmap, []byte, error) {
	words, rest, err := splitWords(src)
	if err != nil {
		return nil, nil, err
	}
	b, err := fromWords(words)
	if err != nil {
		return nil, nil, err
	}
	return b, rest, nil
}

// Skip advances past one length-prefixed bitmap without
// decoding it, returning the remaining bytes.
func Skip(src []byte) ([]byte, error) {
	_, rest, err := splitWords(src)
	return rest, err
}

func splitWords(src []byte) ([]uint16, []byte, error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
	}
	n := binary.LittleEndian.Uint32(src)
	src = src[4:]
	if uint64(len(src)) < 2*uint64(n) {
		return nil, nil, fmt.Errorf("%w: %d words but only %d bytes", ErrMalformed, n, len(src))
	}
	if n == 0 {
		return nil, src, nil
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(src[2*i:])
	}
	return words, src[2*n:], nil
}

// fromWords validates an encoded word stream and
// reconstructs the full append state, so that a decoded
// bitmap accepts further appends exactly like the bitmap
// it was encoded from.
func fromWords(words []uint16) (*Bitmap, error) {
	b := New()
	if len(words) == 0 {
		return b, nil
	}
	var blocks uint32
	open := -1
	i := 0
	for i < len(words) {
		w := words[i]
		if w&dirtyFlag == 0 {
			if i+1 == len(words) {
				return nil, fmt.Errorf("%w: trailing zero run", ErrMalformed)
			}
			blocks += uint32(w) + 1
			i++
			continue
		}
		if w&^(dirtyFlag|maskBits) != 0 {
			return nil, fmt.Errorf("%w: reserved bits set in dirty word %#04x", ErrMalformed, w)
		}
		mask := uint8(w & maskBits)
		if mask == 0 {
			return nil, fmt.Errorf("%w: dirty word with empty mask", ErrMalformed)
		}
		n := bits.OnesCount8(mask)
		if i+1+n > len(words) {
			return nil, fmt.Errorf("%w: truncated dirty block (%d sub-groups)", ErrMalformed, n)
		}
		for _, g := range words[i+1 : i+1+n] {
			if g == 0 {
				return nil, fmt.Errorf("%w: zero sub-group in dirty block", ErrMalformed)
			}
		}
		open = i
		blocks++
		i += 1 + n
	}
	b.words = words
	b.blocks = blocks
	b.open = open
	// the stream always ends with a dirty block;
	// recover the last appended position from it
	mask := uint8(words[open] & maskBits)
	top := 7 - bits.LeadingZeros8(mask)
	hi := words[len(words)-1]
	b.last = int64(blocks-1)*BlockBits + int64(top)*16 + int64(15-bits.LeadingZeros16(hi))
	return b, nil
}

// WriteTo writes the length-prefixed encoding of b to w.
func (b *Bitmap) WriteTo(w io.Writer) (int64, error) {
	buf := b.Encode(make([]byte, 0, b.EncodedSize()))
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads one length-prefixed bitmap from r,
// replacing the contents of b.
func (b *Bitmap) ReadFrom(r io.Reader) (int64, error) {
	var pre [4]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint32(pre[:])
	buf := make([]byte, 4+2*int64(n))
	copy(buf, pre[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return 4, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	dec, rest, err := Decode(buf)
	if err != nil {
		return int64(len(buf)), err
	}
	if len(rest) != 0 {
		return int64(len(buf)), fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	*b = *dec
	return int64(len(buf)), nil
}
