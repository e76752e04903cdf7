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

// Package chunkfmt implements routines for reading and
// writing a bitmap index as a sequence of compressed,
// fixed-logical-length chunks in a single backing file.
//
// The file begins with a header describing the index
// parameters, followed by the compressed chunk payloads
// back to back, and ends with a trailer holding one
// descriptor per chunk so that any chunk can be located
// in constant time. The trailer is protected by a
// BLAKE2b digest and each chunk by a SipHash checksum
// keyed with the index UUID, so payloads from one index
// never validate against another.
//
// The chunk payload bytes are opaque to this package;
// the index layer above decides how bitmaps are packed
// into a payload.
package chunkfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Version is the current version number
// of the file format.
const Version = 1

const (
	magic        = "OZBCIDX\x00"
	trailerMagic = "OZBCFTR\x00"

	// MinChunkLen is the smallest permitted
	// logical chunk length.
	MinChunkLen = 128

	// MaxGroups bounds the number of bit groups
	// an index layout may have.
	MaxGroups = 64

	descSize    = 32
	tailSize    = 24
	preludeSize = 20
)

// ErrCorrupt is returned when the on-disk bytes
// fail validation. Errors wrapping ErrCorrupt carry
// a description of the failed check.
var ErrCorrupt = errors.New("chunkfmt: corrupt index file")

// Header describes the immutable parameters of an
// index file. It is written once at creation and
// validated on every open.
type Header struct {
	// Version is the format version the
	// file was written with.
	Version uint16
	// Width is the total value width in bits.
	Width uint8
	// Layout holds the bit widths of each group,
	// least-significant group first. The widths
	// sum to Width.
	Layout []uint8
	// ChunkLen is the fixed logical chunk length:
	// every chunk except the last covers exactly
	// ChunkLen positions.
	ChunkLen uint32
	// Algo is the name of the compression algorithm
	// applied to chunk payloads.
	Algo string
	// ID identifies this index. It keys the per-chunk
	// checksums, so checksums computed for one index
	// do not validate against another.
	ID uuid.UUID
}

func (h *Header) check() error {
	if len(h.Layout) == 0 || len(h.Layout) > MaxGroups {
		return fmt.Errorf("chunkfmt: bad group count %d", len(h.Layout))
	}
	sum := 0
	for _, b := range h.Layout {
		if b == 0 || b > 16 {
			return fmt.Errorf("chunkfmt: bad group width %d", b)
		}
		sum += int(b)
	}
	if sum != int(h.Width) {
		return fmt.Errorf("chunkfmt: layout sums to %d bits, width is %d", sum, h.Width)
	}
	if h.ChunkLen < MinChunkLen {
		return fmt.Errorf("chunkfmt: chunk length %d below minimum %d", h.ChunkLen, MinChunkLen)
	}
	if len(h.Algo) == 0 || len(h.Algo) > 255 {
		return fmt.Errorf("chunkfmt: bad algorithm name %q", h.Algo)
	}
	return nil
}

// encode produces the on-disk header:
//
//	magic[8] version[2] hdrlen[2] flags[2] width[1] ngroups[1]
//	chunklen[4] uuid[16] algo(len-prefixed) layout[ngroups]
func (h *Header) encode() []byte {
	size := preludeSize + 16 + 1 + len(h.Algo) + len(h.Layout)
	buf := make([]byte, 0, size)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(size))
	buf = binary.LittleEndian.AppendUint16(buf, 0) // flags
	buf = append(buf, h.Width, uint8(len(h.Layout)))
	buf = binary.LittleEndian.AppendUint32(buf, h.ChunkLen)
	buf = append(buf, h.ID[:]...)
	buf = append(buf, uint8(len(h.Algo)))
	buf = append(buf, h.Algo...)
	buf = append(buf, h.Layout...)
	return buf
}

// ReadHeader reads and validates the header at the
// start of src, returning the decoded header and its
// encoded size.
func ReadHeader(src io.ReaderAt) (*Header, int64, error) {
	prelude := make([]byte, preludeSize)
	if _, err := src.ReadAt(prelude, 0); err != nil {
		return nil, 0, fmt.Errorf("%w: reading header: %s", ErrCorrupt, err)
	}
	if string(prelude[:8]) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	h := &Header{Version: binary.LittleEndian.Uint16(prelude[8:])}
	if h.Version != Version {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	hdrlen := int64(binary.LittleEndian.Uint16(prelude[10:]))
	if hdrlen < preludeSize+16+1 {
		return nil, 0, fmt.Errorf("%w: header length %d too small", ErrCorrupt, hdrlen)
	}
	h.Width = prelude[14]
	ngroups := int(prelude[15])
	h.ChunkLen = binary.LittleEndian.Uint32(prelude[16:])
	rest := make([]byte, hdrlen-preludeSize)
	if _, err := src.ReadAt(rest, preludeSize); err != nil {
		return nil, 0, fmt.Errorf("%w: reading header: %s", ErrCorrupt, err)
	}
	copy(h.ID[:], rest)
	rest = rest[16:]
	alen := int(rest[0])
	if len(rest) != 1+alen+ngroups {
		return nil, 0, fmt.Errorf("%w: header length inconsistent", ErrCorrupt)
	}
	h.Algo = string(rest[1 : 1+alen])
	h.Layout = append([]uint8{}, rest[1+alen:]...)
	if err := h.check(); err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	return h, hdrlen, nil
}

// Chunkdesc is a descriptor that is attached to each
// chunk within a Trailer.
type Chunkdesc struct {
	// Offset is the file offset of the
	// compressed chunk payload.
	Offset int64
	// Size is the compressed payload size.
	Size uint32
	// RawSize is the decompressed payload size.
	RawSize uint32
	// Len is the number of logical positions
	// the chunk covers. Only the final chunk
	// may cover fewer than Header.ChunkLen.
	Len uint32
	// Sum is the SipHash-2-4 checksum of the
	// compressed payload, keyed by the index ID.
	Sum uint64
}

// Trailer is the collection of chunk descriptors
// written at the end of the file.
type Trailer struct {
	// Chunks is the list of descriptors,
	// one per chunk, in chunk order.
	Chunks []Chunkdesc
}

// Positions returns the total number of logical
// positions covered by all chunks.
func (t *Trailer) Positions() uint64 {
	var n uint64
	for i := range t.Chunks {
		n += uint64(t.Chunks[i].Len)
	}
	return n
}

// encode produces the on-disk trailer:
// the descriptor region, its BLAKE2b-256 digest,
// and a fixed-size tail locating the region.
// off is the file offset the trailer will be
// written at.
func (t *Trailer) encode(off int64) []byte {
	buf := make([]byte, 0, len(t.Chunks)*descSize+blake2b.Size256+tailSize)
	for i := range t.Chunks {
		d := &t.Chunks[i]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(d.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, d.Size)
		buf = binary.LittleEndian.AppendUint32(buf, d.RawSize)
		buf = binary.LittleEndian.AppendUint32(buf, d.Len)
		buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
		buf = binary.LittleEndian.AppendUint64(buf, d.Sum)
	}
	sum := blake2b.Sum256(buf)
	buf = append(buf, sum[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Chunks)))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
	buf = binary.LittleEndian.AppendUint64(buf, uint64(off))
	buf = append(buf, trailerMagic...)
	return buf
}

// ReadTrailer reads the trailer from the end of src,
// where size is the total file size.
func ReadTrailer(src io.ReaderAt, size int64) (*Trailer, error) {
	if size < tailSize {
		return nil, fmt.Errorf("%w: file too small for trailer", ErrCorrupt)
	}
	tail := make([]byte, tailSize)
	if _, err := src.ReadAt(tail, size-tailSize); err != nil {
		return nil, fmt.Errorf("%w: reading trailer: %s", ErrCorrupt, err)
	}
	if string(tail[16:]) != trailerMagic {
		return nil, fmt.Errorf("%w: missing trailer (index not flushed?)", ErrCorrupt)
	}
	m := int64(binary.LittleEndian.Uint32(tail))
	off := int64(binary.LittleEndian.Uint64(tail[8:]))
	want := m*descSize + blake2b.Size256
	if off < 0 || off+want+tailSize != size {
		return nil, fmt.Errorf("%w: trailer geometry inconsistent", ErrCorrupt)
	}
	region := make([]byte, want)
	if _, err := src.ReadAt(region, off); err != nil {
		return nil, fmt.Errorf("%w: reading trailer: %s", ErrCorrupt, err)
	}
	descs := region[:m*descSize]
	sum := blake2b.Sum256(descs)
	var stored [blake2b.Size256]byte
	copy(stored[:], region[m*descSize:])
	if sum != stored {
		return nil, fmt.Errorf("%w: trailer digest mismatch", ErrCorrupt)
	}
	t := &Trailer{Chunks: make([]Chunkdesc, m)}
	for i := range t.Chunks {
		d := &t.Chunks[i]
		d.Offset = int64(binary.LittleEndian.Uint64(descs))
		d.Size = binary.LittleEndian.Uint32(descs[8:])
		d.RawSize = binary.LittleEndian.Uint32(descs[12:])
		d.Len = binary.LittleEndian.Uint32(descs[16:])
		d.Sum = binary.LittleEndian.Uint64(descs[24:])
		descs = descs[descSize:]
	}
	return t, nil
}
