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
	"fmt"
	"io"
	"os"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/uccidibuti/bitrush-index/compr"
)

// chunkReader verifies and decompresses chunk payloads.
// It is shared by File and Writer.
type chunkReader struct {
	src io.ReaderAt
	key uuid.UUID
	dec compr.Decompressor
	buf []byte // compressed scratch
}

func (r *chunkReader) read(d *Chunkdesc, dst []byte) ([]byte, error) {
	if cap(r.buf) < int(d.Size) {
		r.buf = make([]byte, d.Size)
	}
	r.buf = r.buf[:d.Size]
	if _, err := r.src.ReadAt(r.buf, d.Offset); err != nil {
		return nil, fmt.Errorf("chunkfmt: reading chunk at %d: %w", d.Offset, err)
	}
	k0, k1 := sipKey(r.key)
	if sum := siphash.Hash(k0, k1, r.buf); sum != d.Sum {
		return nil, fmt.Errorf("%w: chunk checksum mismatch at offset %d", ErrCorrupt, d.Offset)
	}
	if cap(dst) < int(d.RawSize) {
		dst = make([]byte, d.RawSize)
	}
	dst = dst[:d.RawSize]
	if err := r.dec.Decompress(r.buf, dst); err != nil {
		return nil, fmt.Errorf("%w: decompressing chunk at %d: %s", ErrCorrupt, d.Offset, err)
	}
	return dst, nil
}

// A File is a read-only handle on a finished index file.
type File struct {
	// Header holds the decoded file header.
	Header Header
	// Trailer holds the decoded chunk descriptors.
	Trailer Trailer

	f  *os.File
	rd chunkReader
}

// Open opens an index file for reading, validating its
// header and trailer. The file is locked shared for the
// lifetime of the handle.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := lockSh(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfmt: locking %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	h, hdrlen, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t, err := ReadTrailer(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := checkGeometry(h, t, hdrlen, fi.Size()); err != nil {
		f.Close()
		return nil, err
	}
	dec := compr.Decompression(h.Algo)
	if dec == nil {
		f.Close()
		return nil, fmt.Errorf("%w: unknown compression %q", ErrCorrupt, h.Algo)
	}
	out := &File{Header: *h, Trailer: *t, f: f}
	out.rd.src = f
	out.rd.key = h.ID
	out.rd.dec = dec
	return out, nil
}

// checkGeometry cross-validates the trailer descriptors
// against the header and the file size.
func checkGeometry(h *Header, t *Trailer, hdrlen, size int64) error {
	off := hdrlen
	for i := range t.Chunks {
		d := &t.Chunks[i]
		if d.Offset != off {
			return fmt.Errorf("%w: chunk %d at offset %d, expected %d", ErrCorrupt, i, d.Offset, off)
		}
		if d.Len == 0 || d.Len > h.ChunkLen {
			return fmt.Errorf("%w: chunk %d covers %d positions (chunk length is %d)", ErrCorrupt, i, d.Len, h.ChunkLen)
		}
		if d.Len != h.ChunkLen && i != len(t.Chunks)-1 {
			return fmt.Errorf("%w: short chunk %d is not last", ErrCorrupt, i)
		}
		off += int64(d.Size)
	}
	if off > size {
		return fmt.Errorf("%w: chunks extend past end of file", ErrCorrupt)
	}
	return nil
}

// NumChunks returns the number of chunks in the file.
func (f *File) NumChunks() int { return len(f.Trailer.Chunks) }

// ChunkStart returns the absolute position of the first
// value covered by chunk i.
func (f *File) ChunkStart(i int) uint64 {
	return uint64(i) * uint64(f.Header.ChunkLen)
}

// ReadChunk reads, verifies and decompresses the payload
// of chunk i, reusing dst if it is large enough.
func (f *File) ReadChunk(i int, dst []byte) ([]byte, error) {
	if i < 0 || i >= len(f.Trailer.Chunks) {
		return nil, fmt.Errorf("chunkfmt: chunk %d of %d", i, len(f.Trailer.Chunks))
	}
	return f.rd.read(&f.Trailer.Chunks[i], dst)
}

// Validate re-reads every chunk in the file, verifying
// checksums and decompression. It reports the first
// failure encountered.
func (f *File) Validate() error {
	var buf []byte
	for i := range f.Trailer.Chunks {
		var err error
		buf, err = f.ReadChunk(i, buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the file handle and its lock.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	unlock(f.f)
	err := f.f.Close()
	f.f = nil
	return err
}
