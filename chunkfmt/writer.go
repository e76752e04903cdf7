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
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/uccidibuti/bitrush-index/compr"
)

// sipKey splits the index UUID into the two
// 64-bit halves used to key chunk checksums.
func sipKey(id uuid.UUID) (k0, k1 uint64) {
	k0 = binary.LittleEndian.Uint64(id[:8])
	k1 = binary.LittleEndian.Uint64(id[8:])
	return k0, k1
}

// A Writer writes an index file chunk by chunk.
// Chunks are compressed, checksummed, and appended
// to the file as they arrive; the trailer is written
// on Close.
type Writer struct {
	// Logf, if non-nil, is a callback
	// used for logging notices.
	Logf func(f string, args ...interface{})

	hdr    Header
	f      *os.File
	comp   compr.Compressor
	off    int64
	t      Trailer
	buf    []byte // compression scratch
	rd     chunkReader
	closed bool
}

func (w *Writer) logf(f string, args ...interface{}) {
	if w.Logf != nil {
		w.Logf(f, args...)
	}
}

// Create creates (or truncates) the index file at path
// and writes its header. Zero-valued header fields are
// defaulted: Version to the current format version,
// Algo to "zstd", and ID to a freshly generated UUID.
//
// The file is locked exclusively for the lifetime of
// the Writer; creating or opening the same file from
// elsewhere while the Writer is live is denied.
func Create(path string, hdr *Header) (*Writer, error) {
	h := *hdr
	if h.Version == 0 {
		h.Version = Version
	}
	if h.Algo == "" {
		h.Algo = "zstd"
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	comp := compr.Compression(h.Algo)
	if comp == nil {
		return nil, fmt.Errorf("chunkfmt: unknown compression %q", h.Algo)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockEx(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfmt: locking %s: %w", path, err)
	}
	// truncate only once the lock is held, so a denied
	// Create leaves a live index file untouched
	if err := f.Truncate(0); err != nil {
		unlock(f)
		f.Close()
		return nil, err
	}
	enc := h.encode()
	if _, err := f.Write(enc); err != nil {
		unlock(f)
		f.Close()
		return nil, err
	}
	w := &Writer{
		hdr:  h,
		f:    f,
		comp: comp,
		off:  int64(len(enc)),
	}
	w.rd.src = f
	w.rd.key = h.ID
	w.rd.dec = compr.Decompression(h.Algo)
	return w, nil
}

// Header returns the header the writer was created with,
// including any defaulted fields.
func (w *Writer) Header() *Header { return &w.hdr }

// Chunks returns the descriptors of the chunks
// written so far.
func (w *Writer) Chunks() []Chunkdesc { return w.t.Chunks }

// WriteChunk compresses and appends one chunk payload
// covering nvals logical positions. Only the final chunk
// of a file may cover fewer than Header.ChunkLen positions,
// so after a short chunk has been written no further
// chunks are accepted.
func (w *Writer) WriteChunk(payload []byte, nvals uint32) error {
	if w.closed {
		return errors.New("chunkfmt: WriteChunk on closed Writer")
	}
	if nvals == 0 || nvals > w.hdr.ChunkLen {
		return fmt.Errorf("chunkfmt: chunk of %d positions (chunk length is %d)", nvals, w.hdr.ChunkLen)
	}
	if n := len(w.t.Chunks); n > 0 && w.t.Chunks[n-1].Len != w.hdr.ChunkLen {
		return errors.New("chunkfmt: WriteChunk after a partial chunk")
	}
	w.buf = w.comp.Compress(payload, w.buf[:0])
	k0, k1 := sipKey(w.hdr.ID)
	sum := siphash.Hash(k0, k1, w.buf)
	if _, err := w.f.WriteAt(w.buf, w.off); err != nil {
		return fmt.Errorf("chunkfmt: writing chunk %d: %w", len(w.t.Chunks), err)
	}
	w.t.Chunks = append(w.t.Chunks, Chunkdesc{
		Offset:  w.off,
		Size:    uint32(len(w.buf)),
		RawSize: uint32(len(payload)),
		Len:     nvals,
		Sum:     sum,
	})
	w.off += int64(len(w.buf))
	w.logf("chunk %d: %d positions, %d -> %d bytes",
		len(w.t.Chunks)-1, nvals, len(payload), len(w.buf))
	return nil
}

// ReadChunk reads back the decompressed payload of a
// previously written chunk, reusing dst if it is large
// enough. It lets the index layer answer queries over
// flushed chunks while the file is still being built.
func (w *Writer) ReadChunk(i int, dst []byte) ([]byte, error) {
	if i < 0 || i >= len(w.t.Chunks) {
		return nil, fmt.Errorf("chunkfmt: chunk %d of %d", i, len(w.t.Chunks))
	}
	return w.rd.read(&w.t.Chunks[i], dst)
}

// Close writes the trailer and releases the file.
// Closing an already-closed Writer is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	enc := w.t.encode(w.off)
	_, err := w.f.WriteAt(enc, w.off)
	if err == nil {
		err = w.f.Sync()
	}
	unlock(w.f)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
