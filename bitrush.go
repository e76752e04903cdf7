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

// Package bitrush implements a serializable bitmap index
// for equality queries over fixed-width integer values.
//
// Values are appended to an index one at a time; a query
// for a probe value V returns the positions at which V
// was inserted, in increasing order. Internally each value
// is split into narrow bit groups, and every group maintains
// one compressed bitmap per possible sub-value (see package
// ozbc). A query intersects one bitmap per group.
//
// An index is either memory-resident or backed by a file,
// in which case it is flushed in fixed-logical-length
// chunks (see package chunkfmt) and queries stream the
// file one chunk at a time.
//
// An index is single-threaded: all operations on one index
// must be serialized by the caller. Distinct indices are
// independent.
package bitrush

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/uccidibuti/bitrush-index/chunkfmt"
	"github.com/uccidibuti/bitrush-index/ints"
)

// DefaultChunkLen is the chunk length used when
// Options.ChunkLen is zero.
const DefaultChunkLen = 1 << 20

// Options configures an index at creation.
// The zero value selects a memory-resident index
// with the default layout, chunk length, and
// compression.
type Options struct {
	// Path is the backing file to create.
	// An empty Path selects memory mode.
	Path string
	// Layout is the bit-group layout, least-significant
	// group first; widths must sum to the value width.
	// Nil selects DefaultLayout.
	Layout []uint8
	// ChunkLen is the fixed logical chunk length.
	// It must be a power of two and at least 128.
	// Zero selects DefaultChunkLen.
	ChunkLen uint32
	// Algo names the chunk compression algorithm
	// ("zstd", "s2", or "none"). Empty selects zstd.
	// Only meaningful with a backing file.
	Algo string
	// Logf, if non-nil, is a callback used for
	// logging storage activity.
	Logf func(f string, args ...interface{})
}

// memChunk is a sealed chunk retained in memory
// (memory mode only).
type memChunk struct {
	groups []*subIndex
	n      uint32
}

// index is the builder state shared by every
// typed index front-end.
type index struct {
	sl       *slicer
	chunkLen uint32
	n        uint64

	open  []*subIndex // the open (or sealed, unflushed) chunk
	openN uint32
	// sealed marks a full open chunk awaiting its
	// deferred write; the write happens at the next
	// Push or Flush so that a failed write leaves n
	// untouched; after such a failure the index refuses
	// further appends (see broken)
	sealed bool

	mem []*memChunk      // memory mode: sealed chunks
	w   *chunkfmt.Writer // storage mode: backing file
	f   *chunkfmt.File   // read-only mode: opened file

	closed bool
	broken error // sticky storage failure

	scratch []uint16
	payload []byte
	readbuf []byte
}

func newCore(width int, opts *Options) (*index, error) {
	sl, err := newSlicer(width, opts.Layout)
	if err != nil {
		return nil, err
	}
	chunkLen := opts.ChunkLen
	if chunkLen == 0 {
		chunkLen = DefaultChunkLen
	}
	if !ints.IsPowerOfTwo(chunkLen) || chunkLen < chunkfmt.MinChunkLen {
		return nil, fmt.Errorf("bitrush: chunk length %d is not a power of two >= %d", chunkLen, chunkfmt.MinChunkLen)
	}
	x := &index{
		sl:       sl,
		chunkLen: chunkLen,
		open:     newGroups(sl.layout),
	}
	if opts.Path != "" {
		w, err := chunkfmt.Create(opts.Path, &chunkfmt.Header{
			Width:    sl.width,
			Layout:   sl.layout,
			ChunkLen: chunkLen,
			Algo:     opts.Algo,
		})
		if err != nil {
			return nil, err
		}
		w.Logf = opts.Logf
		x.w = w
	}
	return x, nil
}

// openCore opens an existing index file for querying.
func openCore(path string) (*index, error) {
	f, err := chunkfmt.Open(path)
	if err != nil {
		return nil, err
	}
	sl, err := newSlicer(int(f.Header.Width), f.Header.Layout)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &index{
		sl:       sl,
		chunkLen: f.Header.ChunkLen,
		n:        f.Trailer.Positions(),
		f:        f,
		closed:   true,
	}, nil
}

func (x *index) push(v U128) error {
	if x.broken != nil {
		return x.broken
	}
	if x.closed {
		return ErrClosed
	}
	if x.sealed {
		if err := x.flushSealed(); err != nil {
			return err
		}
	}
	x.scratch = x.sl.slice(v, x.scratch[:0])
	pos := x.openN
	for g := range x.open {
		if err := x.open[g].append(x.scratch[g], pos); err != nil {
			// positions are handed to each bitmap in strictly
			// increasing order by construction, so a failure
			// here is internal corruption, not caller error
			x.broken = err
			return err
		}
	}
	x.openN++
	x.n++
	if x.openN == x.chunkLen {
		x.seal()
	}
	return nil
}

// seal marks the open chunk complete. In memory mode it
// is retired immediately; in storage mode the write is
// deferred (see index.sealed).
func (x *index) seal() {
	if x.w != nil {
		x.sealed = true
		return
	}
	x.mem = append(x.mem, &memChunk{groups: x.open, n: x.openN})
	x.open = newGroups(x.sl.layout)
	x.openN = 0
}

// flushSealed writes the sealed chunk to the backing file
// and recycles the in-memory group state. On failure the
// index becomes unusable for further appends.
func (x *index) flushSealed() error {
	x.payload = encodeGroups(x.open, x.payload[:0])
	if err := x.w.WriteChunk(x.payload, x.openN); err != nil {
		x.broken = fmt.Errorf("%w: %s", ErrClosed, err)
		return err
	}
	for g := range x.open {
		x.open[g].reset()
	}
	x.openN = 0
	x.sealed = false
	return nil
}

func (x *index) len() uint64 { return x.n }

// flush finalizes a file-backed index: any sealed chunk
// and any partial trailing chunk are written, then the
// trailer. The index no longer accepts appends; reopen
// the file to query it. Flushing a memory-mode index is
// a no-op.
func (x *index) flush() error {
	if x.broken != nil {
		return x.broken
	}
	if x.w == nil || x.closed {
		return nil
	}
	if x.sealed {
		if err := x.flushSealed(); err != nil {
			return err
		}
	}
	if x.openN > 0 {
		x.payload = encodeGroups(x.open, x.payload[:0])
		if err := x.w.WriteChunk(x.payload, x.openN); err != nil {
			x.broken = fmt.Errorf("%w: %s", ErrClosed, err)
			return err
		}
		x.openN = 0
	}
	x.closed = true
	if err := x.w.Close(); err != nil {
		x.broken = fmt.Errorf("%w: %s", ErrClosed, err)
		return err
	}
	return nil
}

// close releases the index without flushing the partial
// trailing chunk: previously flushed full chunks remain
// durable, the partial tail is discarded. Closing a
// memory-mode index or an already-closed index is a no-op.
func (x *index) close() error {
	if x.f != nil {
		return x.f.Close()
	}
	if x.w == nil || x.closed {
		return nil
	}
	x.closed = true
	if x.sealed && x.broken == nil {
		if err := x.flushSealed(); err != nil {
			x.w.Close()
			return err
		}
	}
	return x.w.Close()
}

// validate re-reads every chunk of an index opened
// read-only, verifying checksums and bitmap structure.
// For an index being built it does nothing.
func (x *index) validate() error {
	if x.f == nil {
		return nil
	}
	var buf []byte
	for i := 0; i < x.f.NumChunks(); i++ {
		var err error
		buf, err = x.f.ReadChunk(i, buf)
		if err != nil {
			return err
		}
		bound := ints.AlignUp(x.f.Trailer.Chunks[i].Len, 128)
		if err := decodeAll(buf, x.sl.layout, bound); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return nil
}

// An Index maps inserted values of integer type T to their
// insertion positions and answers equality queries over them.
type Index[T constraints.Integer] struct {
	core *index
}

// New creates an empty index over values of type T.
// Signed values are transported as their unsigned
// two's-complement bit patterns.
func New[T constraints.Integer](opts Options) (*Index[T], error) {
	core, err := newCore(int(unsafe.Sizeof(*new(T)))*8, &opts)
	if err != nil {
		return nil, err
	}
	return &Index[T]{core: core}, nil
}

// Open opens an existing index file for querying.
// The file's value width must match T.
func Open[T constraints.Integer](path string) (*Index[T], error) {
	core, err := openCore(path)
	if err != nil {
		return nil, err
	}
	if want := int(unsafe.Sizeof(*new(T))) * 8; int(core.sl.width) != want {
		core.close()
		return nil, fmt.Errorf("%w: file holds %d-bit values, requested %d",
			ErrLayout, core.sl.width, want)
	}
	return &Index[T]{core: core}, nil
}

// Push appends v at position Len().
func (x *Index[T]) Push(v T) error { return x.core.push(U128{Lo: uint64(v)}) }

// Len returns the number of values pushed so far.
func (x *Index[T]) Len() uint64 { return x.core.len() }

// Query returns the positions at which v was inserted,
// in increasing order, across all chunks.
func (x *Index[T]) Query(v T) (*Matches, error) {
	return x.core.query(U128{Lo: uint64(v)}, 0, -1)
}

// QueryRange is Query restricted to the chunk window
// [first, last], both inclusive.
func (x *Index[T]) QueryRange(v T, first, last int) (*Matches, error) {
	return x.core.query(U128{Lo: uint64(v)}, first, last)
}

// Flush finalizes the backing file (see Options.Path):
// the partial trailing chunk and the trailer are written
// and the index stops accepting appends. Flush is a no-op
// in memory mode.
func (x *Index[T]) Flush() error { return x.core.flush() }

// Close releases the index. A file-backed index that has
// not been flushed keeps its full chunks and discards the
// partial tail.
func (x *Index[T]) Close() error { return x.core.close() }

// Validate re-reads every chunk of an index opened with
// Open, verifying checksums and bitmap structure. On an
// index created with New it checks nothing and returns nil.
func (x *Index[T]) Validate() error { return x.core.validate() }

// Index128 is an Index over unsigned 128-bit values.
type Index128 struct {
	core *index
}

// New128 creates an empty index over 128-bit values.
func New128(opts Options) (*Index128, error) {
	core, err := newCore(128, &opts)
	if err != nil {
		return nil, err
	}
	return &Index128{core: core}, nil
}

// Open128 opens an existing 128-bit index file for querying.
func Open128(path string) (*Index128, error) {
	core, err := openCore(path)
	if err != nil {
		return nil, err
	}
	if core.sl.width != 128 {
		core.close()
		return nil, fmt.Errorf("%w: file holds %d-bit values, requested 128",
			ErrLayout, core.sl.width)
	}
	return &Index128{core: core}, nil
}

// Push appends v at position Len().
func (x *Index128) Push(v U128) error { return x.core.push(v) }

// Len returns the number of values pushed so far.
func (x *Index128) Len() uint64 { return x.core.len() }

// Query returns the positions at which v was inserted.
func (x *Index128) Query(v U128) (*Matches, error) {
	return x.core.query(v, 0, -1)
}

// QueryRange is Query restricted to the chunk window
// [first, last], both inclusive.
func (x *Index128) QueryRange(v U128, first, last int) (*Matches, error) {
	return x.core.query(v, first, last)
}

// Flush finalizes the backing file; see Index.Flush.
func (x *Index128) Flush() error { return x.core.flush() }

// Close releases the index; see Index.Close.
func (x *Index128) Close() error { return x.core.close() }

// Validate re-reads every chunk of an index opened with
// Open128; see Index.Validate.
func (x *Index128) Validate() error { return x.core.validate() }
