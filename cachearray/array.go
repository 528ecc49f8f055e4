// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cachearray

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/once"
)

// Untyped is the part of an array's interface that does not depend on its
// record type. The distributed runtime drives arrays of unknown record
// types through it.
type Untyped interface {
	// Configure binds the array to a channel identity before use.
	Configure(channel int)
	// Channel returns the channel set by Configure, or -1.
	Channel() int
	// Attach binds an unbound array to its block device.
	Attach(dev Device) error
	// MarkShared switches flushes to record-range write-back.
	MarkShared()
	// Len returns the array's logical length in records.
	Len() Index
	// BlockRecs returns the number of records per block.
	BlockRecs() int
	// Blocks returns the number of blocks the records span.
	Blocks() int64
	// Mode returns the array's current access mode.
	Mode() Mode
	// FixBoundaries pads the trailing partial block with default records.
	FixBoundaries(ctx context.Context) error
	// FlushClear commits changes, drops the decoded cache, and enters mode.
	FlushClear(ctx context.Context, mode Mode) error
	// Layout describes the array's shape for a remote mirror.
	Layout() (Layout, error)
	// BindRemote initializes a mirror array from a layout and remote device.
	BindRemote(l Layout, dev Device, sink RangeSink) error
	// ApplyRange patches a record-range payload into the device.
	ApplyRange(ctx context.Context, first Index, data []byte) error
	// ReadBlock returns the device payload for a block, for serving mirrors.
	ReadBlock(ctx context.Context, b int64) ([]byte, error)
	// Device returns the array's backing device.
	Device() Device
}

type block[T any] struct {
	recs  []T
	dirty bool
	refs  int
}

type span struct {
	lo, hi Index
}

// An Array is a paged, index-addressed sequence of records. Records are
// grouped into blocks of BlockRecs records each; blocks are decoded into
// memory on first access and retained until the next FlushClear. See the
// package documentation for the mode discipline.
//
// Record access is safe for concurrent use. FlushClear and the
// initialization methods must not run concurrently with record access.
type Array[T Record[T]] struct {
	def       T
	blockRecs int
	channel   int
	dev       Device
	sink      RangeSink
	shared    bool

	mu     sync.Mutex
	mode   Mode
	n      Index
	blocks map[int64]*block[T]
	fetch  *once.Map
	spans  []span

	// devMu serializes read-modify-write patching of device blocks.
	devMu sync.Mutex
}

// New returns an unbound array of n records in create mode. Every
// record initially reads as a copy of def. The array must be bound to a
// device with Attach, or to a remote peer's array with BindRemote,
// before records are accessed.
func New[T Record[T]](def T, n Index, blockRecs int) *Array[T] {
	if blockRecs <= 0 {
		panic(fmt.Sprintf("cachearray: blockRecs %d <= 0", blockRecs))
	}
	if n < 0 {
		panic(fmt.Sprintf("cachearray: n %d < 0", n))
	}
	return &Array[T]{
		def:       def,
		blockRecs: blockRecs,
		channel:   -1,
		mode:      ModeCreate,
		n:         n,
		blocks:    make(map[int64]*block[T]),
		fetch:     new(once.Map),
	}
}

// NewWithDevice returns an array of n records in create mode, bound to
// dev.
func NewWithDevice[T Record[T]](def T, n Index, blockRecs int, dev Device) *Array[T] {
	a := New(def, n, blockRecs)
	if err := a.Attach(dev); err != nil {
		panic(err)
	}
	return a
}

// Attach implements Untyped. It binds an unbound array to the device
// that will hold its flushed blocks.
func (a *Array[T]) Attach(dev Device) error {
	if a.dev != nil {
		return errors.E(errors.Invalid, "cachearray: Attach on a bound array")
	}
	a.dev = dev
	return nil
}

// Configure implements Untyped.
func (a *Array[T]) Configure(channel int) { a.channel = channel }

// Channel implements Untyped.
func (a *Array[T]) Channel() int { return a.channel }

// Len implements Untyped.
func (a *Array[T]) Len() Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// BlockRecs implements Untyped.
func (a *Array[T]) BlockRecs() int { return a.blockRecs }

// Blocks implements Untyped.
func (a *Array[T]) Blocks() int64 {
	n := a.Len()
	if n == 0 {
		return 0
	}
	return (n + int64(a.blockRecs) - 1) / int64(a.blockRecs)
}

// Mode implements Untyped.
func (a *Array[T]) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Device implements Untyped.
func (a *Array[T]) Device() Device { return a.dev }

// MarkShared arranges for flushes to write back only the records this
// array actually wrote, as read-modify-write patches against the device,
// so that peers writing disjoint records of the same blocks do not
// clobber one another.
func (a *Array[T]) MarkShared() { a.shared = true }

// Layout implements Untyped.
func (a *Array[T]) Layout() (Layout, error) {
	def, err := encodeRecs([]T{a.def.Clone()})
	if err != nil {
		return Layout{}, err
	}
	return Layout{N: a.Len(), BlockRecs: a.blockRecs, Default: def}, nil
}

// BindRemote implements Untyped. The array takes its length, block size,
// and default record from l, overriding whatever shape it was created
// with; subsequent block misses are served by dev. If sink is non-nil,
// flushes push dirty record ranges to it instead of writing whole
// blocks, and the array behaves as if MarkShared were called.
func (a *Array[T]) BindRemote(l Layout, dev Device, sink RangeSink) error {
	if a.dev != nil {
		return errors.E(errors.Invalid, "cachearray: BindRemote on a bound array")
	}
	defs, err := decodeRecs[T](l.Default)
	if err != nil || len(defs) != 1 {
		return errors.E(errors.Invalid, "cachearray: bad layout default", err)
	}
	a.def = defs[0]
	a.n = l.N
	a.blockRecs = l.BlockRecs
	a.dev = dev
	a.sink = sink
	a.shared = sink != nil
	return nil
}

func (a *Array[T]) blockOf(ix Index) (b int64, slot int) {
	return ix / int64(a.blockRecs), int(ix % int64(a.blockRecs))
}

// acquire returns the block b with its reference count incremented. The
// caller must pair it with release.
func (a *Array[T]) acquire(ctx context.Context, b int64) (*block[T], error) {
	a.mu.Lock()
	if blk, ok := a.blocks[b]; ok {
		blk.refs++
		a.mu.Unlock()
		return blk, nil
	}
	a.mu.Unlock()
	err := a.fetch.Do(b, func() error {
		recs, err := a.loadBlock(ctx, b)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.blocks[b] = &block[T]{recs: recs}
		a.mu.Unlock()
		return nil
	})
	if err != nil {
		a.fetch.Forget(b)
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.blocks[b]
	if blk == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cachearray: block %d accessed across a flush", b))
	}
	blk.refs++
	return blk, nil
}

func (a *Array[T]) release(blk *block[T]) {
	a.mu.Lock()
	blk.refs--
	if blk.refs < 0 {
		a.mu.Unlock()
		panic("cachearray: negative block reference count")
	}
	a.mu.Unlock()
}

// loadBlock reads and decodes block b from the device. A block the
// device does not hold is materialized from the default record: bounds
// checks confine access to records the array's length says exist, so a
// missing block within range holds only defaults.
func (a *Array[T]) loadBlock(ctx context.Context, b int64) ([]T, error) {
	if a.dev == nil {
		return nil, errors.E(errors.Invalid, "cachearray: access to uninitialized array")
	}
	data, err := a.dev.Read(ctx, b)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			recs := make([]T, a.blockRecs)
			for i := range recs {
				recs[i] = a.def.Clone()
			}
			return recs, nil
		}
		return nil, err
	}
	return decodeRecs[T](data)
}

// A ReadHandle pins the block containing one record for reading. Handles
// must be released exactly once; the pinned record must not be written
// through a read handle nor retained after release.
type ReadHandle[T Record[T]] struct {
	arr *Array[T]
	blk *block[T]
	rec *T
}

// Rec returns the pinned record.
func (h *ReadHandle[T]) Rec() *T {
	if h.blk == nil {
		panic("cachearray: use of released read handle")
	}
	return h.rec
}

// Release unpins the record. Releasing a handle twice panics.
func (h *ReadHandle[T]) Release() {
	if h.blk == nil {
		panic("cachearray: read handle released twice")
	}
	h.arr.release(h.blk)
	h.arr, h.blk, h.rec = nil, nil, nil
}

// A WriteHandle pins the block containing one record for writing.
type WriteHandle[T Record[T]] struct {
	arr *Array[T]
	blk *block[T]
	rec *T
}

// Rec returns the pinned record for modification.
func (h *WriteHandle[T]) Rec() *T {
	if h.blk == nil {
		panic("cachearray: use of released write handle")
	}
	return h.rec
}

// Release unpins the record. Releasing a handle twice panics.
func (h *WriteHandle[T]) Release() {
	if h.blk == nil {
		panic("cachearray: write handle released twice")
	}
	h.arr.release(h.blk)
	h.arr, h.blk, h.rec = nil, nil, nil
}

// Read acquires record ix for reading.
func (a *Array[T]) Read(ctx context.Context, ix Index) (ReadHandle[T], error) {
	if err := a.check(ix); err != nil {
		return ReadHandle[T]{}, err
	}
	b, slot := a.blockOf(ix)
	blk, err := a.acquire(ctx, b)
	if err != nil {
		return ReadHandle[T]{}, err
	}
	return ReadHandle[T]{arr: a, blk: blk, rec: &blk.recs[slot]}, nil
}

// Write acquires record ix for writing, marking its block dirty. Write
// panics if the array is in read mode.
func (a *Array[T]) Write(ctx context.Context, ix Index) (WriteHandle[T], error) {
	if a.Mode() == ModeRead {
		panic(fmt.Sprintf("cachearray: write to read-mode array (record %d)", ix))
	}
	if err := a.check(ix); err != nil {
		return WriteHandle[T]{}, err
	}
	b, slot := a.blockOf(ix)
	blk, err := a.acquire(ctx, b)
	if err != nil {
		return WriteHandle[T]{}, err
	}
	a.mu.Lock()
	blk.dirty = true
	if a.shared {
		a.addSpanLocked(ix, ix+1)
	}
	a.mu.Unlock()
	return WriteHandle[T]{arr: a, blk: blk, rec: &blk.recs[slot]}, nil
}

func (a *Array[T]) check(ix Index) error {
	if n := a.Len(); ix < 0 || ix >= n {
		return errors.E(errors.Invalid, fmt.Sprintf("cachearray: record %d out of range [0, %d)", ix, n))
	}
	return nil
}

// addSpanLocked records that [lo, hi) was written. Spans are merged
// opportunistically here and normalized at flush.
func (a *Array[T]) addSpanLocked(lo, hi Index) {
	if n := len(a.spans); n > 0 {
		s := &a.spans[n-1]
		if lo >= s.lo && lo <= s.hi {
			if hi > s.hi {
				s.hi = hi
			}
			return
		}
	}
	a.spans = append(a.spans, span{lo, hi})
}

// Append extends the array by one record and returns its index along with
// a write handle to populate it. Append is permitted only in create mode.
func (a *Array[T]) Append(ctx context.Context) (Index, WriteHandle[T], error) {
	a.mu.Lock()
	if a.mode != ModeCreate {
		a.mu.Unlock()
		panic("cachearray: append outside create mode")
	}
	ix := a.n
	a.n++
	a.mu.Unlock()
	h, err := a.Write(ctx, ix)
	return ix, h, err
}

// Grow extends the array's logical length to at least n records. Grow is
// permitted only in create mode.
func (a *Array[T]) Grow(n Index) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != ModeCreate {
		panic("cachearray: grow outside create mode")
	}
	if n > a.n {
		a.n = n
	}
}

// An Iter walks a contiguous record range in index order for reading,
// pinning one block at a time.
type Iter[T Record[T]] struct {
	arr  *Array[T]
	ix   Index
	blk  *block[T]
	slot int
}

// Iter returns an iterator positioned at record ix.
func (a *Array[T]) Iter(ctx context.Context, ix Index) (*Iter[T], error) {
	if err := a.check(ix); err != nil {
		return nil, err
	}
	b, slot := a.blockOf(ix)
	blk, err := a.acquire(ctx, b)
	if err != nil {
		return nil, err
	}
	return &Iter[T]{arr: a, ix: ix, blk: blk, slot: slot}, nil
}

// Rec returns the record at the iterator's current position.
func (it *Iter[T]) Rec() *T {
	if it.blk == nil {
		panic("cachearray: use of exhausted or released iterator")
	}
	return &it.blk.recs[it.slot]
}

// Next advances the iterator one record. Advancing past the final record
// exhausts the iterator: Rec panics thereafter, but Release remains
// valid.
func (it *Iter[T]) Next(ctx context.Context) error {
	if it.blk == nil {
		panic("cachearray: Next on exhausted or released iterator")
	}
	it.ix++
	it.slot++
	if it.slot < it.arr.blockRecs {
		if it.ix >= it.arr.Len() {
			it.arr.release(it.blk)
			it.blk = nil
		}
		return nil
	}
	it.arr.release(it.blk)
	it.blk = nil
	if it.ix >= it.arr.Len() {
		return nil
	}
	b, slot := it.arr.blockOf(it.ix)
	blk, err := it.arr.acquire(ctx, b)
	if err != nil {
		return err
	}
	it.blk, it.slot = blk, slot
	return nil
}

// Release unpins the iterator's current block, if any.
func (it *Iter[T]) Release() {
	if it.blk != nil {
		it.arr.release(it.blk)
		it.blk = nil
	}
}

// FixBoundaries implements Untyped. It pads the trailing partial block,
// if any, with copies of the default record so that block-granular
// flushes and remote fetches are well defined past the final record.
func (a *Array[T]) FixBoundaries(ctx context.Context) error {
	n := a.Len()
	if n == 0 || n%int64(a.blockRecs) == 0 {
		return nil
	}
	blk, err := a.acquire(ctx, n/int64(a.blockRecs))
	if err != nil {
		return err
	}
	a.mu.Lock()
	for len(blk.recs) < a.blockRecs {
		blk.recs = append(blk.recs, a.def.Clone())
	}
	blk.dirty = true
	blk.refs--
	a.mu.Unlock()
	return nil
}

// FlushClear implements Untyped. All dirty state is committed to the
// device (or pushed to the range sink), the decoded cache is dropped, and
// the array enters mode. FlushClear panics if any handle is outstanding.
func (a *Array[T]) FlushClear(ctx context.Context, mode Mode) error {
	a.mu.Lock()
	for b, blk := range a.blocks {
		if blk.refs != 0 {
			a.mu.Unlock()
			panic(fmt.Sprintf("cachearray: flush with %d outstanding handles on block %d", blk.refs, b))
		}
	}
	blocks := a.blocks
	spans := normalizeSpans(a.spans)
	a.blocks = make(map[int64]*block[T])
	a.fetch = new(once.Map)
	a.spans = nil
	a.mu.Unlock()

	if a.shared {
		for _, s := range spans {
			if err := a.flushSpan(ctx, blocks, s); err != nil {
				return err
			}
		}
	} else {
		ids := make([]int64, 0, len(blocks))
		for b, blk := range blocks {
			if blk.dirty {
				ids = append(ids, b)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, b := range ids {
			data, err := encodeRecs(blocks[b].recs)
			if err != nil {
				return err
			}
			if err := a.dev.Write(ctx, b, data); err != nil {
				return err
			}
		}
	}
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
	return nil
}

// flushSpan writes back the records of one dirty span, either to the
// remote sink or as a device patch.
func (a *Array[T]) flushSpan(ctx context.Context, blocks map[int64]*block[T], s span) error {
	recs := make([]T, 0, s.hi-s.lo)
	for ix := s.lo; ix < s.hi; ix++ {
		b, slot := a.blockOf(ix)
		blk := blocks[b]
		if blk == nil {
			return errors.E(errors.Invalid, fmt.Sprintf("cachearray: dirty span [%d, %d) covers unloaded block %d", s.lo, s.hi, b))
		}
		recs = append(recs, blk.recs[slot])
	}
	if a.sink != nil {
		data, err := encodeRecs(recs)
		if err != nil {
			return err
		}
		return a.sink.WriteRange(ctx, s.lo, data)
	}
	return a.patchRange(ctx, s.lo, recs)
}

// ApplyRange implements Untyped.
func (a *Array[T]) ApplyRange(ctx context.Context, first Index, data []byte) error {
	recs, err := decodeRecs[T](data)
	if err != nil {
		return err
	}
	return a.patchRange(ctx, first, recs)
}

// patchRange read-modify-writes recs into the device starting at record
// first. Patches are serialized so that concurrent peers writing disjoint
// records of one block do not lose updates.
func (a *Array[T]) patchRange(ctx context.Context, first Index, recs []T) error {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	for i := 0; i < len(recs); {
		ix := first + Index(i)
		b, slot := a.blockOf(ix)
		k := min(len(recs)-i, a.blockRecs-slot)
		blkRecs, err := a.loadForPatch(ctx, b)
		if err != nil {
			return err
		}
		copy(blkRecs[slot:slot+k], recs[i:i+k])
		data, err := encodeRecs(blkRecs)
		if err != nil {
			return err
		}
		if err := a.dev.Write(ctx, b, data); err != nil {
			return err
		}
		i += k
	}
	return nil
}

// loadForPatch returns block b's records at full block width, reading
// from the device and padding with defaults as needed.
func (a *Array[T]) loadForPatch(ctx context.Context, b int64) ([]T, error) {
	data, err := a.dev.Read(ctx, b)
	if err != nil && !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	var recs []T
	if err == nil {
		if recs, err = decodeRecs[T](data); err != nil {
			return nil, err
		}
	}
	for len(recs) < a.blockRecs {
		recs = append(recs, a.def.Clone())
	}
	return recs, nil
}

// ReadBlock implements Untyped. A block the device does not hold is
// served as an encoded block of default records.
func (a *Array[T]) ReadBlock(ctx context.Context, b int64) ([]byte, error) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	data, err := a.dev.Read(ctx, b)
	if err != nil && errors.Is(errors.NotExist, err) {
		recs := make([]T, a.blockRecs)
		for i := range recs {
			recs[i] = a.def.Clone()
		}
		return encodeRecs(recs)
	}
	return data, err
}

// normalizeSpans sorts spans and merges overlaps, so that each record
// appears in at most one span.
func normalizeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
