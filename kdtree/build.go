// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kdtree

import (
	"context"

	"github.com/vovoma/mlpack/cachearray"
)

// Build constructs a kd-tree over the point array, which must be in
// create mode, appending node records to the (empty) node array in
// pre-order and returning the root's index. Nodes are split midway along
// their bound's widest dimension; the point array is partitioned in
// place, so each node covers a contiguous record range. Splitting stops
// when a node holds at most leafMax points or all its points coincide.
// The caller fixes statistics and flushes both arrays afterwards.
func Build[N cachearray.Record[N], P cachearray.Record[P], Param any, PN Node[N, P, Param], PP Point[P]](
	ctx context.Context,
	param Param,
	points *cachearray.Array[P],
	nodes *cachearray.Array[N],
	leafMax int,
) (Index, error) {
	if leafMax < 1 {
		leafMax = 1
	}
	b := &builder[N, P, Param, PN, PP]{
		ctx:     ctx,
		param:   param,
		points:  points,
		nodes:   nodes,
		leafMax: Index(leafMax),
	}
	n := points.Len()
	if n > 0 {
		h, err := points.Read(ctx, 0)
		if err != nil {
			return 0, err
		}
		b.dim = len(PP(h.Rec()).Coords())
		h.Release()
	}
	return b.build(0, n)
}

type builder[N cachearray.Record[N], P cachearray.Record[P], Param any, PN Node[N, P, Param], PP Point[P]] struct {
	ctx     context.Context
	param   Param
	points  *cachearray.Array[P]
	nodes   *cachearray.Array[N]
	leafMax Index
	dim     int
}

func (b *builder[N, P, Param, PN, PP]) build(begin, count Index) (Index, error) {
	ix, h, err := b.nodes.Append(b.ctx)
	if err != nil {
		return 0, err
	}
	node := PN(h.Rec())
	node.Init(b.param, b.dim)
	node.SetRange(begin, count)
	bound := node.Bound()
	bound.Reset(b.dim)
	if count > 0 {
		it, err := b.points.Iter(b.ctx, begin)
		if err != nil {
			h.Release()
			return 0, err
		}
		for i := Index(0); i < count; i++ {
			bound.Grow(PP(it.Rec()).Coords())
			if err := it.Next(b.ctx); err != nil {
				it.Release()
				h.Release()
				return 0, err
			}
		}
		it.Release()
	}
	if count <= b.leafMax {
		node.SetLeaf()
		h.Release()
		return ix, nil
	}
	d := bound.WidestDim()
	if !(bound.Width(d) > 0) {
		// All points coincide; no split can separate them.
		node.SetLeaf()
		h.Release()
		return ix, nil
	}
	mid := bound.Mid(d)
	h.Release()

	split, err := b.partition(begin, count, d, mid)
	if err != nil {
		return 0, err
	}
	left, err := b.build(begin, split-begin)
	if err != nil {
		return 0, err
	}
	right, err := b.build(split, begin+count-split)
	if err != nil {
		return 0, err
	}
	wh, err := b.nodes.Write(b.ctx, ix)
	if err != nil {
		return 0, err
	}
	PN(wh.Rec()).SetChildren(left, right)
	wh.Release()
	return ix, nil
}

// partition reorders points [begin, begin+count) so that records with
// coordinate d below mid precede the rest, returning the index of the
// first record at or above mid. The node's bound guarantees both sides
// are nonempty when its width along d is positive.
func (b *builder[N, P, Param, PN, PP]) partition(begin, count Index, d int, mid float64) (Index, error) {
	lo, hi := begin, begin+count-1
	for {
		for lo <= hi {
			v, err := b.coord(lo, d)
			if err != nil {
				return 0, err
			}
			if v >= mid {
				break
			}
			lo++
		}
		for lo <= hi {
			v, err := b.coord(hi, d)
			if err != nil {
				return 0, err
			}
			if v < mid {
				break
			}
			hi--
		}
		if lo >= hi {
			return lo, nil
		}
		if err := b.swap(lo, hi); err != nil {
			return 0, err
		}
		lo++
		hi--
	}
}

func (b *builder[N, P, Param, PN, PP]) coord(ix Index, d int) (float64, error) {
	h, err := b.points.Read(b.ctx, ix)
	if err != nil {
		return 0, err
	}
	v := PP(h.Rec()).Coords()[d]
	h.Release()
	return v, nil
}

func (b *builder[N, P, Param, PN, PP]) swap(i, j Index) error {
	ha, err := b.points.Write(b.ctx, i)
	if err != nil {
		return err
	}
	hb, err := b.points.Write(b.ctx, j)
	if err != nil {
		ha.Release()
		return err
	}
	*ha.Rec(), *hb.Rec() = *hb.Rec(), *ha.Rec()
	hb.Release()
	ha.Release()
	return nil
}
