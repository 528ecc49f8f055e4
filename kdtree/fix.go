// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kdtree

import (
	"context"

	"github.com/vovoma/mlpack/cachearray"
)

// FixStats recomputes the statistics of every node in the subtree rooted
// at root, bottom-up: each node's statistic is reset, refilled from its
// contained points (leaves) or its children's finished statistics
// (internal nodes), and then postprocessed, exactly once per node. The
// point array must be readable and the node array writable; touched node
// blocks are left dirty for the caller to flush. FixStats is idempotent:
// rerunning it leaves the node array unchanged.
func FixStats[N cachearray.Record[N], P cachearray.Record[P], Param any, PN Node[N, P, Param], PP Point[P]](
	ctx context.Context,
	param Param,
	points *cachearray.Array[P],
	nodes *cachearray.Array[N],
	root Index,
) error {
	f := &fixer[N, P, Param, PN, PP]{ctx: ctx, param: param, points: points, nodes: nodes}
	return f.fix(root)
}

type fixer[N cachearray.Record[N], P cachearray.Record[P], Param any, PN Node[N, P, Param], PP Point[P]] struct {
	ctx    context.Context
	param  Param
	points *cachearray.Array[P]
	nodes  *cachearray.Array[N]
}

func (f *fixer[N, P, Param, PN, PP]) fix(ix Index) error {
	h, err := f.nodes.Write(f.ctx, ix)
	if err != nil {
		return err
	}
	defer h.Release()
	node := PN(h.Rec())
	node.ResetStat(f.param)
	if node.IsLeaf() {
		if count := node.Count(); count > 0 {
			it, err := f.points.Iter(f.ctx, node.Begin())
			if err != nil {
				return err
			}
			for i := Index(0); i < count; i++ {
				node.AccumulatePoint(f.param, it.Rec())
				if err := it.Next(f.ctx); err != nil {
					it.Release()
					return err
				}
			}
			it.Release()
		}
	} else {
		for k := 0; k < node.NumChildren(); k++ {
			if err := f.fix(node.Child(k)); err != nil {
				return err
			}
		}
		for k := 0; k < node.NumChildren(); k++ {
			ch, err := f.nodes.Read(f.ctx, node.Child(k))
			if err != nil {
				return err
			}
			node.AccumulateChild(f.param, ch.Rec())
			ch.Release()
		}
	}
	node.PostprocessStat(f.param)
	return nil
}
