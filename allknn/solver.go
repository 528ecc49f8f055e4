// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package allknn

import (
	"context"
	"math"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/kdtree"
)

// solver performs a depth-first dual-tree traversal for one query
// subtree. Neighbor bounds tightened during the traversal live in a
// solver-local map, seeded from the node statistics, so that concurrent
// solvers never share mutable state and a grain's outcome does not
// depend on what other grains have done.
type solver struct {
	param   *Param
	points  *cachearray.Array[Point]
	nodes   *cachearray.Array[Node]
	results *cachearray.Array[Result]
	bounds  map[Index]float64
	counts  Counts
}

// Solve implements mlpack.Solver. It searches the whole reference tree
// for the query subtree rooted at qRoot.
func (s *solver) Solve(ctx context.Context, qRoot Index) error {
	return s.pair(ctx, qRoot, 0)
}

// GlobalResult implements mlpack.Solver.
func (s *solver) GlobalResult() mlpack.GlobalResult { return &s.counts }

func (s *solver) pair(ctx context.Context, qIx, rIx Index) error {
	s.counts.Pairs++
	qh, err := s.nodes.Read(ctx, qIx)
	if err != nil {
		return err
	}
	defer qh.Release()
	rh, err := s.nodes.Read(ctx, rIx)
	if err != nil {
		return err
	}
	defer rh.Release()
	qn, rn := qh.Rec(), rh.Rec()
	b, ok := s.bounds[qIx]
	if !ok {
		b = qn.B
		s.bounds[qIx] = b
	}
	if qn.Bnd.MinDistSq(&rn.Bnd) > b {
		s.counts.Prunes++
		return nil
	}
	switch {
	case qn.IsLeaf() && rn.IsLeaf():
		return s.base(ctx, qIx, qn, rn)
	case qn.IsLeaf():
		near, far, err := s.order(ctx, &qn.Bnd, rn)
		if err != nil {
			return err
		}
		if err := s.pair(ctx, qIx, near); err != nil {
			return err
		}
		return s.pair(ctx, qIx, far)
	case rn.IsLeaf():
		for k := 0; k < qn.NumChildren(); k++ {
			if err := s.pair(ctx, qn.Child(k), rIx); err != nil {
				return err
			}
		}
	default:
		for k := 0; k < qn.NumChildren(); k++ {
			qc := qn.Child(k)
			qch, err := s.nodes.Read(ctx, qc)
			if err != nil {
				return err
			}
			near, far, err := s.order(ctx, &qch.Rec().Bnd, rn)
			qch.Release()
			if err != nil {
				return err
			}
			if err := s.pair(ctx, qc, near); err != nil {
				return err
			}
			if err := s.pair(ctx, qc, far); err != nil {
				return err
			}
		}
	}
	// The query node was internal: its bound is the loosest of its
	// children's, all of which the recursion has now set.
	b = math.Inf(-1)
	for k := 0; k < qn.NumChildren(); k++ {
		if cb := s.bounds[qn.Child(k)]; cb > b {
			b = cb
		}
	}
	s.bounds[qIx] = b
	return nil
}

// order returns rn's children nearest-first with respect to qBnd. Ties
// keep the left child first.
func (s *solver) order(ctx context.Context, qBnd *kdtree.Bound, rn *Node) (near, far Index, err error) {
	c0, c1 := rn.Child(0), rn.Child(1)
	h0, err := s.nodes.Read(ctx, c0)
	if err != nil {
		return 0, 0, err
	}
	d0 := qBnd.MinDistSq(&h0.Rec().Bnd)
	h0.Release()
	h1, err := s.nodes.Read(ctx, c1)
	if err != nil {
		return 0, 0, err
	}
	d1 := qBnd.MinDistSq(&h1.Rec().Bnd)
	h1.Release()
	if d1 < d0 {
		return c1, c0, nil
	}
	return c0, c1, nil
}

// base compares every query point in leaf qn against every reference
// point in leaf rn, then refreshes the query leaf's bound to the loosest
// k-th distance among its points. A point is never offered itself.
func (s *solver) base(ctx context.Context, qIx Index, qn, rn *Node) error {
	k := s.param.K
	leafB := math.Inf(-1)
	qit, err := s.points.Iter(ctx, qn.Beg)
	if err != nil {
		return err
	}
	defer qit.Release()
	for qi := Index(0); qi < qn.Cnt; qi++ {
		qp := qit.Rec()
		resh, err := s.results.Write(ctx, qn.Beg+qi)
		if err != nil {
			return err
		}
		res := resh.Rec()
		kth := res.Dist[k-1]
		rit, err := s.points.Iter(ctx, rn.Beg)
		if err != nil {
			resh.Release()
			return err
		}
		for ri := Index(0); ri < rn.Cnt; ri++ {
			rp := rit.Rec()
			if rp.Row != qp.Row {
				s.counts.Dists++
				if d := distSq(qp.Vec, rp.Vec); d < kth {
					res.insert(d, rp.Row)
					kth = res.Dist[k-1]
				}
			}
			if err := rit.Next(ctx); err != nil {
				rit.Release()
				resh.Release()
				return err
			}
		}
		rit.Release()
		resh.Release()
		if kth > leafB {
			leafB = kth
		}
		if err := qit.Next(ctx); err != nil {
			return err
		}
	}
	s.bounds[qIx] = leafB
	return nil
}

func distSq(a, b []float64) float64 {
	var sum float64
	for i, v := range a {
		d := v - b[i]
		sum += d * d
	}
	return sum
}

// Naive computes all-k-nearest-neighbors by exhaustive comparison,
// writing the same result records a tree search would. It exists to
// check tree answers and for tiny inputs.
func Naive(ctx context.Context, param *Param, arrays mlpack.Arrays) error {
	points, _, results := typed(arrays)
	n := points.Len()
	k := param.K
	for i := Index(0); i < n; i++ {
		qh, err := points.Read(ctx, i)
		if err != nil {
			return err
		}
		qp := qh.Rec()
		resh, err := results.Write(ctx, i)
		if err != nil {
			qh.Release()
			return err
		}
		res := resh.Rec()
		kth := res.Dist[k-1]
		it, err := points.Iter(ctx, 0)
		if err != nil {
			resh.Release()
			qh.Release()
			return err
		}
		for j := Index(0); j < n; j++ {
			rp := it.Rec()
			if rp.Row != qp.Row {
				if d := distSq(qp.Vec, rp.Vec); d < kth {
					res.insert(d, rp.Row)
					kth = res.Dist[k-1]
				}
			}
			if err := it.Next(ctx); err != nil {
				it.Release()
				resh.Release()
				qh.Release()
				return err
			}
		}
		it.Release()
		resh.Release()
		qh.Release()
	}
	return nil
}
