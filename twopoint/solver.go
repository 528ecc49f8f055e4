// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package twopoint

import (
	"context"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
)

// solver counts pairs for one query subtree by depth-first dual-tree
// traversal. The count needs no search state beyond its tallies, so
// grain outcomes cannot depend on traversal order or on other grains.
type solver struct {
	rsq     float64
	points  *cachearray.Array[Point]
	nodes   *cachearray.Array[Node]
	results *cachearray.Array[Result]
	counts  Counts
}

// Solve implements mlpack.Solver. It counts, for every point under
// qRoot, the reference points within the radius anywhere in the tree.
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
	if qn.Bnd.MinDistSq(&rn.Bnd) > s.rsq {
		s.counts.Prunes++
		return nil
	}
	if qn.Bnd.MaxDistSq(&rn.Bnd) <= s.rsq {
		s.counts.Subsumes++
		return s.subsume(ctx, qn, rn)
	}
	switch {
	case qn.IsLeaf() && rn.IsLeaf():
		return s.base(ctx, qn, rn)
	case qn.IsLeaf():
		for k := 0; k < rn.NumChildren(); k++ {
			if err := s.pair(ctx, qIx, rn.Child(k)); err != nil {
				return err
			}
		}
	case rn.IsLeaf():
		for k := 0; k < qn.NumChildren(); k++ {
			if err := s.pair(ctx, qn.Child(k), rIx); err != nil {
				return err
			}
		}
	default:
		for j := 0; j < qn.NumChildren(); j++ {
			for k := 0; k < rn.NumChildren(); k++ {
				if err := s.pair(ctx, qn.Child(j), rn.Child(k)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// subsume counts every cross pair between two node ranges whose bounds
// are entirely within the radius, without reading any points. A query
// point that lies in both ranges must not count itself; the ranges are
// contiguous, so those are exactly the points in the ranges' overlap.
func (s *solver) subsume(ctx context.Context, qn, rn *Node) error {
	oBeg, oEnd := qn.Beg, qn.Beg+qn.Cnt
	if rn.Beg > oBeg {
		oBeg = rn.Beg
	}
	if rEnd := rn.Beg + rn.Cnt; rEnd < oEnd {
		oEnd = rEnd
	}
	for qi := qn.Beg; qi < qn.Beg+qn.Cnt; qi++ {
		add := int64(rn.Cnt)
		if oBeg <= qi && qi < oEnd {
			add--
		}
		if add == 0 {
			continue
		}
		h, err := s.results.Write(ctx, qi)
		if err != nil {
			return err
		}
		h.Rec().Count += add
		h.Release()
		s.counts.Within += add
	}
	return nil
}

// base compares every query point in leaf qn against every reference
// point in leaf rn. A point is never paired with itself.
func (s *solver) base(ctx context.Context, qn, rn *Node) error {
	qit, err := s.points.Iter(ctx, qn.Beg)
	if err != nil {
		return err
	}
	defer qit.Release()
	for qi := Index(0); qi < qn.Cnt; qi++ {
		qp := qit.Rec()
		var within int64
		rit, err := s.points.Iter(ctx, rn.Beg)
		if err != nil {
			return err
		}
		for ri := Index(0); ri < rn.Cnt; ri++ {
			rp := rit.Rec()
			if rp.Row != qp.Row {
				s.counts.Dists++
				if distSq(qp.Vec, rp.Vec) <= s.rsq {
					within++
				}
			}
			if err := rit.Next(ctx); err != nil {
				rit.Release()
				return err
			}
		}
		rit.Release()
		if within > 0 {
			h, err := s.results.Write(ctx, qn.Beg+qi)
			if err != nil {
				return err
			}
			h.Rec().Count += within
			h.Release()
			s.counts.Within += within
		}
		if err := qit.Next(ctx); err != nil {
			return err
		}
	}
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

// Naive counts pairs by exhaustive comparison, writing the same result
// records a tree search would. It exists to check tree answers and for
// tiny inputs.
func Naive(ctx context.Context, param *Param, arrays mlpack.Arrays) error {
	points, _, results := typed(arrays)
	n := points.Len()
	rsq := param.R * param.R
	for i := Index(0); i < n; i++ {
		qh, err := points.Read(ctx, i)
		if err != nil {
			return err
		}
		qp := qh.Rec()
		var within int64
		it, err := points.Iter(ctx, 0)
		if err != nil {
			qh.Release()
			return err
		}
		for j := Index(0); j < n; j++ {
			rp := it.Rec()
			if rp.Row != qp.Row && distSq(qp.Vec, rp.Vec) <= rsq {
				within++
			}
			if err := it.Next(ctx); err != nil {
				it.Release()
				qh.Release()
				return err
			}
		}
		it.Release()
		qh.Release()
		resh, err := results.Write(ctx, i)
		if err != nil {
			return err
		}
		resh.Rec().Count = within
		resh.Release()
	}
	return nil
}
