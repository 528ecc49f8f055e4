// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package twopoint implements the two-point correlation count as an
// mlpack problem: given a radius r, count for every point the number
// of other points within distance r of it. The problem registers
// itself under the name "twopoint".
//
// The count is an autocorrelation over a single dataset, so the global
// tally "twopoint.within" is twice the number of distinct pairs within
// the radius. The dual-tree search prunes node pairs whose bounds are
// entirely farther apart than r, and subsumes node pairs whose bounds
// are entirely within r, counting their pairs without computing any
// distances.
package twopoint

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/kdtree"
	"github.com/vovoma/mlpack/stats"
)

// Index aliases mlpack.Index.
type Index = mlpack.Index

func init() {
	mlpack.RegisterProblem(Problem{})
}

// Param configures a two-point correlation run.
type Param struct {
	// R is the correlation radius. Pairs at distance exactly R count.
	R float64
}

// A Point is one dataset row.
type Point struct {
	// Row is the point's original dataset row; tree building permutes
	// point records, and reports unpermute through it.
	Row Index
	Vec []float64
}

// Clone implements cachearray.Record.
func (p Point) Clone() Point {
	p.Vec = append([]float64(nil), p.Vec...)
	return p
}

// Coords implements kdtree.Point.
func (p *Point) Coords() []float64 { return p.Vec }

// A Node is one kd-tree node over the point records. The count keeps no
// per-node statistic: pruning decisions need only the bounds and point
// counts the builder already maintains, so the statistic hooks are
// no-ops and the tree is never refixed.
type Node struct {
	Bnd      kdtree.Bound
	Beg, Cnt Index
	Kids     [2]Index
	NumKids  int
}

// Clone implements cachearray.Record.
func (n Node) Clone() Node {
	n.Bnd = n.Bnd.Clone()
	return n
}

func (n *Node) Init(_ *Param, dim int) {
	n.Bnd.Reset(dim)
	n.NumKids = 0
}

func (n *Node) Bound() *kdtree.Bound        { return &n.Bnd }
func (n *Node) SetRange(begin, count Index) { n.Beg, n.Cnt = begin, count }
func (n *Node) Begin() Index                { return n.Beg }
func (n *Node) Count() Index                { return n.Cnt }
func (n *Node) SetLeaf()                    { n.NumKids = 0 }
func (n *Node) IsLeaf() bool                { return n.NumKids == 0 }
func (n *Node) NumChildren() int            { return n.NumKids }
func (n *Node) Child(k int) Index           { return n.Kids[k] }
func (n *Node) SetChildren(left, right Index) {
	n.Kids[0], n.Kids[1], n.NumKids = left, right, 2
}

func (n *Node) ResetStat(*Param)                   {}
func (n *Node) AccumulatePoint(_ *Param, _ *Point) {}
func (n *Node) AccumulateChild(_ *Param, _ *Node)  {}
func (n *Node) PostprocessStat(*Param)             {}

// A Result is one point's tally: the number of other points within the
// radius.
type Result struct {
	Count int64
}

// Clone implements cachearray.Record.
func (r Result) Clone() Result { return r }

// Problem implements mlpack.Problem for the two-point correlation
// count.
type Problem struct{}

var _ mlpack.Problem = Problem{}

// Name implements mlpack.Problem.
func (Problem) Name() string { return "twopoint" }

// NewParam implements mlpack.Problem.
func (Problem) NewParam() mlpack.Param { return &Param{} }

// Bootstrap implements mlpack.Problem.
func (Problem) Bootstrap(param mlpack.Param, dim int, n Index) error {
	p := param.(*Param)
	if !(p.R > 0) {
		return errors.E(errors.Invalid, fmt.Sprintf("twopoint: radius %g is not positive", p.R))
	}
	return nil
}

// MakeArrays implements mlpack.Problem.
func (Problem) MakeArrays(param mlpack.Param, cfg *mlpack.Config) (mlpack.Arrays, error) {
	return mlpack.Arrays{
		Points:  cachearray.New(Point{Row: -1}, 0, cfg.BlockPoints),
		Nodes:   cachearray.New(Node{}, 0, cfg.BlockNodes),
		Results: cachearray.New(Result{}, 0, cfg.BlockPoints),
	}, nil
}

func typed(arrays mlpack.Arrays) (*cachearray.Array[Point], *cachearray.Array[Node], *cachearray.Array[Result]) {
	return arrays.Points.(*cachearray.Array[Point]),
		arrays.Nodes.(*cachearray.Array[Node]),
		arrays.Results.(*cachearray.Array[Result])
}

// Load implements mlpack.Problem.
func (Problem) Load(ctx context.Context, param mlpack.Param, arrays mlpack.Arrays, r io.Reader) (Index, int, error) {
	rows, err := mlpack.ReadMatrix(r)
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, errors.E(errors.Invalid, "twopoint: empty dataset")
	}
	points, _, results := typed(arrays)
	for i, vec := range rows {
		ix, h, err := points.Append(ctx)
		if err != nil {
			return 0, 0, err
		}
		if ix != Index(i) {
			h.Release()
			return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("twopoint: point %d loaded at %d", i, ix))
		}
		h.Rec().Row = ix
		h.Rec().Vec = append([]float64(nil), vec...)
		h.Release()
	}
	results.Grow(Index(len(rows)))
	return Index(len(rows)), len(rows[0]), nil
}

// BuildTree implements mlpack.Problem. The nodes carry no statistic, so
// building the structure is all there is to do.
func (Problem) BuildTree(ctx context.Context, param mlpack.Param, arrays mlpack.Arrays, leafMax int) error {
	p := param.(*Param)
	points, nodes, _ := typed(arrays)
	_, err := kdtree.Build[Node, Point, *Param](ctx, p, points, nodes, leafMax)
	return err
}

// Tree implements mlpack.Problem.
func (Problem) Tree(arrays mlpack.Arrays) mlpack.TreeView {
	_, nodes, _ := typed(arrays)
	return treeView{nodes}
}

type treeView struct {
	nodes *cachearray.Array[Node]
}

func (v treeView) Root() Index { return 0 }

func (v treeView) Node(ctx context.Context, ix Index) (mlpack.NodeInfo, error) {
	h, err := v.nodes.Read(ctx, ix)
	if err != nil {
		return mlpack.NodeInfo{}, err
	}
	defer h.Release()
	n := h.Rec()
	info := mlpack.NodeInfo{Index: ix, Count: n.Cnt}
	if !n.IsLeaf() {
		info.Children = []Index{n.Kids[0], n.Kids[1]}
	}
	return info, nil
}

// NewSolver implements mlpack.Problem.
func (Problem) NewSolver(param mlpack.Param, arrays mlpack.Arrays) mlpack.Solver {
	p := param.(*Param)
	points, nodes, results := typed(arrays)
	return &solver{
		rsq:     p.R * p.R,
		points:  points,
		nodes:   nodes,
		results: results,
	}
}

// NewGlobalResult implements mlpack.Problem.
func (Problem) NewGlobalResult(param mlpack.Param) mlpack.GlobalResult {
	return &Counts{}
}

// Counts tallies the work performed by a solve and the pairs it found.
// Counts merge by addition, so grain results combine in any order.
type Counts struct {
	// Pairs is the number of node pairs visited, Prunes the number
	// rejected whole, and Subsumes the number accepted whole. Dists is
	// the number of point distances evaluated.
	Pairs, Prunes, Subsumes, Dists int64
	// Within is the number of ordered point pairs found within the
	// radius: the sum of all per-point counts.
	Within int64
}

// Accumulate implements mlpack.GlobalResult.
func (c *Counts) Accumulate(other mlpack.GlobalResult) {
	o := other.(*Counts)
	c.Pairs += o.Pairs
	c.Prunes += o.Prunes
	c.Subsumes += o.Subsumes
	c.Dists += o.Dists
	c.Within += o.Within
}

// Report implements mlpack.GlobalResult.
func (c *Counts) Report() stats.Values {
	return stats.Values{
		"twopoint.pairs":    c.Pairs,
		"twopoint.prunes":   c.Prunes,
		"twopoint.subsumes": c.Subsumes,
		"twopoint.dists":    c.Dists,
		"twopoint.within":   c.Within,
	}
}

// Report implements mlpack.Problem. It writes one line per point, "row
// count", in dataset row order.
func (Problem) Report(ctx context.Context, param mlpack.Param, arrays mlpack.Arrays, w io.Writer) error {
	points, _, results := typed(arrays)
	n := points.Len()
	if n == 0 {
		return nil
	}
	recOf := make([]Index, n)
	it, err := points.Iter(ctx, 0)
	if err != nil {
		return err
	}
	for i := Index(0); i < n; i++ {
		row := it.Rec().Row
		if row < 0 || row >= n {
			it.Release()
			return errors.E(errors.Invalid, fmt.Sprintf("twopoint: record %d has row %d", i, row))
		}
		recOf[row] = i
		if err := it.Next(ctx); err != nil {
			it.Release()
			return err
		}
	}
	it.Release()
	bw := bufio.NewWriter(w)
	for row := Index(0); row < n; row++ {
		h, err := results.Read(ctx, recOf[row])
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "%d %d\n", row, h.Rec().Count)
		h.Release()
	}
	return bw.Flush()
}
