// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package allknn implements monochromatic all-k-nearest-neighbors as an
// mlpack problem: for every point in a dataset, find its k nearest
// other points under squared Euclidean distance. The problem registers
// itself under the name "allknn".
//
// Each result record holds a point's k neighbor rows and squared
// distances in ascending order. Points carry their original dataset row
// so that reports are emitted in input order even though tree building
// permutes the point records.
package allknn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"

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

// Param configures an all-k-nearest-neighbors run.
type Param struct {
	// K is the number of neighbors to find per point. A point is never
	// its own neighbor.
	K int
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

// A Node is one kd-tree node over the point records.
type Node struct {
	Bnd      kdtree.Bound
	Beg, Cnt Index
	Kids     [2]Index
	NumKids  int
	// B is the node's neighbor bound: an upper bound on the k-th
	// neighbor distance of every point in the subtree. It is +Inf until
	// a search tightens it, and -Inf for empty nodes, which prune
	// against everything.
	B float64
}

// Clone implements cachearray.Record.
func (n Node) Clone() Node {
	n.Bnd = n.Bnd.Clone()
	return n
}

func (n *Node) Init(_ *Param, dim int) {
	n.Bnd.Reset(dim)
	n.NumKids = 0
	n.B = math.Inf(1)
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

func (n *Node) ResetStat(*Param) { n.B = math.Inf(-1) }

func (n *Node) AccumulatePoint(_ *Param, _ *Point) {
	// A fresh point's k-th neighbor bound is unbounded.
	n.B = math.Inf(1)
}

func (n *Node) AccumulateChild(_ *Param, child *Node) {
	if child.B > n.B {
		n.B = child.B
	}
}

func (n *Node) PostprocessStat(*Param) {}

// A Result is one point's neighbor list: k squared distances in
// ascending order and the matching dataset rows. Unfilled entries are
// +Inf and -1.
type Result struct {
	Dist  []float64
	Neigh []Index
}

// Clone implements cachearray.Record.
func (r Result) Clone() Result {
	r.Dist = append([]float64(nil), r.Dist...)
	r.Neigh = append([]Index(nil), r.Neigh...)
	return r
}

// insert offers a neighbor; it is kept if it beats the current k-th
// distance. Equal distances keep earlier arrivals first.
func (r *Result) insert(d float64, row Index) {
	i := len(r.Dist) - 1
	if d >= r.Dist[i] {
		return
	}
	for i > 0 && r.Dist[i-1] > d {
		r.Dist[i] = r.Dist[i-1]
		r.Neigh[i] = r.Neigh[i-1]
		i--
	}
	r.Dist[i] = d
	r.Neigh[i] = row
}

// Problem implements mlpack.Problem for all-k-nearest-neighbors.
type Problem struct{}

var _ mlpack.Problem = Problem{}

// Name implements mlpack.Problem.
func (Problem) Name() string { return "allknn" }

// NewParam implements mlpack.Problem.
func (Problem) NewParam() mlpack.Param { return &Param{} }

// Bootstrap implements mlpack.Problem.
func (Problem) Bootstrap(param mlpack.Param, dim int, n Index) error {
	p := param.(*Param)
	if p.K < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("allknn: k %d < 1", p.K))
	}
	if Index(p.K) >= n {
		return errors.E(errors.Invalid,
			fmt.Sprintf("allknn: k %d needs at least %d points, have %d", p.K, p.K+1, n))
	}
	return nil
}

// MakeArrays implements mlpack.Problem.
func (Problem) MakeArrays(param mlpack.Param, cfg *mlpack.Config) (mlpack.Arrays, error) {
	p := param.(*Param)
	if p.K < 1 {
		return mlpack.Arrays{}, errors.E(errors.Invalid, fmt.Sprintf("allknn: k %d < 1", p.K))
	}
	def := Result{
		Dist:  make([]float64, p.K),
		Neigh: make([]Index, p.K),
	}
	for i := 0; i < p.K; i++ {
		def.Dist[i] = math.Inf(1)
		def.Neigh[i] = -1
	}
	return mlpack.Arrays{
		Points:  cachearray.New(Point{Row: -1}, 0, cfg.BlockPoints),
		Nodes:   cachearray.New(Node{}, 0, cfg.BlockNodes),
		Results: cachearray.New(def, 0, cfg.BlockPoints),
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
		return 0, 0, errors.E(errors.Invalid, "allknn: empty dataset")
	}
	points, _, results := typed(arrays)
	for i, vec := range rows {
		ix, h, err := points.Append(ctx)
		if err != nil {
			return 0, 0, err
		}
		if ix != Index(i) {
			h.Release()
			return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("allknn: point %d loaded at %d", i, ix))
		}
		h.Rec().Row = ix
		h.Rec().Vec = append([]float64(nil), vec...)
		h.Release()
	}
	results.Grow(Index(len(rows)))
	return Index(len(rows)), len(rows[0]), nil
}

// BuildTree implements mlpack.Problem.
func (Problem) BuildTree(ctx context.Context, param mlpack.Param, arrays mlpack.Arrays, leafMax int) error {
	p := param.(*Param)
	points, nodes, _ := typed(arrays)
	root, err := kdtree.Build[Node, Point, *Param](ctx, p, points, nodes, leafMax)
	if err != nil {
		return err
	}
	return kdtree.FixStats[Node, Point, *Param](ctx, p, points, nodes, root)
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
	points, nodes, results := typed(arrays)
	return &solver{
		param:   param.(*Param),
		points:  points,
		nodes:   nodes,
		results: results,
		bounds:  make(map[Index]float64),
	}
}

// NewGlobalResult implements mlpack.Problem.
func (Problem) NewGlobalResult(param mlpack.Param) mlpack.GlobalResult {
	return &Counts{}
}

// Counts tallies the work performed by a solve: node pairs visited,
// pairs pruned, and point distances evaluated. Counts merge by
// addition, so grain results combine in any order.
type Counts struct {
	Pairs, Prunes, Dists int64
}

// Accumulate implements mlpack.GlobalResult.
func (c *Counts) Accumulate(other mlpack.GlobalResult) {
	o := other.(*Counts)
	c.Pairs += o.Pairs
	c.Prunes += o.Prunes
	c.Dists += o.Dists
}

// Report implements mlpack.GlobalResult.
func (c *Counts) Report() stats.Values {
	return stats.Values{
		"allknn.pairs":  c.Pairs,
		"allknn.prunes": c.Prunes,
		"allknn.dists":  c.Dists,
	}
}

// Report implements mlpack.Problem. It writes one line per neighbor,
// "row neighborRow distSq", k lines per point in dataset row order.
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
			return errors.E(errors.Invalid, fmt.Sprintf("allknn: record %d has row %d", i, row))
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
		res := h.Rec()
		for j := range res.Dist {
			fmt.Fprintf(bw, "%d %d %g\n", row, res.Neigh[j], res.Dist[j])
		}
		h.Release()
	}
	return bw.Flush()
}
