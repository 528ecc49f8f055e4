// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package allknn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/stats"
)

func matrixText(vecs [][]float64) string {
	var b strings.Builder
	for _, vec := range vecs {
		for d, v := range vec {
			if d > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%g", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// buildFixture loads vecs into fresh memory-backed arrays and, if build
// is set, builds the tree over them.
func buildFixture(t *testing.T, vecs [][]float64, k int, cfg mlpack.Config, build bool) (*Param, mlpack.Arrays) {
	t.Helper()
	ctx := context.Background()
	prob := Problem{}
	param := &Param{K: k}
	cfg.Normalize(1)
	arrays, err := prob.MakeArrays(param, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes, arrays.Results} {
		if err := u.Attach(cachearray.NewMemDevice()); err != nil {
			t.Fatal(err)
		}
	}
	n, dim, err := prob.Load(ctx, param, arrays, strings.NewReader(matrixText(vecs)))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, Index(len(vecs)); got != want {
		t.Fatalf("loaded %d points, want %d", got, want)
	}
	if err := prob.Bootstrap(param, dim, n); err != nil {
		t.Fatal(err)
	}
	if build {
		if err := prob.BuildTree(ctx, param, arrays, cfg.LeafMax); err != nil {
			t.Fatal(err)
		}
	}
	return param, arrays
}

// solveAll runs the full computation over arrays on the given number of
// threads and returns the merged global result.
func solveAll(t *testing.T, param *Param, arrays mlpack.Arrays, threads, grains int) *Counts {
	t.Helper()
	ctx := context.Background()
	prob := Problem{}
	cfg := mlpack.Config{NumThreads: threads, NumGrains: grains}
	cfg.Normalize(1)
	queue, err := mlpack.NewSimpleQueue(ctx, prob.Tree(arrays), cfg.NumGrains)
	if err != nil {
		t.Fatal(err)
	}
	global := prob.NewGlobalResult(param).(*Counts)
	err = mlpack.SolveThreaded(ctx, cfg, mlpack.NewLockedQueue(queue), func() mlpack.Solver {
		return prob.NewSolver(param, arrays)
	}, global, nil)
	if err != nil {
		t.Fatal(err)
	}
	return global
}

// resultsByRow reads every result record and keys it by its point's
// original dataset row, undoing the tree build's permutation.
func resultsByRow(t *testing.T, arrays mlpack.Arrays) map[Index]Result {
	t.Helper()
	ctx := context.Background()
	points, _, results := typed(arrays)
	out := make(map[Index]Result)
	for i := Index(0); i < points.Len(); i++ {
		ph, err := points.Read(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		row := ph.Rec().Row
		ph.Release()
		rh, err := results.Read(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		out[row] = rh.Rec().Clone()
		rh.Release()
	}
	return out
}

// checkNeighbors compares a neighbor list against the wanted one.
// Distances must match rank by rank within tol; neighbor rows must
// match as sets within each run of equal wanted distances, since ties
// may legitimately come out in either order.
func checkNeighbors(t *testing.T, label string, got Result, wantD []float64, wantN []Index, tol float64) {
	t.Helper()
	k := len(wantD)
	if len(got.Dist) != k || len(got.Neigh) != k {
		t.Errorf("%s: got %d distances, %d neighbors, want %d", label, len(got.Dist), len(got.Neigh), k)
		return
	}
	for j := 0; j < k; j++ {
		if math.Abs(got.Dist[j]-wantD[j]) > tol {
			t.Errorf("%s: rank %d: got distance %v, want %v", label, j, got.Dist[j], wantD[j])
		}
	}
	for lo := 0; lo < k; {
		hi := lo + 1
		for hi < k && wantD[hi]-wantD[lo] <= tol {
			hi++
		}
		gotSet := make(map[Index]bool)
		wantSet := make(map[Index]bool)
		for j := lo; j < hi; j++ {
			gotSet[got.Neigh[j]] = true
			wantSet[wantN[j]] = true
		}
		if !reflect.DeepEqual(gotSet, wantSet) {
			t.Errorf("%s: ranks [%d,%d): got neighbors %v, want %v",
				label, lo, hi, got.Neigh[lo:hi], wantN[lo:hi])
		}
		lo = hi
	}
}

// Eleven 1-d points with a full k=10 neighbor table worked out by hand.
// The wanted distances are unsquared separations; tests square them.
var golden = struct {
	vecs  [][]float64
	neigh [][]Index
	dist  [][]float64
}{
	vecs: [][]float64{
		{0.05}, {0.35}, {0.15}, {1.25}, {5.05}, {-0.20},
		{-2.00}, {-1.30}, {0.45}, {0.90}, {1.00},
	},
	neigh: [][]Index{
		{2, 5, 1, 8, 9, 10, 3, 7, 6, 4},
		{8, 2, 0, 9, 5, 10, 3, 7, 6, 4},
		{0, 1, 8, 5, 9, 10, 3, 7, 6, 4},
		{10, 9, 8, 1, 2, 0, 5, 7, 6, 4},
		{3, 10, 9, 8, 1, 2, 0, 5, 7, 6},
		{0, 2, 1, 8, 9, 7, 10, 3, 6, 4},
		{7, 5, 0, 2, 1, 8, 9, 10, 3, 4},
		{6, 5, 0, 2, 1, 8, 9, 10, 3, 4},
		{1, 2, 0, 9, 10, 5, 3, 7, 6, 4},
		{10, 3, 8, 1, 2, 0, 5, 7, 6, 4},
		{9, 3, 8, 1, 2, 0, 5, 7, 6, 4},
	},
	dist: [][]float64{
		{0.10, 0.25, 0.30, 0.40, 0.85, 0.95, 1.20, 1.35, 2.05, 5.00},
		{0.10, 0.20, 0.30, 0.55, 0.55, 0.65, 0.90, 1.65, 2.35, 4.70},
		{0.10, 0.20, 0.30, 0.35, 0.75, 0.85, 1.10, 1.45, 2.15, 4.90},
		{0.25, 0.35, 0.80, 0.90, 1.10, 1.20, 1.45, 2.55, 3.25, 3.80},
		{3.80, 4.05, 4.15, 4.60, 4.70, 4.90, 5.00, 5.25, 6.35, 7.05},
		{0.25, 0.35, 0.55, 0.65, 1.10, 1.10, 1.20, 1.45, 1.80, 5.25},
		{0.70, 1.80, 2.05, 2.15, 2.35, 2.45, 2.90, 3.00, 3.25, 7.05},
		{0.70, 1.10, 1.35, 1.45, 1.65, 1.75, 2.20, 2.30, 2.55, 6.35},
		{0.10, 0.30, 0.40, 0.45, 0.55, 0.65, 0.80, 1.75, 2.45, 4.60},
		{0.10, 0.35, 0.45, 0.55, 0.75, 0.85, 1.10, 2.20, 2.90, 4.15},
		{0.10, 0.25, 0.55, 0.65, 0.85, 0.95, 1.20, 2.30, 3.00, 4.05},
	},
}

func TestGolden(t *testing.T) {
	// Small blocks and leaves so the search crosses plenty of both.
	cfg := mlpack.Config{BlockPoints: 4, BlockNodes: 3, LeafMax: 2}
	param, arrays := buildFixture(t, golden.vecs, 10, cfg, true)
	solveAll(t, param, arrays, 1, 0)
	byRow := resultsByRow(t, arrays)
	for q := range golden.vecs {
		wantD := make([]float64, len(golden.dist[q]))
		for j, d := range golden.dist[q] {
			wantD[j] = d * d
		}
		checkNeighbors(t, fmt.Sprintf("query %d", q), byRow[Index(q)], wantD, golden.neigh[q], 1e-5)
	}
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	cfg := mlpack.Config{BlockPoints: 4, BlockNodes: 3, LeafMax: 2}
	param, arrays := buildFixture(t, golden.vecs, 10, cfg, true)
	solveAll(t, param, arrays, 1, 0)
	var buf bytes.Buffer
	if err := (Problem{}).Report(ctx, param, arrays, &buf); err != nil {
		t.Fatal(err)
	}
	byRow := resultsByRow(t, arrays)
	scan := bufio.NewScanner(&buf)
	var line int
	for scan.Scan() {
		var (
			row, neigh Index
			dist       float64
		)
		if _, err := fmt.Sscan(scan.Text(), &row, &neigh, &dist); err != nil {
			t.Fatalf("line %d: %v", line, err)
		}
		if got, want := row, Index(line/param.K); got != want {
			t.Fatalf("line %d: row %d, want %d", line, got, want)
		}
		res := byRow[row]
		j := line % param.K
		if got, want := neigh, res.Neigh[j]; got != want {
			t.Errorf("line %d: neighbor %d, want %d", line, got, want)
		}
		if got, want := dist, res.Dist[j]; got != want {
			t.Errorf("line %d: distance %v, want %v", line, got, want)
		}
		line++
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	if got, want := line, len(golden.vecs)*param.K; got != want {
		t.Errorf("report has %d lines, want %d", got, want)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	cfg := mlpack.Config{BlockPoints: 4, BlockNodes: 3}
	cfg.Normalize(1)
	prob := Problem{}
	param := &Param{K: 2}
	arrays, err := prob.MakeArrays(param, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes, arrays.Results} {
		if err := u.Attach(cachearray.NewMemDevice()); err != nil {
			t.Fatal(err)
		}
	}
	const text = "# a comment\n1 2 3\n4,5,6\n\n7\t8 9e0\n"
	n, dim, err := prob.Load(ctx, param, arrays, strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, Index(3); got != want {
		t.Fatalf("got %d points, want %d", got, want)
	}
	if got, want := dim, 3; got != want {
		t.Fatalf("got dim %d, want %d", got, want)
	}
	points, _, results := typed(arrays)
	if got, want := results.Len(), n; got != want {
		t.Errorf("results sized %d, want %d", got, want)
	}
	for i := Index(0); i < n; i++ {
		h, err := points.Read(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := h.Rec().Row, i; got != want {
			t.Errorf("point %d: row %d, want %d", i, got, want)
		}
		want := []float64{float64(3*i + 1), float64(3*i + 2), float64(3*i + 3)}
		if got := h.Rec().Vec; !reflect.DeepEqual(got, want) {
			t.Errorf("point %d: vec %v, want %v", i, got, want)
		}
		h.Release()
	}
	// Result records start out unfilled.
	rh, err := results.Read(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rh.Release()
	for j := 0; j < param.K; j++ {
		if got := rh.Rec().Dist[j]; !math.IsInf(got, 1) {
			t.Errorf("default distance %d is %v, want +Inf", j, got)
		}
		if got, want := rh.Rec().Neigh[j], Index(-1); got != want {
			t.Errorf("default neighbor %d is %d, want %d", j, got, want)
		}
	}
}

func TestBootstrap(t *testing.T) {
	prob := Problem{}
	for _, k := range []int{0, -3, 5, 6} {
		err := prob.Bootstrap(&Param{K: k}, 1, 5)
		if err == nil {
			t.Errorf("k=%d: no error", k)
		} else if !errors.Is(errors.Invalid, err) {
			t.Errorf("k=%d: error not invalid: %v", k, err)
		}
	}
	if err := prob.Bootstrap(&Param{K: 4}, 1, 5); err != nil {
		t.Errorf("k=4: %v", err)
	}
}

func TestCounts(t *testing.T) {
	c := &Counts{Pairs: 3, Prunes: 1, Dists: 10}
	c.Accumulate(&Counts{Pairs: 2, Prunes: 4, Dists: 5})
	want := stats.Values{"allknn.pairs": 5, "allknn.prunes": 5, "allknn.dists": 15}
	if got := c.Report(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
