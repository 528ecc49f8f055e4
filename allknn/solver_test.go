// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package allknn

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/vovoma/mlpack"
)

func randVecs(n, dim int, seed int64) [][]float64 {
	r := rand.New(rand.NewSource(seed))
	vecs := make([][]float64, n)
	for i := range vecs {
		vecs[i] = make([]float64, dim)
		for d := range vecs[i] {
			vecs[i][d] = r.Float64()*20 - 10
		}
	}
	return vecs
}

// naiveByRow loads vecs without building a tree, so records stay in row
// order, and solves exhaustively.
func naiveByRow(t *testing.T, vecs [][]float64, k int, cfg mlpack.Config) map[Index]Result {
	t.Helper()
	param, arrays := buildFixture(t, vecs, k, cfg, false)
	if err := Naive(context.Background(), param, arrays); err != nil {
		t.Fatal(err)
	}
	return resultsByRow(t, arrays)
}

func TestDualMatchesNaive(t *testing.T) {
	const (
		n   = 240
		dim = 3
		k   = 7
	)
	vecs := randVecs(n, dim, 42)
	cfg := mlpack.Config{BlockPoints: 32, BlockNodes: 8, LeafMax: 8}
	param, arrays := buildFixture(t, vecs, k, cfg, true)
	counts := solveAll(t, param, arrays, 2, 12)
	if counts.Dists == 0 || counts.Pairs == 0 {
		t.Errorf("no work counted: %+v", counts)
	}
	if counts.Prunes == 0 {
		t.Errorf("no pruning on %d clustered points", n)
	}
	got := resultsByRow(t, arrays)
	want := naiveByRow(t, vecs, k, cfg)
	if len(got) != n {
		t.Fatalf("got %d result rows, want %d", len(got), n)
	}
	for row := Index(0); row < n; row++ {
		w := want[row]
		checkNeighbors(t, fmt.Sprintf("row %d", row), got[row], w.Dist, w.Neigh, 1e-12)
	}
}

// TestOrderIndependence solves the same dataset with different thread
// counts over a fixed grain division. Results and work tallies must not
// depend on which thread ran which grain.
func TestOrderIndependence(t *testing.T) {
	const (
		n      = 300
		dim    = 2
		k      = 5
		grains = 6
	)
	vecs := randVecs(n, dim, 7)
	cfg := mlpack.Config{BlockPoints: 32, BlockNodes: 8, LeafMax: 8}
	type run struct {
		byRow  map[Index]Result
		counts Counts
	}
	var runs []run
	for _, threads := range []int{1, 2, 8} {
		param, arrays := buildFixture(t, vecs, k, cfg, true)
		counts := solveAll(t, param, arrays, threads, grains)
		runs = append(runs, run{resultsByRow(t, arrays), *counts})
	}
	for i := 1; i < len(runs); i++ {
		if !reflect.DeepEqual(runs[i].byRow, runs[0].byRow) {
			t.Errorf("run %d: results differ from single-threaded run", i)
		}
		if got, want := runs[i].counts, runs[0].counts; got != want {
			t.Errorf("run %d: counts %+v, want %+v", i, got, want)
		}
	}
}

// TestAllPairs sets k = n-1, so every point's neighbor list is all
// other points by increasing distance.
func TestAllPairs(t *testing.T) {
	const n = 40
	vecs := randVecs(n, 1, 3)
	cfg := mlpack.Config{BlockPoints: 8, BlockNodes: 4, LeafMax: 4}
	param, arrays := buildFixture(t, vecs, n-1, cfg, true)
	solveAll(t, param, arrays, 2, 4)
	byRow := resultsByRow(t, arrays)
	for row := Index(0); row < n; row++ {
		res := byRow[row]
		if !sort.Float64sAreSorted(res.Dist) {
			t.Errorf("row %d: distances not ascending: %v", row, res.Dist)
		}
		seen := map[Index]bool{row: true}
		for _, neigh := range res.Neigh {
			if seen[neigh] {
				t.Errorf("row %d: neighbor %d repeated or self", row, neigh)
			}
			seen[neigh] = true
		}
		if got, want := len(seen), n; got != want {
			t.Errorf("row %d: covers %d rows, want %d", row, got, want)
		}
	}
}
