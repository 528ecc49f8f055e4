// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

import (
	"context"
	"math/rand"
	"sync"
	"testing"
)

// fakeTree is an in-memory TreeView for exercising work division
// without cache arrays.
type fakeTree struct {
	root  Index
	nodes map[Index]NodeInfo
}

func (t *fakeTree) Root() Index { return t.root }

func (t *fakeTree) Node(ctx context.Context, ix Index) (NodeInfo, error) {
	return t.nodes[ix], nil
}

// randTree builds a random binary tree holding count points, returning
// it along with its leaf node indices.
func randTree(r *rand.Rand, count Index) (*fakeTree, []Index) {
	t := &fakeTree{nodes: make(map[Index]NodeInfo)}
	var leaves []Index
	var build func(count Index) Index
	next := Index(0)
	build = func(count Index) Index {
		ix := next
		next++
		if count <= 4 || r.Intn(8) == 0 {
			t.nodes[ix] = NodeInfo{Index: ix, Count: count}
			leaves = append(leaves, ix)
			return ix
		}
		lcount := 1 + Index(r.Int63n(int64(count-1)))
		left := build(lcount)
		right := build(count - lcount)
		t.nodes[ix] = NodeInfo{Index: ix, Count: count, Children: []Index{left, right}}
		return ix
	}
	t.root = build(count)
	return t, leaves
}

// leavesUnder expands a subtree root to its leaf indices.
func leavesUnder(t *fakeTree, ix Index) []Index {
	info := t.nodes[ix]
	if len(info.Children) == 0 {
		return []Index{ix}
	}
	var out []Index
	for _, child := range info.Children {
		out = append(out, leavesUnder(t, child)...)
	}
	return out
}

// TestSimpleQueuePartition checks that the grains' subtrees cover the
// whole tree: every leaf below exactly one grain root.
func TestSimpleQueuePartition(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))
	for _, target := range []int{1, 2, 3, 7, 24, 1000} {
		tree, leaves := randTree(r, 1000)
		q, err := NewSimpleQueue(ctx, tree, target)
		if err != nil {
			t.Fatal(err)
		}
		seen := make(map[Index]int)
		var total Index
		for {
			work, err := q.GetWork(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(work) == 0 {
				break
			}
			for _, root := range work {
				total += tree.nodes[root].Count
				for _, leaf := range leavesUnder(tree, root) {
					seen[leaf]++
				}
			}
		}
		if got, want := total, Index(1000); got != want {
			t.Errorf("target %d: grains cover %v points, want %v", target, got, want)
		}
		for _, leaf := range leaves {
			if seen[leaf] != 1 {
				t.Errorf("target %d: leaf %d covered %d times", target, leaf, seen[leaf])
			}
		}
		// Exhaustion is permanent.
		for i := 0; i < 3; i++ {
			work, err := q.GetWork(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(work) != 0 {
				t.Error("drained queue handed out more work")
			}
		}
	}
}

func TestSimpleQueueLargestFirst(t *testing.T) {
	ctx := context.Background()
	tree, _ := randTree(rand.New(rand.NewSource(7)), 5000)
	q, err := NewSimpleQueue(ctx, tree, 16)
	if err != nil {
		t.Fatal(err)
	}
	if q.NumGrains() < 16 {
		t.Errorf("got %v grains, want at least 16", q.NumGrains())
	}
	prev := Index(1 << 62)
	for {
		work, err := q.GetWork(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(work) == 0 {
			break
		}
		count := tree.nodes[work[0]].Count
		if count > prev {
			t.Fatalf("grain of %d points served after one of %d", count, prev)
		}
		prev = count
	}
}

func TestSimpleQueueSingleGrain(t *testing.T) {
	ctx := context.Background()
	tree, _ := randTree(rand.New(rand.NewSource(3)), 100)
	q, err := NewSimpleQueue(ctx, tree, 1)
	if err != nil {
		t.Fatal(err)
	}
	work, err := q.GetWork(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(work) != 1 || work[0] != tree.root {
		t.Errorf("got %v, want the root alone", work)
	}
}

// TestLockedQueueAtMostOnce drains a shared queue from many goroutines
// and checks that no grain is delivered twice.
func TestLockedQueueAtMostOnce(t *testing.T) {
	ctx := context.Background()
	tree, _ := randTree(rand.New(rand.NewSource(11)), 4096)
	sq, err := NewSimpleQueue(ctx, tree, 64)
	if err != nil {
		t.Fatal(err)
	}
	want := sq.NumGrains()
	q := NewLockedQueue(sq)
	var (
		mu  sync.Mutex
		got []Index
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				work, err := q.GetWork(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if len(work) == 0 {
					return
				}
				mu.Lock()
				got = append(got, work...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(got) != want {
		t.Fatalf("got %v grains, want %v", len(got), want)
	}
	seen := make(map[Index]bool)
	for _, ix := range got {
		if seen[ix] {
			t.Errorf("grain %d delivered twice", ix)
		}
		seen[ix] = true
	}
}
