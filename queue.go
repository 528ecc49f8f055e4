// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

import (
	"container/heap"
	"context"
	"sync"
)

// A WorkQueue hands out work grains, each identified by the record
// index of a query subtree root. GetWork returns an empty slice once
// the queue is exhausted; exhaustion is permanent, and each grain is
// delivered to at most one caller.
type WorkQueue interface {
	GetWork(ctx context.Context) ([]Index, error)
}

// A SimpleQueue divides a tree into work grains ahead of time and hands
// them out largest first, so stragglers get the small grains. It is not
// safe for concurrent use; see LockedQueue.
type SimpleQueue struct {
	frontier grainQ
	grains   int
}

// NewSimpleQueue divides the tree into about target grains: descending
// from the root, a subtree becomes a grain once its point count is at
// most ceil(n/target), or it is a leaf. Subtree roots are then served
// in decreasing order of point count.
func NewSimpleQueue(ctx context.Context, tree TreeView, target int) (*SimpleQueue, error) {
	if target < 1 {
		target = 1
	}
	root, err := tree.Node(ctx, tree.Root())
	if err != nil {
		return nil, err
	}
	maxCount := (root.Count + Index(target) - 1) / Index(target)
	if maxCount < 1 {
		maxCount = 1
	}
	var (
		q       = &SimpleQueue{}
		pending = []NodeInfo{root}
	)
	for len(pending) > 0 {
		info := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if info.Count > maxCount && len(info.Children) > 0 {
			for _, child := range info.Children {
				ci, err := tree.Node(ctx, child)
				if err != nil {
					return nil, err
				}
				pending = append(pending, ci)
			}
			continue
		}
		q.frontier = append(q.frontier, info)
	}
	heap.Init(&q.frontier)
	q.grains = len(q.frontier)
	return q, nil
}

// NumGrains returns the number of grains the tree was divided into.
func (q *SimpleQueue) NumGrains() int { return q.grains }

// GetWork implements WorkQueue, returning the largest remaining grain.
func (q *SimpleQueue) GetWork(ctx context.Context) ([]Index, error) {
	if q.frontier.Len() == 0 {
		return nil, nil
	}
	info := heap.Pop(&q.frontier).(NodeInfo)
	return []Index{info.Index}, nil
}

type grainQ []NodeInfo

func (q grainQ) Len() int           { return len(q) }
func (q grainQ) Less(i, j int) bool { return q[i].Count > q[j].Count }
func (q grainQ) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *grainQ) Push(x interface{}) {
	*q = append(*q, x.(NodeInfo))
}

func (q *grainQ) Pop() interface{} {
	old := *q
	n := len(old)
	info := old[n-1]
	*q = old[:n-1]
	return info
}

// A LockedQueue serializes access to a work queue so several threads,
// or RPC handlers serving several ranks, can share it.
type LockedQueue struct {
	mu sync.Mutex
	q  WorkQueue
}

// NewLockedQueue returns a LockedQueue wrapping q.
func NewLockedQueue(q WorkQueue) *LockedQueue {
	return &LockedQueue{q: q}
}

// GetWork implements WorkQueue.
func (l *LockedQueue) GetWork(ctx context.Context) ([]Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.GetWork(ctx)
}
