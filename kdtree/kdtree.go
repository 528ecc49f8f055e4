// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kdtree builds kd-trees over points held in cache arrays and
// maintains per-node statistics for them. Trees are stored as flat node
// records in a cache array: node 0 is the root, children are addressed
// by record index, and each node covers a contiguous range of point
// records, which the builder establishes by partitioning the point array
// in place.
//
// The package does not define node or point types. Callers supply
// concrete record types whose pointer types implement the Node and Point
// constraints; the builder and fixer operate on them generically.
package kdtree

import (
	"github.com/vovoma/mlpack/cachearray"
)

// Index addresses point and node records; it aliases cachearray.Index.
type Index = cachearray.Index

// Point constrains the point records a tree can be built over. Coords
// returns the point's coordinate vector, which must not be modified.
type Point[P any] interface {
	*P
	Coords() []float64
}

// Node constrains tree node records. The structural methods are used by
// the builder and by tree traversals; the statistic hooks are driven by
// FixStats, bottom-up, to maintain whatever summary the problem keeps
// per node. Param carries the problem's configuration into the hooks.
type Node[N, P, Param any] interface {
	*N

	// Init prepares a fresh node record of the given dimensionality.
	Init(param Param, dim int)
	// Bound returns the node's bounding box for the builder to grow.
	Bound() *Bound
	// SetRange records the node's contiguous point range.
	SetRange(begin, count Index)
	Begin() Index
	Count() Index
	// SetChildren makes the node internal with the given child node
	// records; SetLeaf makes it a leaf.
	SetChildren(left, right Index)
	SetLeaf()
	IsLeaf() bool
	NumChildren() int
	Child(k int) Index

	// ResetStat returns the node's statistic to its identity value.
	ResetStat(param Param)
	// AccumulatePoint folds one contained point into the statistic.
	AccumulatePoint(param Param, p *P)
	// AccumulateChild folds a child node's statistic into this node's.
	AccumulateChild(param Param, child *N)
	// PostprocessStat finalizes the statistic after accumulation. It is
	// called exactly once per recomputation.
	PostprocessStat(param Param)
}
