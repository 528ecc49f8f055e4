// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mlpack implements a dual-tree engine for generalized N-body
// problems: computations, like nearest neighbors, that compare points
// against points and are accelerated by comparing tree nodes against
// tree nodes. Points, tree nodes, and per-point results live in paged
// cache arrays (package cachearray), so the same solver code runs over
// in-memory data, spilled data, and remote mirrors of another process's
// arrays.
//
// A computation is described by a Problem, which bundles the concrete
// record types, the tree statistic, and the solver for one kind of
// query. The engine divides the query tree into work grains, solves
// grains on a pool of threads (SolveThreaded), and merges per-grain
// global results. Package exec extends the same structure across ranks:
// a master rank owns the arrays and the work queue, and worker ranks
// mirror the arrays remotely and pull grains until the queue empties.
//
// Problems register themselves by name (RegisterProblem), as driver and
// worker processes must run the same binary.
package mlpack

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/stats"
)

// Index addresses records in cache arrays; it aliases cachearray.Index.
type Index = cachearray.Index

// A Param carries a problem's configuration: whatever the problem needs
// beyond the engine's own Config. The concrete type must be a pointer
// to a gob-encodable struct; the engine broadcasts it from the master
// rank to workers. Params are immutable after Bootstrap.
type Param any

// Arrays is the set of cache arrays a problem computes over: the point
// records, the tree node records, and the per-point result records. The
// engine drives them through the untyped facade; problems recover their
// typed forms by type assertion.
type Arrays struct {
	Points  cachearray.Untyped
	Nodes   cachearray.Untyped
	Results cachearray.Untyped
}

// NodeInfo is a structural summary of one tree node, as exposed to work
// division.
type NodeInfo struct {
	// Index is the node's record index.
	Index Index
	// Count is the number of points in the node's subtree.
	Count Index
	// Children holds the node's child record indices; it is empty for
	// leaves.
	Children []Index
}

// A TreeView exposes tree structure without node record types.
type TreeView interface {
	// Root returns the root node's record index.
	Root() Index
	// Node returns the structural summary of node ix.
	Node(ctx context.Context, ix Index) (NodeInfo, error)
}

// A GlobalResult aggregates whole-run outputs that are not per-point,
// such as tallies of work performed. Implementations must make
// Accumulate associative and commutative so grains merge in any order.
type GlobalResult interface {
	// Accumulate folds another result of the same concrete type into
	// this one.
	Accumulate(other GlobalResult)
	// Report returns the result as named values.
	Report() stats.Values
}

// A Solver computes one work grain: the full computation for the
// queries under one query subtree root. A fresh solver is used for each
// grain; solvers are never shared between goroutines.
type Solver interface {
	Solve(ctx context.Context, qRoot Index) error
	// GlobalResult returns the solver's aggregate output after Solve.
	GlobalResult() GlobalResult
}

// A Problem bundles everything the engine needs to run one kind of
// dual-tree computation without knowing its record types.
type Problem interface {
	// Name identifies the problem in the registry and on the wire.
	Name() string

	// NewParam returns a zero param for the engine to decode a
	// broadcast param into.
	NewParam() Param

	// Bootstrap finalizes and validates param against the dataset
	// shape. It runs on the master after Load and before the param is
	// broadcast.
	Bootstrap(param Param, dim int, n Index) error

	// MakeArrays allocates the problem's arrays with the block sizes
	// given in cfg. On workers the arrays are subsequently bound to the
	// master's via their layouts.
	MakeArrays(param Param, cfg *Config) (Arrays, error)

	// Load fills the point array from r, one point per row, and sizes
	// the result array to match. It returns the number of points and
	// their dimensionality.
	Load(ctx context.Context, param Param, arrays Arrays, r io.Reader) (n Index, dim int, err error)

	// BuildTree builds the problem's tree over the loaded points and
	// computes node statistics. Point records are permuted in place.
	BuildTree(ctx context.Context, param Param, arrays Arrays, leafMax int) error

	// Tree returns a structural view of the built tree.
	Tree(arrays Arrays) TreeView

	// NewSolver returns a fresh solver for one grain.
	NewSolver(param Param, arrays Arrays) Solver

	// NewGlobalResult returns an empty global result to merge grain
	// results into.
	NewGlobalResult(param Param) GlobalResult

	// Report writes the computation's final output to w, reading the
	// result array. It runs on the master after all ranks have flushed
	// their results.
	Report(ctx context.Context, param Param, arrays Arrays, w io.Writer) error
}

var (
	problemsMu sync.Mutex
	problems   = make(map[string]Problem)
)

// RegisterProblem registers a problem under its name. Driver and worker
// processes must run the same binary, so registration normally happens
// in package init functions linked into both. RegisterProblem panics if
// the name is already taken.
func RegisterProblem(p Problem) {
	name := p.Name()
	problemsMu.Lock()
	defer problemsMu.Unlock()
	if _, ok := problems[name]; ok {
		panic(fmt.Sprintf("mlpack.RegisterProblem: problem %q already registered", name))
	}
	problems[name] = p
}

// LookupProblem returns the problem registered under name.
func LookupProblem(name string) (Problem, error) {
	problemsMu.Lock()
	defer problemsMu.Unlock()
	p, ok := problems[name]
	if !ok {
		return nil, fmt.Errorf("mlpack.LookupProblem: no problem registered under %q", name)
	}
	return p, nil
}

// Problems returns the names of all registered problems, sorted.
func Problems() []string {
	problemsMu.Lock()
	defer problemsMu.Unlock()
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
