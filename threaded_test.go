// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

import (
	"context"
	"errors"
	"testing"

	"github.com/vovoma/mlpack/stats"
)

type tallyResult struct {
	Sum    int64
	Grains int64
}

func (r *tallyResult) Accumulate(other GlobalResult) {
	o := other.(*tallyResult)
	r.Sum += o.Sum
	r.Grains += o.Grains
}

func (r *tallyResult) Report() stats.Values {
	return stats.Values{"sum": r.Sum, "grains": r.Grains}
}

type tallySolver struct {
	res  tallyResult
	fail Index
}

func (s *tallySolver) Solve(ctx context.Context, qRoot Index) error {
	if s.fail >= 0 && qRoot == s.fail {
		return errors.New("solver exploded")
	}
	s.res.Sum = qRoot * qRoot
	s.res.Grains = 1
	return nil
}

func (s *tallySolver) GlobalResult() GlobalResult { return &s.res }

type sliceQueue struct {
	work []Index
}

func (q *sliceQueue) GetWork(ctx context.Context) ([]Index, error) {
	if len(q.work) == 0 {
		return nil, nil
	}
	ix := q.work[0]
	q.work = q.work[1:]
	return []Index{ix}, nil
}

// TestSolveThreaded checks that the merged result is independent of the
// thread count.
func TestSolveThreaded(t *testing.T) {
	ctx := context.Background()
	const numGrains = 64
	var want tallyResult
	for i := Index(0); i < numGrains; i++ {
		want.Sum += i * i
		want.Grains++
	}
	for _, threads := range []int{1, 2, 8} {
		work := make([]Index, numGrains)
		for i := range work {
			work[i] = Index(i)
		}
		var (
			queue    = &sliceQueue{work: work}
			global   tallyResult
			counters = stats.NewMap()
		)
		cfg := Config{NumThreads: threads}
		cfg.Normalize(1)
		newSolver := func() Solver { return &tallySolver{fail: -1} }
		if err := SolveThreaded(ctx, cfg, queue, newSolver, &global, counters); err != nil {
			t.Fatal(err)
		}
		if got := global; got != want {
			t.Errorf("%d threads: got %+v, want %+v", threads, got, want)
		}
		if got, want := counters.Values()["solve.grains"], int64(numGrains); got != want {
			t.Errorf("%d threads: got %v grains, want %v", threads, got, want)
		}
	}
}

func TestSolveThreadedError(t *testing.T) {
	ctx := context.Background()
	work := make([]Index, 32)
	for i := range work {
		work[i] = Index(i)
	}
	var (
		queue  = &sliceQueue{work: work}
		global tallyResult
	)
	cfg := Config{NumThreads: 4}
	cfg.Normalize(1)
	newSolver := func() Solver { return &tallySolver{fail: 17} }
	err := SolveThreaded(ctx, cfg, queue, newSolver, &global, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got, want := err.Error(), "solver exploded"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
