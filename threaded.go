// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vovoma/mlpack/stats"
)

// SolveThreaded pulls grains from the queue on exactly cfg.NumThreads
// goroutines until the queue empties. Each grain is computed by a fresh
// solver from newSolver; finished grains' global results are folded
// into global. One lock serializes both queue access and result
// accumulation, so the queue itself need not be safe for concurrent
// use. A solver error cancels the remaining threads and is returned.
//
// Counters, if non-nil, receives engine tallies: "solve.grains", the
// number of grains solved, and "solve.threads".
func SolveThreaded(ctx context.Context, cfg Config, queue WorkQueue, newSolver func() Solver, global GlobalResult, counters *stats.Map) error {
	if counters == nil {
		counters = stats.NewMap()
	}
	var (
		mu     sync.Mutex
		grains = counters.Int("solve.grains")
	)
	counters.Int("solve.threads").Set(int64(cfg.NumThreads))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.NumThreads; i++ {
		g.Go(func() error {
			for {
				mu.Lock()
				work, err := queue.GetWork(ctx)
				mu.Unlock()
				if err != nil {
					return err
				}
				if len(work) == 0 {
					return nil
				}
				for _, qRoot := range work {
					solver := newSolver()
					if err := solver.Solve(ctx, qRoot); err != nil {
						return err
					}
					mu.Lock()
					global.Accumulate(solver.GlobalResult())
					mu.Unlock()
					grains.Add(1)
				}
			}
		})
	}
	return g.Wait()
}
