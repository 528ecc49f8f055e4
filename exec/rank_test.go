// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func newTestRank(t *testing.T, rank, ranks int) *rankService {
	t.Helper()
	r := new(rankService)
	if err := r.Init(nil); err != nil {
		t.Fatal(err)
	}
	r.configured = true
	r.rank = rank
	r.ranks = ranks
	return r
}

func TestBarrier(t *testing.T) {
	const ranks = 3
	r := newTestRank(t, 0, ranks)
	ctx := context.Background()
	for phase := 0; phase < numBarriers; phase++ {
		var g errgroup.Group
		for i := 0; i < ranks; i++ {
			i := i
			g.Go(func() error {
				return r.Barrier(ctx, barrierRequest{Channel: channelBarrier + phase, Rank: i}, nil)
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("phase %d: %v", phase, err)
		}
	}
	// One arrival per rank per phase; any more is a protocol error.
	if err := r.Barrier(ctx, barrierRequest{Channel: channelBarrier, Rank: 0}, nil); err == nil {
		t.Error("expected error for extra arrival")
	}
}

func TestBarrierCancel(t *testing.T) {
	r := newTestRank(t, 0, 2)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- r.Barrier(ctx, barrierRequest{Channel: channelBarrier, Rank: 0}, nil)
	}()
	select {
	case err := <-errc:
		t.Fatalf("barrier returned before all ranks arrived: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	cancel()
	if err := <-errc; err == nil {
		t.Error("expected error after cancellation")
	}
}

func TestBarrierBadChannel(t *testing.T) {
	r := newTestRank(t, 0, 1)
	if err := r.Barrier(context.Background(), barrierRequest{Channel: channelPoints}, nil); err == nil {
		t.Error("expected error for non-barrier channel")
	}
}
