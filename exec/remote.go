// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
)

var (
	_ cachearray.Device    = (*remoteDevice)(nil)
	_ cachearray.RangeSink = (*remoteSink)(nil)
	_ mlpack.WorkQueue     = (*remoteQueue)(nil)
)

// A remoteDevice serves an array's block reads from the master's copy.
// Reads are idempotent, so they retry through machine failures.
type remoteDevice struct {
	machine *bigmachine.Machine
	channel int
}

func (d *remoteDevice) Read(ctx context.Context, b int64) ([]byte, error) {
	var data []byte
	err := d.machine.RetryCall(ctx, "Rank.ReadBlock", blockRequest{Channel: d.channel, Block: b}, &data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *remoteDevice) Write(ctx context.Context, b int64, data []byte) error {
	// Mirrors flush through their range sink; whole-block writes would
	// clobber records owned by other ranks.
	return errors.E(errors.Invalid, fmt.Sprintf("exec: block write to remote channel %d", d.channel))
}

// A remoteSink pushes flushed result ranges to the master, which
// patches them into its device.
type remoteSink struct {
	machine *bigmachine.Machine
	channel int
}

func (s *remoteSink) WriteRange(ctx context.Context, first cachearray.Index, data []byte) error {
	return s.machine.RetryCall(ctx, "Rank.WriteRange",
		rangeRequest{Channel: s.channel, First: first, Data: data}, nil)
}

// A remoteQueue pulls work grains from the master's queue.
type remoteQueue struct {
	machine *bigmachine.Machine
	rank    int
}

func (q *remoteQueue) GetWork(ctx context.Context) ([]mlpack.Index, error) {
	var work []mlpack.Index
	// Plain call: the queue hands out each grain at most once, and a
	// retry could claim a grain whose first reply was lost.
	err := q.machine.Call(ctx, "Rank.GetWork", workRequest{Channel: channelQueue, Rank: q.rank}, &work)
	if err != nil {
		return nil, err
	}
	return work, nil
}
