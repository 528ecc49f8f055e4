// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/ctxsync"
	"github.com/vovoma/mlpack/stats"
)

// Wire channels identify what a request addresses: one of the four run
// barriers, one of the three cache arrays, or a piece of the run's
// control state. Every request carries its channel and the master
// validates it, so a driver/worker version mismatch fails loudly
// instead of silently crossing streams.
const (
	channelBarrier = 100 // +phase
	channelPoints  = 110
	channelNodes   = 111
	channelResults = 112
	channelParam   = 120
	channelConfig  = 121
	channelQueue   = 122

	numBarriers = 4
)

func init() {
	gob.Register(&rankService{})
}

type configureRequest struct {
	Rank, Ranks int
	MasterAddr  string
	Problem     string

	// Run inputs, set only when configuring the master; workers fetch
	// them from the master over the param and config channels.
	Param    []byte
	Config   mlpack.Config
	DataPath string
	Spill    string
}

type controlRequest struct {
	Channel int
}

type layoutRequest struct {
	Channel int
}

type blockRequest struct {
	Channel int
	Block   int64
}

type rangeRequest struct {
	Channel int
	First   mlpack.Index
	Data    []byte
}

type workRequest struct {
	Channel int
	Rank    int
}

type barrierRequest struct {
	Channel int
	Rank    int
}

// A rankService is the bigmachine service that runs one rank of a
// computation. Rank 0 is the master: it owns the arrays and the work
// queue, serves blocks to the other ranks, merges their flushed result
// ranges, and renders the report. Every rank, the master included,
// pulls and solves grains.
//
// A run moves through fixed phases separated by barriers: the master
// loads data and builds the tree while workers bind remote mirrors
// (barrier 0); data arrays are flushed read-only (barrier 1); all ranks
// solve (barrier 2); all ranks flush results to the master (barrier 3);
// the master reports.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu   sync.Mutex
	cond *ctxsync.Cond

	// Rank identity and run inputs, set by Configure.
	configured bool
	rank       int
	ranks      int
	masterAddr string
	problem    mlpack.Problem
	paramGob   []byte
	cfg        mlpack.Config
	dataPath   string
	spill      string

	// Master state, published once the arrays and queue exist.
	ready   bool
	arrays  mlpack.Arrays
	queue   *mlpack.LockedQueue
	arrived [numBarriers]int
	report  []byte
}

func (r *rankService) Init(b *bigmachine.B) error {
	r.b = b
	r.cond = ctxsync.NewCond(&r.mu)
	return nil
}

// Configure establishes the rank's identity and run inputs. It is
// idempotent so that it may be retried.
func (r *rankService) Configure(ctx context.Context, req configureRequest, _ *struct{}) error {
	prob, err := mlpack.LookupProblem(req.Problem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configured {
		if req.Rank == r.rank {
			return nil
		}
		return errors.E(errors.Invalid, fmt.Sprintf("exec: rank %d reconfigured as rank %d", r.rank, req.Rank))
	}
	if req.Rank == 0 && len(req.Param) == 0 {
		return errors.E(errors.Invalid, "exec: master configured without a param")
	}
	r.configured = true
	r.rank = req.Rank
	r.ranks = req.Ranks
	r.masterAddr = req.MasterAddr
	r.problem = prob
	r.paramGob = req.Param
	r.cfg = req.Config
	r.dataPath = req.DataPath
	r.spill = req.Spill
	r.cond.Broadcast()
	return nil
}

// Control serves the run's broadcast state: the problem param and the
// engine config, gob-encoded.
func (r *rankService) Control(ctx context.Context, req controlRequest, data *[]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cond.WaitFor(ctx, func() bool { return r.configured }); err != nil {
		return err
	}
	switch req.Channel {
	case channelParam:
		*data = r.paramGob
		return nil
	case channelConfig:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(r.cfg); err != nil {
			return err
		}
		*data = buf.Bytes()
		return nil
	}
	return errors.E(errors.Invalid, fmt.Sprintf("exec: bad control channel %d", req.Channel))
}

func (r *rankService) decodeParam(data []byte) (mlpack.Param, error) {
	param := r.problem.NewParam()
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(param); err != nil {
		return nil, err
	}
	return param, nil
}

// Run drives the rank through all phases of one computation and
// returns the rank's merged tallies. It must be called exactly once,
// after Configure, and must not be retried.
func (r *rankService) Run(ctx context.Context, _ struct{}, values *stats.Values) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("rank panic! %v", e)
			err = errors.E(errors.Fatal, err)
		}
	}()
	r.mu.Lock()
	if !r.configured {
		r.mu.Unlock()
		return errors.E(errors.Invalid, "exec: Run before Configure")
	}
	rank := r.rank
	r.mu.Unlock()
	if rank == 0 {
		return r.runMaster(ctx, values)
	}
	return r.runWorker(ctx, values)
}

func (r *rankService) runMaster(ctx context.Context, values *stats.Values) error {
	var (
		prob = r.problem
		cfg  = r.cfg
	)
	param, err := r.decodeParam(r.paramGob)
	if err != nil {
		return err
	}
	arrays, err := prob.MakeArrays(param, &cfg)
	if err != nil {
		return err
	}
	if err := attachDevices(arrays, r.spill); err != nil {
		return err
	}
	f, err := file.Open(ctx, r.dataPath)
	if err != nil {
		return err
	}
	n, dim, err := prob.Load(ctx, param, arrays, f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := prob.Bootstrap(param, dim, n); err != nil {
		return err
	}
	log.Printf("exec: rank 0: loaded %d points (dim %d) from %s", n, dim, r.dataPath)
	if err := prob.BuildTree(ctx, param, arrays, cfg.LeafMax); err != nil {
		return err
	}
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes, arrays.Results} {
		if err := u.FixBoundaries(ctx); err != nil {
			return err
		}
	}
	queue, err := mlpack.NewSimpleQueue(ctx, prob.Tree(arrays), cfg.NumGrains)
	if err != nil {
		return err
	}
	log.Printf("exec: rank 0: tree built; %d grains for %d ranks", queue.NumGrains(), r.ranks)

	r.mu.Lock()
	r.arrays = arrays
	r.queue = mlpack.NewLockedQueue(queue)
	r.ready = true
	r.cond.Broadcast()
	r.mu.Unlock()

	if err := r.barrier(ctx, 0); err != nil {
		return err
	}
	// Data arrays become read-only for the compute phase; the results
	// array keeps collecting writes.
	if err := arrays.Points.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return err
	}
	if err := arrays.Nodes.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return err
	}
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeModify); err != nil {
		return err
	}
	if err := r.barrier(ctx, 1); err != nil {
		return err
	}
	global, counters, err := runSolve(ctx, prob, param, arrays, cfg, r.queue)
	if err != nil {
		return err
	}
	if err := r.barrier(ctx, 2); err != nil {
		return err
	}
	// The master's own results flush as record-range patches, just like
	// the ranges arriving from other ranks, so concurrent flushes
	// interleave without clobbering.
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return err
	}
	if err := r.barrier(ctx, 3); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := prob.Report(ctx, param, arrays, &buf); err != nil {
		return err
	}
	r.mu.Lock()
	r.report = buf.Bytes()
	r.mu.Unlock()
	*values = runValues(global, counters)
	return nil
}

func (r *rankService) runWorker(ctx context.Context, values *stats.Values) error {
	master, err := r.b.Dial(ctx, r.masterAddr)
	if err != nil {
		return err
	}
	var paramData []byte
	if err := master.RetryCall(ctx, "Rank.Control", controlRequest{Channel: channelParam}, &paramData); err != nil {
		return err
	}
	param, err := r.decodeParam(paramData)
	if err != nil {
		return err
	}
	var cfgData []byte
	if err := master.RetryCall(ctx, "Rank.Control", controlRequest{Channel: channelConfig}, &cfgData); err != nil {
		return err
	}
	var cfg mlpack.Config
	if err := gob.NewDecoder(bytes.NewReader(cfgData)).Decode(&cfg); err != nil {
		return err
	}
	arrays, err := r.problem.MakeArrays(param, &cfg)
	if err != nil {
		return err
	}
	arrays.Points.Configure(channelPoints)
	arrays.Nodes.Configure(channelNodes)
	arrays.Results.Configure(channelResults)
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes} {
		var layout cachearray.Layout
		if err := master.RetryCall(ctx, "Rank.Layout", layoutRequest{Channel: u.Channel()}, &layout); err != nil {
			return err
		}
		if err := u.BindRemote(layout, &remoteDevice{machine: master, channel: u.Channel()}, nil); err != nil {
			return err
		}
		if err := u.FlushClear(ctx, cachearray.ModeRead); err != nil {
			return err
		}
	}
	var layout cachearray.Layout
	if err := master.RetryCall(ctx, "Rank.Layout", layoutRequest{Channel: channelResults}, &layout); err != nil {
		return err
	}
	err = arrays.Results.BindRemote(layout,
		&remoteDevice{machine: master, channel: channelResults},
		&remoteSink{machine: master, channel: channelResults})
	if err != nil {
		return err
	}
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeModify); err != nil {
		return err
	}
	log.Printf("exec: rank %d: mirrors bound to %s", r.rank, r.masterAddr)

	if err := r.remoteBarrier(ctx, master, 0); err != nil {
		return err
	}
	// FlushData: nothing is cached yet, and the data mirrors are
	// already read-only.
	if err := r.remoteBarrier(ctx, master, 1); err != nil {
		return err
	}
	global, counters, err := runSolve(ctx, r.problem, param, arrays, cfg,
		&remoteQueue{machine: master, rank: r.rank})
	if err != nil {
		return err
	}
	if err := r.remoteBarrier(ctx, master, 2); err != nil {
		return err
	}
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return err
	}
	if err := r.remoteBarrier(ctx, master, 3); err != nil {
		return err
	}
	*values = runValues(global, counters)
	return nil
}

func (r *rankService) barrier(ctx context.Context, phase int) error {
	return r.Barrier(ctx, barrierRequest{Channel: channelBarrier + phase, Rank: r.rank}, nil)
}

func (r *rankService) remoteBarrier(ctx context.Context, master *bigmachine.Machine, phase int) error {
	// Plain call: a retried arrival would be counted twice.
	return master.Call(ctx, "Rank.Barrier", barrierRequest{Channel: channelBarrier + phase, Rank: r.rank}, nil)
}

// Barrier blocks until all ranks have arrived at the same phase
// barrier. Each rank arrives exactly once per phase; calls must not be
// retried.
func (r *rankService) Barrier(ctx context.Context, req barrierRequest, _ *struct{}) error {
	phase := req.Channel - channelBarrier
	if phase < 0 || phase >= numBarriers {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: bad barrier channel %d", req.Channel))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrived[phase]++
	if r.arrived[phase] > r.ranks {
		return errors.E(errors.Invalid,
			fmt.Sprintf("exec: %d arrivals at barrier %d of %d ranks", r.arrived[phase], phase, r.ranks))
	}
	r.cond.Broadcast()
	return r.cond.WaitFor(ctx, func() bool { return r.arrived[phase] == r.ranks })
}

func (r *rankService) readyArrays(ctx context.Context) (mlpack.Arrays, *mlpack.LockedQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cond.WaitFor(ctx, func() bool { return r.ready }); err != nil {
		return mlpack.Arrays{}, nil, err
	}
	return r.arrays, r.queue, nil
}

func arrayFor(arrays mlpack.Arrays, channel int) (cachearray.Untyped, error) {
	switch channel {
	case channelPoints:
		return arrays.Points, nil
	case channelNodes:
		return arrays.Nodes, nil
	case channelResults:
		return arrays.Results, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: bad array channel %d", channel))
}

// Layout returns the shape of one of the master's arrays.
func (r *rankService) Layout(ctx context.Context, req layoutRequest, layout *cachearray.Layout) error {
	arrays, _, err := r.readyArrays(ctx)
	if err != nil {
		return err
	}
	arr, err := arrayFor(arrays, req.Channel)
	if err != nil {
		return err
	}
	l, err := arr.Layout()
	if err != nil {
		return err
	}
	*layout = l
	return nil
}

// ReadBlock serves one device block of one of the master's arrays. It
// is idempotent and safe to retry.
func (r *rankService) ReadBlock(ctx context.Context, req blockRequest, data *[]byte) error {
	arrays, _, err := r.readyArrays(ctx)
	if err != nil {
		return err
	}
	arr, err := arrayFor(arrays, req.Channel)
	if err != nil {
		return err
	}
	d, err := arr.ReadBlock(ctx, req.Block)
	if err != nil {
		return err
	}
	*data = d
	return nil
}

// WriteRange patches a flushed range of result records into the
// master's device. Patches carry absolute record values, so retries are
// harmless.
func (r *rankService) WriteRange(ctx context.Context, req rangeRequest, _ *struct{}) error {
	if req.Channel != channelResults {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: range write to channel %d", req.Channel))
	}
	arrays, _, err := r.readyArrays(ctx)
	if err != nil {
		return err
	}
	return arrays.Results.ApplyRange(ctx, req.First, req.Data)
}

// GetWork hands out the next work grain. Each grain is delivered at
// most once; a retried call could claim a grain whose first reply was
// lost, so calls must not be retried.
func (r *rankService) GetWork(ctx context.Context, req workRequest, work *[]mlpack.Index) error {
	if req.Channel != channelQueue {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: work request on channel %d", req.Channel))
	}
	_, queue, err := r.readyArrays(ctx)
	if err != nil {
		return err
	}
	w, err := queue.GetWork(ctx)
	if err != nil {
		return err
	}
	*work = w
	return nil
}

// Report streams the master's rendered report. It is available once Run
// has completed on the master.
func (r *rankService) Report(ctx context.Context, _ struct{}, rc *io.ReadCloser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report == nil {
		return errors.E(errors.Invalid, "exec: report not ready")
	}
	*rc = ioutil.NopCloser(bytes.NewReader(r.report))
	return nil
}

// attachDevices gives each array its channel identity and a backing
// device, and switches the results array to record-range write-back.
func attachDevices(arrays mlpack.Arrays, spill string) error {
	arrays.Points.Configure(channelPoints)
	arrays.Nodes.Configure(channelNodes)
	arrays.Results.Configure(channelResults)
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes, arrays.Results} {
		var dev cachearray.Device
		if spill != "" {
			dev = &cachearray.FileDevice{Prefix: spill, Name: fmt.Sprintf("c%03d", u.Channel())}
		} else {
			dev = cachearray.NewMemDevice()
		}
		if err := u.Attach(dev); err != nil {
			return err
		}
	}
	arrays.Results.MarkShared()
	return nil
}

func runSolve(ctx context.Context, prob mlpack.Problem, param mlpack.Param, arrays mlpack.Arrays, cfg mlpack.Config, queue mlpack.WorkQueue) (mlpack.GlobalResult, *stats.Map, error) {
	counters := stats.NewMap()
	global := prob.NewGlobalResult(param)
	err := mlpack.SolveThreaded(ctx, cfg, queue, func() mlpack.Solver {
		return prob.NewSolver(param, arrays)
	}, global, counters)
	if err != nil {
		return nil, nil, err
	}
	return global, counters, nil
}

// runValues merges a rank's reportable tallies: the problem's global
// result plus the number of grains the rank solved.
func runValues(global mlpack.GlobalResult, counters *stats.Map) stats.Values {
	values := global.Report()
	values["solve.grains"] = counters.Values()["solve.grains"]
	return values
}
