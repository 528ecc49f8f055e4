// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs registered mlpack problems, either locally
// in-process or distributed over a cluster of bigmachine ranks.
//
// A distributed run places one rank per machine. Rank 0 is the master:
// it loads the dataset, builds the tree, and owns the shared cache
// arrays and the work queue; the other ranks mirror the arrays over
// RPC and pull work grains from the master. The driver process itself
// is only a supervisor; it configures the ranks, starts the run on
// each, merges their tallies, and fetches the master's report.
//
// Typical usage:
//
//	sess := exec.Start(exec.Bigmachine(system), exec.Ranks(4), exec.Threads(8))
//	defer sess.Shutdown()
//	values, err := sess.Run(ctx, "allknn", &allknn.Param{K: 10}, "points.txt", os.Stdout)
//	if err != nil {
//		log.Fatal(err)
//	}
package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"

	"github.com/vovoma/mlpack"
	"github.com/vovoma/mlpack/cachearray"
	"github.com/vovoma/mlpack/stats"
)

// StatusGroup is the status group name under which run progress is
// displayed.
const StatusGroup = "mlpack"

// A Session represents a configured execution environment: a set of
// ranks on a bigmachine system, or the local process.
type Session struct {
	system   bigmachine.System
	params   []bigmachine.Param
	b        *bigmachine.B
	shutdown func()
	ranks    int
	cfg      mlpack.Config
	spill    string
	status   *status.Status
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session that runs in the local process, on a
// single rank.
var Local Option = func(s *Session) {
	s.system = nil
}

// Bigmachine configures a session that runs on the provided bigmachine
// system. If any params are provided, they are applied to each machine
// allocated for the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.system = system
		s.params = params
	}
}

// Ranks configures the session with the provided number of ranks. Each
// rank occupies one machine.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Threads configures the number of solver threads each rank runs.
func Threads(n int) Option {
	if n <= 0 {
		panic("exec.Threads: n <= 0")
	}
	return func(s *Session) {
		s.cfg.NumThreads = n
	}
}

// Grains configures the total number of work grains the query tree is
// divided into. If unset, a default is derived from the thread and
// rank counts.
func Grains(n int) Option {
	if n <= 0 {
		panic("exec.Grains: n <= 0")
	}
	return func(s *Session) {
		s.cfg.NumGrains = n
	}
}

// BlockPoints configures the number of point and result records per
// cache array block.
func BlockPoints(n int) Option {
	if n <= 0 {
		panic("exec.BlockPoints: n <= 0")
	}
	return func(s *Session) {
		s.cfg.BlockPoints = n
	}
}

// BlockNodes configures the number of tree node records per cache
// array block.
func BlockNodes(n int) Option {
	if n <= 0 {
		panic("exec.BlockNodes: n <= 0")
	}
	return func(s *Session) {
		s.cfg.BlockNodes = n
	}
}

// LeafMax configures the maximum number of points per tree leaf.
func LeafMax(n int) Option {
	if n <= 0 {
		panic("exec.LeafMax: n <= 0")
	}
	return func(s *Session) {
		s.cfg.LeafMax = n
	}
}

// Spill configures a directory prefix under which the master spills
// its array blocks. If unset, blocks are kept in memory.
func Spill(dir string) Option {
	return func(s *Session) {
		s.spill = dir
	}
}

// Status configures the session with a status object to which run
// progress is reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new session, configuring it according to
// the provided options. If no bigmachine system is configured, the
// session runs locally. The returned session remains valid for the
// lifetime of the binary; Shutdown releases its machines.
func Start(options ...Option) *Session {
	s := &Session{ranks: 1}
	for _, opt := range options {
		opt(s)
	}
	if s.system == nil && s.ranks > 1 {
		panic("exec.Start: multiple ranks require a bigmachine system")
	}
	if s.system != nil {
		s.b = bigmachine.Start(s.system)
		s.shutdown = s.b.Shutdown
	}
	return s
}

// Shutdown releases the session's machines. It should be called when
// the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Run executes the named problem with the given param over the dataset
// at dataPath and writes the problem's report to report. It returns
// the run's tallies, merged across ranks.
func (s *Session) Run(ctx context.Context, problem string, param mlpack.Param, dataPath string, report io.Writer) (stats.Values, error) {
	prob, err := mlpack.LookupProblem(problem)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg
	cfg.Normalize(s.ranks)
	if s.b == nil {
		return s.runLocal(ctx, prob, param, dataPath, report, cfg)
	}
	return s.runRanks(ctx, problem, param, dataPath, report, cfg)
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug adds debug handlers for the session's machines to the
// provided http.ServeMux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	if s.b != nil {
		s.b.HandleDebug(handler)
	}
}

func (s *Session) group() *status.Group {
	if s.status == nil {
		return nil
	}
	return s.status.Group(StatusGroup)
}

// runLocal runs all phases in-process on a single rank. There are no
// peers, so the barriers collapse away; the phase order is otherwise
// the same as a distributed master's.
func (s *Session) runLocal(ctx context.Context, prob mlpack.Problem, param mlpack.Param, dataPath string, report io.Writer, cfg mlpack.Config) (stats.Values, error) {
	task := s.group().Start()
	defer task.Done()
	task.Title(prob.Name())
	task.Print("loading")
	arrays, err := prob.MakeArrays(param, &cfg)
	if err != nil {
		return nil, err
	}
	if err := attachDevices(arrays, s.spill); err != nil {
		return nil, err
	}
	f, err := file.Open(ctx, dataPath)
	if err != nil {
		return nil, err
	}
	n, dim, err := prob.Load(ctx, param, arrays, f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if err := prob.Bootstrap(param, dim, n); err != nil {
		return nil, err
	}
	task.Printf("building tree over %d points", n)
	if err := prob.BuildTree(ctx, param, arrays, cfg.LeafMax); err != nil {
		return nil, err
	}
	for _, u := range []cachearray.Untyped{arrays.Points, arrays.Nodes, arrays.Results} {
		if err := u.FixBoundaries(ctx); err != nil {
			return nil, err
		}
	}
	queue, err := mlpack.NewSimpleQueue(ctx, prob.Tree(arrays), cfg.NumGrains)
	if err != nil {
		return nil, err
	}
	if err := arrays.Points.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return nil, err
	}
	if err := arrays.Nodes.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return nil, err
	}
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeModify); err != nil {
		return nil, err
	}
	task.Printf("solving %d grains on %d threads", queue.NumGrains(), cfg.NumThreads)
	global, counters, err := runSolve(ctx, prob, param, arrays, cfg, queue)
	if err != nil {
		return nil, err
	}
	if err := arrays.Results.FlushClear(ctx, cachearray.ModeRead); err != nil {
		return nil, err
	}
	task.Print("reporting")
	if err := prob.Report(ctx, param, arrays, report); err != nil {
		return nil, err
	}
	return runValues(global, counters), nil
}

// runRanks drives a distributed run: start one machine per rank,
// configure them, run all ranks concurrently, merge their tallies, and
// fetch the master's report.
func (s *Session) runRanks(ctx context.Context, problem string, param mlpack.Param, dataPath string, report io.Writer, cfg mlpack.Config) (stats.Values, error) {
	var paramBuf bytes.Buffer
	if err := gob.NewEncoder(&paramBuf).Encode(param); err != nil {
		return nil, err
	}
	group := s.group()
	task := group.Start()
	defer task.Done()
	task.Title(problem)
	task.Printf("starting %d machines", s.ranks)
	params := append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, s.params...)
	machines, err := s.b.Start(ctx, s.ranks, params...)
	if err != nil {
		return nil, err
	}
	if len(machines) < s.ranks {
		return nil, errors.E(errors.Unavailable,
			fmt.Sprintf("exec: started %d of %d machines", len(machines), s.ranks))
	}
	for _, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return nil, err
		}
	}
	master := machines[0]
	for i, m := range machines {
		req := configureRequest{
			Rank:       i,
			Ranks:      s.ranks,
			MasterAddr: master.Addr,
			Problem:    problem,
		}
		if i == 0 {
			req.Param = paramBuf.Bytes()
			req.Config = cfg
			req.DataPath = dataPath
			req.Spill = s.spill
		}
		if err := m.RetryCall(ctx, "Rank.Configure", req, nil); err != nil {
			return nil, err
		}
	}
	task.Printf("computing on %d ranks", s.ranks)
	replies := make([]stats.Values, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			// Run drives the rank through all phases. It must execute
			// exactly once, so it is never retried.
			return m.Call(gctx, "Rank.Run", struct{}{}, &replies[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	values := make(stats.Values)
	for _, reply := range replies {
		values.Add(reply)
	}
	task.Print("fetching report")
	var rc io.ReadCloser
	if err := master.RetryCall(ctx, "Rank.Report", struct{}{}, &rc); err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.Copy(report, rc); err != nil {
		return nil, err
	}
	return values, nil
}
