// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec_test

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"

	"github.com/vovoma/mlpack/allknn"
	"github.com/vovoma/mlpack/exec"
	"github.com/vovoma/mlpack/stats"
	"github.com/vovoma/mlpack/twopoint"
)

const (
	testPoints = 160
	testDim    = 3
	testK      = 5
)

func writeData(t *testing.T, dir string, n, dim int, seed int64) string {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			if j > 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%g", r.Float64()*20-10)
		}
		buf.WriteByte('\n')
	}
	path := filepath.Join(dir, "points.txt")
	if err := ioutil.WriteFile(path, buf.Bytes(), 0666); err != nil {
		t.Fatal(err)
	}
	return path
}

// shapeOptions pins the work division so runs with different rank
// counts solve the identical set of grains.
func shapeOptions() []exec.Option {
	return []exec.Option{
		exec.Threads(2),
		exec.Grains(8),
		exec.BlockPoints(16),
		exec.BlockNodes(4),
		exec.LeafMax(4),
	}
}

func run(t *testing.T, path string, options ...exec.Option) (string, stats.Values) {
	t.Helper()
	sess := exec.Start(append(shapeOptions(), options...)...)
	defer sess.Shutdown()
	var report bytes.Buffer
	values, err := sess.Run(context.Background(), "allknn", &allknn.Param{K: testK}, path, &report)
	if err != nil {
		t.Fatal(err)
	}
	return report.String(), values
}

func TestRunLocal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeData(t, dir, testPoints, testDim, 1)
	report, values := run(t, path, exec.Local)
	if got, want := strings.Count(report, "\n"), testPoints*testK; got != want {
		t.Errorf("got %d report lines, want %d", got, want)
	}
	for _, key := range []string{"solve.grains", "allknn.pairs", "allknn.dists"} {
		if values[key] == 0 {
			t.Errorf("counter %s is zero", key)
		}
	}
}

func TestRunLocalSpill(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeData(t, dir, testPoints, testDim, 1)
	wantReport, wantValues := run(t, path, exec.Local)
	report, values := run(t, path, exec.Local, exec.Spill(filepath.Join(dir, "spill")))
	if report != wantReport {
		t.Error("spilled report differs from in-memory report")
	}
	if !reflect.DeepEqual(values, wantValues) {
		t.Errorf("got values %v, want %v", values, wantValues)
	}
}

func TestRunRanks(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeData(t, dir, testPoints, testDim, 1)
	wantReport, wantValues := run(t, path, exec.Local)
	for _, ranks := range []int{1, 2, 4} {
		ranks := ranks
		t.Run(fmt.Sprintf("ranks=%d", ranks), func(t *testing.T) {
			report, values := run(t, path,
				exec.Bigmachine(testsystem.New()),
				exec.Ranks(ranks),
			)
			if report != wantReport {
				t.Error("distributed report differs from local report")
			}
			// Grain tallies sum across ranks; equality with the local
			// run means every grain was solved exactly once.
			if !reflect.DeepEqual(values, wantValues) {
				t.Errorf("got values %v, want %v", values, wantValues)
			}
		})
	}
}

// TestRunTwopoint runs a second registered problem through the same
// session machinery, locally and across ranks.
func TestRunTwopoint(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeData(t, dir, testPoints, testDim, 1)
	sess := exec.Start(append(shapeOptions(), exec.Local)...)
	defer sess.Shutdown()
	var local bytes.Buffer
	values, err := sess.Run(context.Background(), "twopoint", &twopoint.Param{R: 8}, path, &local)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.Count(local.String(), "\n"), testPoints; got != want {
		t.Errorf("got %d report lines, want %d", got, want)
	}
	if values["twopoint.within"] == 0 {
		t.Error("no pairs within radius 8")
	}
	dist := exec.Start(append(shapeOptions(),
		exec.Bigmachine(testsystem.New()),
		exec.Ranks(2),
	)...)
	defer dist.Shutdown()
	var remote bytes.Buffer
	distValues, err := dist.Run(context.Background(), "twopoint", &twopoint.Param{R: 8}, path, &remote)
	if err != nil {
		t.Fatal(err)
	}
	if remote.String() != local.String() {
		t.Error("distributed report differs from local report")
	}
	if !reflect.DeepEqual(distValues, values) {
		t.Errorf("got values %v, want %v", distValues, values)
	}
}

func TestRunUnknownProblem(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	_, err := sess.Run(context.Background(), "nosuch", &allknn.Param{K: 1}, "unused", ioutil.Discard)
	if err == nil {
		t.Error("expected error for unregistered problem")
	}
}

func TestRunBadParam(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeData(t, dir, 10, 2, 2)
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	// K must leave at least one neighbor candidate per point.
	_, err := sess.Run(context.Background(), "allknn", &allknn.Param{K: 10}, path, ioutil.Discard)
	if err == nil {
		t.Error("expected bootstrap error for oversized k")
	}
}
