// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cachearray

import (
	"bytes"
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func testDevice(t *testing.T, dev Device) {
	t.Helper()
	ctx := context.Background()
	fz := fuzz.New()
	fz.NumElements(100, 10000)
	payloads := make(map[int64][]byte)
	for _, b := range []int64{0, 1, 7} {
		var data []byte
		fz.Fuzz(&data)
		payloads[b] = data
		if err := dev.Write(ctx, b, data); err != nil {
			t.Fatal(err)
		}
	}
	for b, want := range payloads {
		got, err := dev.Read(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("block %d: payload mismatch", b)
		}
	}
	_, err := dev.Read(ctx, 3)
	if err == nil {
		t.Error("expected error reading absent block")
	} else if !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error: %v", err)
	}
	// Blocks are rewritable in place.
	if err := dev.Write(ctx, 1, []byte("overwrite")); err != nil {
		t.Fatal(err)
	}
	got, err := dev.Read(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("overwrite"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeviceImpls(t *testing.T) {
	testDevice(t, NewMemDevice())
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	testDevice(t, &FileDevice{Prefix: dir, Name: "test"})
}
