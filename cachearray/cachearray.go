// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cachearray provides paged, index-addressed arrays of records
// backed by pluggable block devices. An array holds a dense sequence of
// records, grouped into fixed-size blocks that are decoded into memory on
// demand and written back to the owning device when the array is flushed.
//
// Arrays move through explicit modes. A fresh array is in create mode:
// records may be written freely, and blocks are materialized from a default
// record as they are first touched. FlushClear commits all outstanding
// writes to the device, drops the decoded cache, and transitions the array
// to a new mode. In read mode, records are immutable and blocks are fetched
// from the device on miss; in modify mode, records may be rewritten in
// place and dirty blocks are written back on the next flush.
//
// An array may be bound to a remote device, in which case block reads are
// served by the device owner and writes are pushed back as record ranges
// rather than whole blocks, so that several bound arrays may write disjoint
// records of the same block without clobbering one another.
package cachearray

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
)

// Index addresses a single record in an array.
type Index = int64

// A Mode describes the access discipline an array is currently in.
// Mode transitions happen only through FlushClear.
type Mode int

const (
	// ModeRead permits concurrent read access; records are immutable.
	ModeRead Mode = iota
	// ModeModify permits in-place rewriting of existing records.
	ModeModify
	// ModeCreate permits writing records that have never been flushed;
	// untouched records read as the array's default record.
	ModeCreate
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeModify:
		return "modify"
	case ModeCreate:
		return "create"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Record constrains the element types storable in an Array. Clone must
// return a deep copy so that fresh blocks can be populated from a default
// record without aliasing its contents.
type Record[T any] interface {
	Clone() T
}

// A Layout describes an array's shape to a peer that mirrors it remotely:
// its logical length, its block size in records, and its gob-encoded
// default record.
type Layout struct {
	N         Index
	BlockRecs int
	Default   []byte
}

// A RangeSink accepts record-range write-backs from a bound array. The
// payload is the gob encoding of the records in [first, first+k) for some
// k determined by the encoder.
type RangeSink interface {
	WriteRange(ctx context.Context, first Index, data []byte) error
}

// encodeRecs gob-encodes a slice of records into a fresh buffer.
func encodeRecs[T any](recs []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(recs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecs decodes a payload produced by encodeRecs.
func decodeRecs[T any](data []byte) ([]T, error) {
	var recs []T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&recs); err != nil {
		return nil, err
	}
	return recs, nil
}
