// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cachearray

import (
	"context"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// A Device is the backing store for an array's encoded blocks. Blocks are
// addressed by their index in the array and hold opaque payloads as
// produced by the array's codec. Reading a block that was never written
// returns an error with kind errors.NotExist. Implementations must be safe
// for concurrent use.
type Device interface {
	// Read returns the payload last written for block b.
	Read(ctx context.Context, b int64) ([]byte, error)
	// Write replaces the payload for block b.
	Write(ctx context.Context, b int64, data []byte) error
}

// MemDevice is an in-memory device. The zero value is not usable; call
// NewMemDevice.
type MemDevice struct {
	mu     sync.Mutex
	blocks map[int64][]byte
}

// NewMemDevice returns an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{blocks: make(map[int64][]byte)}
}

// Read implements Device.
func (d *MemDevice) Read(ctx context.Context, b int64) ([]byte, error) {
	d.mu.Lock()
	data, ok := d.blocks[b]
	d.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("memdevice: block %d", b))
	}
	return data, nil
}

// Write implements Device.
func (d *MemDevice) Write(ctx context.Context, b int64, data []byte) error {
	d.mu.Lock()
	d.blocks[b] = data
	d.mu.Unlock()
	return nil
}

// Len returns the number of blocks stored.
func (d *MemDevice) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}

// FileDevice stores one file per block under a grailfile prefix, so blocks
// may be spilled to any filesystem grailfile supports (e.g., S3). Name
// distinguishes devices sharing a prefix; it is hashed into the path so
// that sibling devices spread across directories.
type FileDevice struct {
	Prefix string
	Name   string
}

func (d *FileDevice) path(b int64) string {
	h := murmur3.Sum32([]byte(d.Name))
	return file.Join(d.Prefix, fmt.Sprintf("%08x-%s", h, d.Name), fmt.Sprintf("b%06d", b))
}

// Read implements Device.
func (d *FileDevice) Read(ctx context.Context, b int64) ([]byte, error) {
	f, err := file.Open(ctx, d.path(b))
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		f.Close(ctx)
		return nil, err
	}
	return data, closeFile(ctx, f)
}

// Write implements Device.
func (d *FileDevice) Write(ctx context.Context, b int64, data []byte) error {
	f, err := file.Create(ctx, d.path(b))
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(data); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// closeFile closes the provided file, avoiding syncing if the
// implementation supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
