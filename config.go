// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

// Default block and tree shaping values, applied by Config.Normalize.
const (
	DefaultBlockPoints = 1024
	DefaultBlockNodes  = 128
	DefaultLeafMax     = 32
)

// Config controls how a run divides and pages its work. It is set on
// the driver, normalized once the rank count is known, and broadcast to
// every rank; it is read-only afterwards.
type Config struct {
	// NumThreads is the number of concurrent solver threads per rank.
	NumThreads int

	// NumGrains is the number of work grains to divide the query tree
	// into, across all ranks. Zero selects the default: one grain per
	// rank when NumThreads is 1, otherwise 3*NumThreads per rank.
	NumGrains int

	// BlockPoints is the number of point (and result) records per cache
	// array block.
	BlockPoints int

	// BlockNodes is the number of tree node records per cache array
	// block.
	BlockNodes int

	// LeafMax caps the number of points per tree leaf.
	LeafMax int
}

// Normalize replaces unset fields with their defaults. The grain
// default scales with ranks, the number of ranks that will pull work.
func (c *Config) Normalize(ranks int) {
	if c.NumThreads <= 0 {
		c.NumThreads = 1
	}
	if ranks <= 0 {
		ranks = 1
	}
	if c.NumGrains <= 0 {
		per := 1
		if c.NumThreads > 1 {
			per = 3 * c.NumThreads
		}
		c.NumGrains = per * ranks
	}
	if c.BlockPoints <= 0 {
		c.BlockPoints = DefaultBlockPoints
	}
	if c.BlockNodes <= 0 {
		c.BlockNodes = DefaultBlockNodes
	}
	if c.LeafMax <= 0 {
		c.LeafMax = DefaultLeafMax
	}
}
