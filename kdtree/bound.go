// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kdtree

import "math"

// A Bound is an axis-aligned hyperrectangle. All distances are squared
// Euclidean. The zero Bound has no dimensions; use NewBound or Reset to
// shape it. An empty bound (no points grown into it) has Lo=+Inf,
// Hi=-Inf in every dimension.
type Bound struct {
	Lo, Hi []float64
}

// NewBound returns an empty bound of the given dimensionality.
func NewBound(dim int) Bound {
	var b Bound
	b.Reset(dim)
	return b
}

// Dim returns the bound's dimensionality.
func (b *Bound) Dim() int { return len(b.Lo) }

// Reset empties the bound, reshaping it to dim dimensions.
func (b *Bound) Reset(dim int) {
	if len(b.Lo) != dim {
		b.Lo = make([]float64, dim)
		b.Hi = make([]float64, dim)
	}
	for d := 0; d < dim; d++ {
		b.Lo[d] = math.Inf(1)
		b.Hi[d] = math.Inf(-1)
	}
}

// Clone returns a deep copy of the bound.
func (b Bound) Clone() Bound {
	return Bound{
		Lo: append([]float64(nil), b.Lo...),
		Hi: append([]float64(nil), b.Hi...),
	}
}

// Grow expands the bound to contain the point vec.
func (b *Bound) Grow(vec []float64) {
	for d, v := range vec {
		if v < b.Lo[d] {
			b.Lo[d] = v
		}
		if v > b.Hi[d] {
			b.Hi[d] = v
		}
	}
}

// GrowBound expands the bound to contain another bound.
func (b *Bound) GrowBound(c *Bound) {
	for d := 0; d < len(b.Lo); d++ {
		if c.Lo[d] < b.Lo[d] {
			b.Lo[d] = c.Lo[d]
		}
		if c.Hi[d] > b.Hi[d] {
			b.Hi[d] = c.Hi[d]
		}
	}
}

// Width returns the bound's extent along dimension d.
func (b *Bound) Width(d int) float64 { return b.Hi[d] - b.Lo[d] }

// WidestDim returns the dimension with the greatest extent.
func (b *Bound) WidestDim() int {
	widest, max := 0, math.Inf(-1)
	for d := 0; d < len(b.Lo); d++ {
		if w := b.Width(d); w > max {
			widest, max = d, w
		}
	}
	return widest
}

// Mid returns the midpoint of the bound along dimension d.
func (b *Bound) Mid(d int) float64 { return (b.Lo[d] + b.Hi[d]) / 2 }

// MinDistSqPoint returns the least squared distance between the bound
// and the point vec; zero if vec lies inside.
func (b *Bound) MinDistSqPoint(vec []float64) float64 {
	var sum float64
	for d, v := range vec {
		if gap := b.Lo[d] - v; gap > 0 {
			sum += gap * gap
		} else if gap := v - b.Hi[d]; gap > 0 {
			sum += gap * gap
		}
	}
	return sum
}

// MinDistSq returns the least squared distance between two bounds; zero
// if they intersect.
func (b *Bound) MinDistSq(c *Bound) float64 {
	var sum float64
	for d := 0; d < len(b.Lo); d++ {
		if gap := b.Lo[d] - c.Hi[d]; gap > 0 {
			sum += gap * gap
		} else if gap := c.Lo[d] - b.Hi[d]; gap > 0 {
			sum += gap * gap
		}
	}
	return sum
}

// MaxDistSq returns the greatest squared distance between any point of
// b and any point of c.
func (b *Bound) MaxDistSq(c *Bound) float64 {
	var sum float64
	for d := 0; d < len(b.Lo); d++ {
		gap := b.Hi[d] - c.Lo[d]
		if g := c.Hi[d] - b.Lo[d]; g > gap {
			gap = g
		}
		sum += gap * gap
	}
	return sum
}

// MidDistSq returns the squared distance between two bounds' midpoints.
func (b *Bound) MidDistSq(c *Bound) float64 {
	var sum float64
	for d := 0; d < len(b.Lo); d++ {
		diff := b.Mid(d) - c.Mid(d)
		sum += diff * diff
	}
	return sum
}
