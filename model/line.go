package model

import (
	"fmt"
	"math"
)

// NormalSide selects which of the two unit normals of a cross-section
// counts as flux-positive, seen walking the line from its first to its
// second endpoint in image coordinates (y grows downward).
type NormalSide int

const (
	// NormalRight rotates the line direction so that a left-to-right
	// horizontal line gets a normal pointing up the image.
	NormalRight NormalSide = iota
	NormalLeft
)

func (s NormalSide) String() string {
	if s == NormalLeft {
		return "left"
	}
	return "right"
}

// Point is a fractional pixel position.
type Point struct {
	X, Y float64
}

// CrossSection is a straight retrieval line in image coordinates.
// Gas transport through it is integrated into an emission rate; the
// sign of the transport is taken against the chosen normal.
type CrossSection struct {
	ID             string
	X0, Y0, X1, Y1 float64
	Side           NormalSide
}

// Validate reports degenerate lines.
func (c CrossSection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cross section: empty id")
	}
	if c.Length() < 1 {
		return fmt.Errorf("cross section %s: shorter than one pixel", c.ID)
	}
	return nil
}

// Length returns the line length in pixels.
func (c CrossSection) Length() float64 {
	return math.Hypot(c.X1-c.X0, c.Y1-c.Y0)
}

// Direction returns the unit vector from the first to the second
// endpoint.
func (c CrossSection) Direction() (dx, dy float64) {
	l := c.Length()
	if l == 0 {
		return 0, 0
	}
	return (c.X1 - c.X0) / l, (c.Y1 - c.Y0) / l
}

// Normal returns the unit normal on the configured side. For side
// "right" that is the line direction rotated so a top-down vertical
// line yields a normal pointing to +x.
func (c CrossSection) Normal() (nx, ny float64) {
	dx, dy := c.Direction()
	if c.Side == NormalLeft {
		return -dy, dx
	}
	return dy, -dx
}

// Points returns sample positions along the line at roughly unit-pixel
// spacing, endpoints included.
func (c CrossSection) Points() []Point {
	n := int(math.Ceil(c.Length())) + 1
	pts := make([]Point, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		pts[i] = Point{
			X: c.X0 + t*(c.X1-c.X0),
			Y: c.Y0 + t*(c.Y1-c.Y0),
		}
	}
	return pts
}

// Offset returns a copy of the line displaced along its normal by the
// given number of pixels. Useful for building the parallel line pair
// the correlation velocity retrieval needs.
func (c CrossSection) Offset(px float64) CrossSection {
	nx, ny := c.Normal()
	out := c
	out.X0 += nx * px
	out.Y0 += ny * px
	out.X1 += nx * px
	out.Y1 += ny * px
	return out
}
