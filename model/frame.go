package model

import (
	"fmt"
	"math"
	"time"
)

// ImageFrame is one calibrated image: a row-major float64 raster plus
// its acquisition time. Pixel units are up to the producer; the flux
// calculator expects column densities in molecules cm^-2.
//
// Frames are treated as read-only once handed to the engine, which is
// what makes frame pairs safe to process in parallel.
type ImageFrame struct {
	W, H      int
	Pix       []float64
	Timestamp time.Time
}

// NewImageFrame allocates a zeroed frame of the given shape.
func NewImageFrame(w, h int, ts time.Time) *ImageFrame {
	return &ImageFrame{W: w, H: h, Pix: make([]float64, w*h), Timestamp: ts}
}

// Validate reports shape/raster inconsistencies.
func (f *ImageFrame) Validate() error {
	if f.W <= 0 || f.H <= 0 {
		return fmt.Errorf("image frame: bad shape %dx%d", f.W, f.H)
	}
	if len(f.Pix) != f.W*f.H {
		return fmt.Errorf("image frame: raster has %d pixels, shape says %d", len(f.Pix), f.W*f.H)
	}
	return nil
}

// SameShape reports whether both frames have identical dimensions.
func (f *ImageFrame) SameShape(other *ImageFrame) bool {
	return other != nil && f.W == other.W && f.H == other.H
}

// At returns the pixel value at integer coordinates, clamped to the
// frame border.
func (f *ImageFrame) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= f.W {
		x = f.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= f.H {
		y = f.H - 1
	}
	return f.Pix[y*f.W+x]
}

// Set writes a pixel value; out-of-range coordinates are ignored.
func (f *ImageFrame) Set(x, y int, v float64) {
	if x < 0 || x >= f.W || y < 0 || y >= f.H {
		return
	}
	f.Pix[y*f.W+x] = v
}

// Sample returns the bilinearly interpolated value at fractional pixel
// coordinates, clamping to the border outside the frame.
func (f *ImageFrame) Sample(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := f.At(x0, y0)
	v10 := f.At(x0+1, y0)
	v01 := f.At(x0, y0+1)
	v11 := f.At(x0+1, y0+1)

	top := v00 + fx*(v10-v00)
	bot := v01 + fx*(v11-v01)
	return top + fy*(bot-top)
}

// ROI is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
// The zero value is empty.
type ROI struct {
	X0, Y0, X1, Y1 int
}

// FullROI covers a whole w x h frame.
func FullROI(w, h int) ROI {
	return ROI{X1: w, Y1: h}
}

// W returns the rectangle width (never negative).
func (r ROI) W() int {
	if r.X1 < r.X0 {
		return 0
	}
	return r.X1 - r.X0
}

// H returns the rectangle height (never negative).
func (r ROI) H() int {
	if r.Y1 < r.Y0 {
		return 0
	}
	return r.Y1 - r.Y0
}

// Empty reports whether the rectangle contains no pixels.
func (r ROI) Empty() bool {
	return r.W() == 0 || r.H() == 0
}

// Contains reports whether the pixel (x, y) lies inside the rectangle.
func (r ROI) Contains(x, y int) bool {
	return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1
}

// Clamp intersects the rectangle with a w x h frame.
func (r ROI) Clamp(w, h int) ROI {
	out := r
	if out.X0 < 0 {
		out.X0 = 0
	}
	if out.Y0 < 0 {
		out.Y0 = 0
	}
	if out.X1 > w {
		out.X1 = w
	}
	if out.Y1 > h {
		out.Y1 = h
	}
	if out.X1 < out.X0 {
		out.X1 = out.X0
	}
	if out.Y1 < out.Y0 {
		out.Y1 = out.Y0
	}
	return out
}
