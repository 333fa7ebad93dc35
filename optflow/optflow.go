// Package optflow estimates dense plume motion between two frames
// with a pyramidal Horn-Schunck scheme: Jacobi relaxation of the
// regularised brightness-constancy equations, run coarse to fine with
// the second frame warped by the flow found so far.
//
// Frames are normalised to zero mean and unit deviation inside the
// region of interest before differencing, which makes the result
// invariant to global additive and multiplicative brightness shifts.
package optflow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/heliotropium72/plumeflux/model"
)

var (
	ErrShapeMismatch = errors.New("frames differ in shape")
	ErrEmptyROI      = errors.New("region of interest is empty")
	ErrBadInterval   = errors.New("second frame precedes the first")
)

// Settings tune the estimator. The zero value picks the defaults.
type Settings struct {
	Levels     int     // pyramid depth (default 4)
	Iterations int     // Jacobi sweeps per level (default 128)
	Alpha      float64 // smoothness weight on unit-variance images (default 15)
	GradFloor  float64 // gradient magnitude mapped to confidence 0.5 (default 0.1)
}

func (s Settings) withDefaults() Settings {
	if s.Levels <= 0 {
		s.Levels = 4
	}
	if s.Iterations <= 0 {
		s.Iterations = 128
	}
	if s.Alpha <= 0 {
		s.Alpha = 15
	}
	if s.GradFloor <= 0 {
		s.GradFloor = 0.1
	}
	return s
}

// Field is a dense displacement field in pixels over one frame pair.
// Pixels outside the ROI are left at zero displacement with zero
// confidence; consumers must filter on Confidence, not on magnitude.
type Field struct {
	W, H int
	ROI  model.ROI

	Dx, Dy     []float64 // displacement in pixels, first to second frame
	Confidence []float64 // 0..1, from local gradient magnitude

	Interval time.Duration // acquisition gap of the pair
}

// At returns displacement and confidence at a pixel.
func (f *Field) At(x, y int) (dx, dy, conf float64) {
	if x < 0 || x >= f.W || y < 0 || y >= f.H {
		return 0, 0, 0
	}
	i := y*f.W + x
	return f.Dx[i], f.Dy[i], f.Confidence[i]
}

// Compute estimates the displacement field from frame a to frame b
// inside roi. Identical frames yield an exactly zero field.
func Compute(a, b *model.ImageFrame, roi model.ROI, s Settings) (*Field, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.W, a.H, b.W, b.H)
	}
	if b.Timestamp.Before(a.Timestamp) {
		return nil, fmt.Errorf("%w: %v after %v", ErrBadInterval, b.Timestamp, a.Timestamp)
	}
	roi = roi.Clamp(a.W, a.H)
	if roi.Empty() {
		return nil, ErrEmptyROI
	}
	s = s.withDefaults()

	rw, rh := roi.W(), roi.H()
	ca := normalisedCrop(a, roi)
	cb := normalisedCrop(b, roi)

	aPyr := buildPyramid(ca, rw, rh, s.Levels)
	bPyr := buildPyramid(cb, rw, rh, s.Levels)

	var u, v []float64
	var fx, fy []float64
	for lvl := len(aPyr) - 1; lvl >= 0; lvl-- {
		lw, lh := aPyr[lvl].w, aPyr[lvl].h
		if u == nil {
			u = make([]float64, lw*lh)
			v = make([]float64, lw*lh)
		} else {
			u = upsample(u, aPyr[lvl+1].w, aPyr[lvl+1].h, lw, lh)
			v = upsample(v, aPyr[lvl+1].w, aPyr[lvl+1].h, lw, lh)
		}

		warped := warp(bPyr[lvl].pix, lw, lh, u, v)
		var du, dv []float64
		du, dv, fx, fy = hornSchunck(aPyr[lvl].pix, warped, lw, lh, s.Alpha, s.Iterations)
		for i := range u {
			u[i] += du[i]
			v[i] += dv[i]
		}
	}

	out := &Field{
		W: a.W, H: a.H, ROI: roi,
		Dx:         make([]float64, a.W*a.H),
		Dy:         make([]float64, a.W*a.H),
		Confidence: make([]float64, a.W*a.H),
		Interval:   b.Timestamp.Sub(a.Timestamp),
	}
	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			src := y*rw + x
			dst := (roi.Y0+y)*a.W + roi.X0 + x
			out.Dx[dst] = u[src]
			out.Dy[dst] = v[src]
			g := math.Hypot(fx[src], fy[src])
			out.Confidence[dst] = g / (g + s.GradFloor)
		}
	}
	return out, nil
}

// normalisedCrop extracts the ROI and maps it to zero mean, unit
// deviation. A textureless crop (zero deviation) comes back all zero.
func normalisedCrop(f *model.ImageFrame, roi model.ROI) []float64 {
	rw, rh := roi.W(), roi.H()
	out := make([]float64, rw*rh)
	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			out[y*rw+x] = f.Pix[(roi.Y0+y)*f.W+roi.X0+x]
		}
	}
	mean, std := stat.MeanStdDev(out, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	for i := range out {
		out[i] = (out[i] - mean) / std
	}
	return out
}

type level struct {
	pix  []float64
	w, h int
}

// buildPyramid halves the image up to maxLevels times, stopping before
// either dimension drops under 8 pixels.
func buildPyramid(pix []float64, w, h, maxLevels int) []level {
	pyr := []level{{pix: pix, w: w, h: h}}
	for len(pyr) < maxLevels {
		prev := pyr[len(pyr)-1]
		nw, nh := (prev.w+1)/2, (prev.h+1)/2
		if nw < 8 || nh < 8 {
			break
		}
		next := make([]float64, nw*nh)
		for y := 0; y < nh; y++ {
			for x := 0; x < nw; x++ {
				x0, y0 := 2*x, 2*y
				x1, y1 := x0+1, y0+1
				if x1 >= prev.w {
					x1 = prev.w - 1
				}
				if y1 >= prev.h {
					y1 = prev.h - 1
				}
				next[y*nw+x] = (prev.pix[y0*prev.w+x0] + prev.pix[y0*prev.w+x1] +
					prev.pix[y1*prev.w+x0] + prev.pix[y1*prev.w+x1]) / 4
			}
		}
		pyr = append(pyr, level{pix: next, w: nw, h: nh})
	}
	return pyr
}

// upsample doubles a flow component to the finer grid, scaling the
// displacement values to the finer pixel size.
func upsample(src []float64, sw, sh, dw, dh int) []float64 {
	out := make([]float64, dw*dh)
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			out[y*dw+x] = 2 * sampleClamped(src, sw, sh, float64(x)/2, float64(y)/2)
		}
	}
	return out
}

// warp resamples img at (x+u, y+v), clamping at the border.
func warp(img []float64, w, h int, u, v []float64) []float64 {
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			out[i] = sampleClamped(img, w, h, float64(x)+u[i], float64(y)+v[i])
		}
	}
	return out
}

func sampleClamped(img []float64, w, h int, x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	tx := x - float64(x0)
	ty := y - float64(y0)

	at := func(xi, yi int) float64 {
		if xi < 0 {
			xi = 0
		} else if xi >= w {
			xi = w - 1
		}
		if yi < 0 {
			yi = 0
		} else if yi >= h {
			yi = h - 1
		}
		return img[yi*w+xi]
	}

	top := at(x0, y0) + tx*(at(x0+1, y0)-at(x0, y0))
	bot := at(x0, y0+1) + tx*(at(x0+1, y0+1)-at(x0, y0+1))
	return top + ty*(bot-top)
}

// hornSchunck solves for the residual flow between a and the already
// warped b. Derivatives are central differences averaged over both
// frames; the linear system is relaxed with Jacobi sweeps. It returns
// the flow and the spatial derivative rasters (reused for confidence).
func hornSchunck(a, b []float64, w, h int, alpha float64, iterations int) (u, v, fx, fy []float64) {
	n := w * h
	fx = make([]float64, n)
	fy = make([]float64, n)
	fz := make([]float64, n)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			fx[i] = (a[i+1] - a[i-1] + b[i+1] - b[i-1]) / 4
			fy[i] = (a[i+w] - a[i-w] + b[i+w] - b[i-w]) / 4
			fz[i] = b[i] - a[i]
		}
	}

	u = make([]float64, n)
	v = make([]float64, n)
	uOld := make([]float64, n)
	vOld := make([]float64, n)
	help := 1 / alpha

	for k := 0; k < iterations; k++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				nn := 0
				uSum, vSum := 0.0, 0.0
				if x > 0 {
					nn++
					uSum += uOld[i-1]
					vSum += vOld[i-1]
				}
				if x < w-1 {
					nn++
					uSum += uOld[i+1]
					vSum += vOld[i+1]
				}
				if y > 0 {
					nn++
					uSum += uOld[i-w]
					vSum += vOld[i-w]
				}
				if y < h-1 {
					nn++
					uSum += uOld[i+w]
					vSum += vOld[i+w]
				}
				uSum -= help * fx[i] * (fy[i]*vOld[i] + fz[i])
				u[i] = uSum / (float64(nn) + help*fx[i]*fx[i])
				vSum -= help * fy[i] * (fx[i]*uOld[i] + fz[i])
				v[i] = vSum / (float64(nn) + help*fy[i]*fy[i])
			}
		}
		copy(uOld, u)
		copy(vOld, v)
	}
	return u, v, fx, fy
}
