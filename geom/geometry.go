// Package geom reconstructs per-pixel viewing geometry: the sight
// line through each camera pixel, its first intersection with terrain
// or the assumed plume plane, and the resulting metres-per-pixel
// ground scales that convert image motion into real transport.
//
// All geometry lives in a local scene frame: x east, y north (metres
// relative to the camera ground position), z altitude above sea level.
package geom

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/heliotropium72/plumeflux/model"
)

// Terrain answers elevation queries in the scene frame. ok is false
// where the model has no data; rays pass over such gaps unconstrained.
type Terrain interface {
	ElevationAt(eastM, northM float64) (elevM float64, ok bool)
}

// Hit records which surface a pixel's sight line reached first.
type Hit uint8

const (
	HitNone Hit = iota // no intersection within range: pixel invalid
	HitTerrain
	HitPlume
)

// Settings tune the ray casting. The zero value picks the defaults.
type Settings struct {
	MaxRangeM  float64 // give up beyond this ray length (default 50 km)
	StepM      float64 // coarse march step along the ray (default 10 m)
	DistErrRel float64 // relative 1-sigma distance uncertainty (default 0.05)
}

func (s Settings) withDefaults() Settings {
	if s.MaxRangeM <= 0 {
		s.MaxRangeM = 50e3
	}
	if s.StepM <= 0 {
		s.StepM = 10
	}
	if s.DistErrRel <= 0 {
		s.DistErrRel = 0.05
	}
	return s
}

// Field is the per-pixel geometry of one camera pose and plume
// altitude. It is never mutated after Build; pose or altitude changes
// produce a fresh Field that the Store swaps in under a new version.
type Field struct {
	W, H    int
	Version uint64

	PlumeAltM  float64
	DistErrRel float64

	DistM  []float64 // camera to first intersection
	AzRad  []float64 // sight line azimuth, clockwise from north
	ElRad  []float64 // sight line elevation above the horizon
	ScaleM []float64 // transverse metres per pixel at the intersection
	Hits   []Hit
}

// Build casts one ray per pixel and returns the resulting Field.
// Pixels whose ray reaches neither terrain nor the plume plane within
// MaxRangeM are marked HitNone rather than failing the build.
func Build(pose model.CameraPose, terr Terrain, plumeAltM float64, s Settings) (*Field, error) {
	if err := pose.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoseInvalid, err)
	}
	if terr == nil {
		return nil, ErrNoTerrain
	}
	s = s.withDefaults()

	w, h := pose.ImageWidth, pose.ImageHeight
	f := &Field{
		W: w, H: h,
		PlumeAltM:  plumeAltM,
		DistErrRel: s.DistErrRel,
		DistM:      make([]float64, w*h),
		AzRad:      make([]float64, w*h),
		ElRad:      make([]float64, w*h),
		ScaleM:     make([]float64, w*h),
		Hits:       make([]Hit, w*h),
	}

	forward, right, up := poseBasis(pose)
	origin := r3.Vector{X: 0, Y: 0, Z: pose.AltitudeM}
	ifov := pose.IFOV()
	cx := (float64(w) - 1) / 2
	cy := (float64(h) - 1) / 2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Exact pinhole: the sensor offset scaled by 1/f tilts the
			// optical axis towards the pixel.
			kx := (float64(x) - cx) * ifov
			ky := (cy - float64(y)) * ifov
			dir := forward.Add(right.Mul(kx)).Add(up.Mul(ky)).Normalize()

			i := y*w + x
			f.AzRad[i] = math.Atan2(dir.X, dir.Y)
			f.ElRad[i] = math.Asin(clamp(dir.Z, -1, 1))

			dTerr, okTerr := terrainDistance(origin, dir, terr, s.StepM, s.MaxRangeM)
			dPlume, okPlume := planeDistance(origin, dir, plumeAltM, s.MaxRangeM)

			switch {
			case okTerr && (!okPlume || dTerr <= dPlume):
				f.Hits[i] = HitTerrain
				f.DistM[i] = dTerr
			case okPlume:
				f.Hits[i] = HitPlume
				f.DistM[i] = dPlume
			default:
				continue // HitNone, excluded downstream
			}
			f.ScaleM[i] = f.DistM[i] * ifov
		}
	}
	return f, nil
}

// poseBasis returns the camera's forward/right/up unit vectors in the
// scene frame from its azimuth and elevation.
func poseBasis(pose model.CameraPose) (forward, right, up r3.Vector) {
	sa, ca := pose.Azimuth.Sincos()
	se, ce := pose.Elevation.Sincos()
	forward = r3.Vector{X: sa * ce, Y: ca * ce, Z: se}
	right = r3.Vector{X: ca, Y: -sa, Z: 0}
	up = right.Cross(forward)
	return forward, right, up
}

// planeDistance intersects the ray with the horizontal plume plane.
func planeDistance(origin r3.Vector, dir r3.Vector, plumeAltM, maxRange float64) (float64, bool) {
	if dir.Z == 0 {
		return 0, false
	}
	t := (plumeAltM - origin.Z) / dir.Z
	if t <= 0 || t > maxRange {
		return 0, false
	}
	return t, true
}

// terrainDistance marches along the ray until it drops below the
// terrain surface, then refines the crossing by bisection.
func terrainDistance(origin r3.Vector, dir r3.Vector, terr Terrain, step, maxRange float64) (float64, bool) {
	prevT := 0.0
	prevAbove := false
	if e, ok := terr.ElevationAt(origin.X, origin.Y); ok {
		if origin.Z <= e {
			// Camera at or below its own terrain cell; treat the
			// surface as starting immediately.
			return 0, false
		}
		prevAbove = true
	}

	for t := step; t <= maxRange; t += step {
		p := origin.Add(dir.Mul(t))
		e, ok := terr.ElevationAt(p.X, p.Y)
		if !ok {
			prevT, prevAbove = t, false
			continue
		}
		if p.Z > e {
			prevT, prevAbove = t, true
			continue
		}
		if !prevAbove {
			return t, true
		}
		return bisectCrossing(origin, dir, terr, prevT, t), true
	}
	return 0, false
}

func bisectCrossing(origin r3.Vector, dir r3.Vector, terr Terrain, lo, hi float64) float64 {
	for i := 0; i < 24; i++ {
		mid := (lo + hi) / 2
		p := origin.Add(dir.Mul(mid))
		e, ok := terr.ElevationAt(p.X, p.Y)
		if !ok || p.Z > e {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UniformField returns a field with constant distance and scale over
// every pixel. Synthetic scenes and tests use it in place of a full
// ray-cast build when the viewing geometry is idealised.
func UniformField(w, h int, distM, scaleM float64) *Field {
	n := w * h
	f := &Field{
		W: w, H: h,
		DistErrRel: 0,
		DistM:      make([]float64, n),
		AzRad:      make([]float64, n),
		ElRad:      make([]float64, n),
		ScaleM:     make([]float64, n),
		Hits:       make([]Hit, n),
	}
	for i := 0; i < n; i++ {
		f.DistM[i] = distM
		f.ScaleM[i] = scaleM
		f.Hits[i] = HitPlume
	}
	return f
}

// Valid reports whether the pixel has usable geometry.
func (f *Field) Valid(x, y int) bool {
	if x < 0 || x >= f.W || y < 0 || y >= f.H {
		return false
	}
	return f.Hits[y*f.W+x] != HitNone
}

// At returns distance and scale for a pixel; ok is false for invalid
// or out-of-range pixels.
func (f *Field) At(x, y int) (distM, scaleM float64, ok bool) {
	if !f.Valid(x, y) {
		return 0, 0, false
	}
	i := y*f.W + x
	return f.DistM[i], f.ScaleM[i], true
}

// AtPoint is At for fractional coordinates, using the nearest pixel.
// Interpolating across the validity mask would blend distances from
// different surfaces, so lookups stay nearest-neighbour.
func (f *Field) AtPoint(x, y float64) (distM, scaleM float64, ok bool) {
	return f.At(int(math.Round(x)), int(math.Round(y)))
}

// ValidCount returns the number of pixels with usable geometry.
func (f *Field) ValidCount() int {
	n := 0
	for _, h := range f.Hits {
		if h != HitNone {
			n++
		}
	}
	return n
}

// LineStats aggregates field values along a cross-section.
type LineStats struct {
	MeanDistM  float64
	MeanScaleM float64 // metres per pixel, averaged over valid samples
	ValidFrac  float64
}

// LineStats samples the field along the cross-section at unit-pixel
// steps. It fails with ErrNoIntersection when no sample has usable
// geometry.
func (f *Field) LineStats(line model.CrossSection) (LineStats, error) {
	pts := line.Points()
	var st LineStats
	n := 0
	for _, p := range pts {
		d, sc, ok := f.AtPoint(p.X, p.Y)
		if !ok {
			continue
		}
		st.MeanDistM += d
		st.MeanScaleM += sc
		n++
	}
	if n == 0 {
		return LineStats{}, fmt.Errorf("line %s: %w", line.ID, ErrNoIntersection)
	}
	st.MeanDistM /= float64(n)
	st.MeanScaleM /= float64(n)
	st.ValidFrac = float64(n) / float64(len(pts))
	return st, nil
}
