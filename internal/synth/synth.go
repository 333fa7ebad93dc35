// Package synth renders synthetic column-density sequences with a
// known transport speed and emission rate. Retrieval tests and the
// CLI demo run against these scenes, so every quantity is analytic.
package synth

import (
	"math"
	"time"

	xrand "golang.org/x/exp/rand"

	"github.com/heliotropium72/plumeflux/fluxcalc"
	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/model"
)

// Scene is a drifting plume over a flat background: a horizontal
// gaussian ridge carrying a train of puffs, advected toward +x at
// constant speed. Zero fields take the demo defaults.
type Scene struct {
	W, H   int
	ScaleM float64 // ground scale at the plume, m/px
	DistM  float64 // camera to plume distance, m

	SpeedMS   float64 // transport speed, m/s
	PeakCD    float64 // column density at puff centres, cm^-2
	SigmaXPx  float64 // puff extent along the transport axis, px
	SigmaYPx  float64 // plume half thickness, px
	CentreY   float64 // plume axis row, px
	SpacingPx float64 // puff spacing, px

	Interval time.Duration // frame cadence
	Start    time.Time     // acquisition time of frame 0

	NoiseCD float64 // sigma of additive gaussian noise, cm^-2; 0 disables
	Seed    uint64  // noise stream seed
}

// withDefaults fills zero fields with the demo scene: a 96x64 plume
// at 1 km and 2 m/px, transported at 10 m/s with 600 ms cadence, so
// consecutive frames shift by 3 px.
func (s Scene) withDefaults() Scene {
	if s.W <= 0 {
		s.W = 96
	}
	if s.H <= 0 {
		s.H = 64
	}
	if s.ScaleM <= 0 {
		s.ScaleM = 2.0
	}
	if s.DistM <= 0 {
		s.DistM = 1000
	}
	if s.SpeedMS == 0 {
		s.SpeedMS = 10
	}
	if s.PeakCD <= 0 {
		s.PeakCD = 2.5e17
	}
	if s.SigmaXPx <= 0 {
		s.SigmaXPx = 6
	}
	if s.SigmaYPx <= 0 {
		s.SigmaYPx = 5
	}
	if s.CentreY <= 0 {
		s.CentreY = float64(s.H) / 2
	}
	if s.SpacingPx <= 0 {
		s.SpacingPx = 24
	}
	if s.Interval <= 0 {
		s.Interval = 600 * time.Millisecond
	}
	if s.Start.IsZero() {
		s.Start = time.Date(2015, 9, 16, 7, 6, 0, 0, time.UTC)
	}
	return s
}

// Frames renders n consecutive frames of the advecting plume.
func (s Scene) Frames(n int) []*model.ImageFrame {
	s = s.withDefaults()
	var rnd *xrand.Rand
	if s.NoiseCD > 0 {
		rnd = xrand.New(&xrand.PCGSource{})
		rnd.Seed(s.Seed)
	}
	frames := make([]*model.ImageFrame, n)
	for i := range frames {
		ts := s.Start.Add(time.Duration(i) * s.Interval)
		f := model.NewImageFrame(s.W, s.H, ts)
		off := s.offsetPx(i)
		for y := 0; y < s.H; y++ {
			for x := 0; x < s.W; x++ {
				v := s.cd(float64(x), float64(y), off)
				if rnd != nil {
					v += s.NoiseCD * rnd.NormFloat64()
				}
				f.Set(x, y, v)
			}
		}
		frames[i] = f
	}
	return frames
}

// Field returns the flat-scene geometry matching the rendered frames.
// Install it into a geom.Store to obtain a version stamp.
func (s Scene) Field() *geom.Field {
	s = s.withDefaults()
	return geom.UniformField(s.W, s.H, s.DistM, s.ScaleM)
}

// Line returns a transect orthogonal to the transport through the
// image centre, spanning the plume thickness, with the positive
// normal pointing downstream.
func (s Scene) Line() model.CrossSection {
	s = s.withDefaults()
	x := math.Round(float64(s.W) / 2)
	y0 := math.Max(1, math.Floor(s.CentreY-4*s.SigmaYPx))
	y1 := math.Min(float64(s.H-2), math.Ceil(s.CentreY+4*s.SigmaYPx))
	return model.CrossSection{
		ID: "synth-transect",
		X0: x, Y0: y0,
		X1: x, Y1: y1,
		Side: model.NormalRight,
	}
}

// TrueMeanFlux evaluates the noiseless emission rate through the line
// for the first n frames and averages it. The sum mirrors the
// retrieval integral sample for sample, so end-to-end tests compare
// against it directly.
func (s Scene) TrueMeanFlux(line model.CrossSection, n int) float64 {
	s = s.withDefaults()
	if n <= 0 {
		return 0
	}
	conv := 1e4 * fluxcalc.MolMassSO2 / fluxcalc.Avogadro // cm^-2 columns across metre pixels
	nx, _ := line.Normal()
	veff := s.SpeedMS * nx
	var mean float64
	for i := 0; i < n; i++ {
		off := s.offsetPx(i)
		var col float64
		for _, p := range line.Points() {
			col += s.cd(p.X, p.Y, off) * s.ScaleM
		}
		mean += conv * veff * col
	}
	return mean / float64(n)
}

// offsetPx is the puff-train displacement at frame i.
func (s Scene) offsetPx(i int) float64 {
	return s.SpeedMS / s.ScaleM * float64(i) * s.Interval.Seconds()
}

// cd evaluates the noiseless column density at (x, y) with the puff
// train displaced by off pixels. Neighbour puffs beyond two spacings
// contribute below 1e-13 of the peak and are skipped.
func (s Scene) cd(x, y, off float64) float64 {
	ry := (y - s.CentreY) / s.SigmaYPx
	ridge := math.Exp(-0.5 * ry * ry)
	u := x - off
	k := math.Round(u / s.SpacingPx)
	var train float64
	for j := k - 2; j <= k+2; j++ {
		ru := (u - j*s.SpacingPx) / s.SigmaXPx
		train += math.Exp(-0.5 * ru * ru)
	}
	return s.PeakCD * ridge * train
}
