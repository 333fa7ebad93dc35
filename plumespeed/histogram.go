// Package plumespeed turns image motion into plume transport
// estimates. Two retrieval strategies are provided: a histogram
// analysis of a dense optical flow field (per frame pair) and a
// time-lag cross-correlation of signals on two parallel cross-section
// lines (per sequence). Selection between them is expressed through
// tagged results rather than error-driven control flow.
package plumespeed

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/optflow"
)

// HistogramSettings tune the flow histogram analysis. The zero value
// picks the defaults.
type HistogramSettings struct {
	MinConfidence float64 // flow confidence gate (default 0.1)
	MinLengthPx   float64 // ignore sub-pixel jitter (default 1.0)
	DirBinDeg     float64 // direction bin width (default 10)
	SigmaTol      float64 // direction band half-width in sigmas (default 2)
	MinCount      int     // confident vectors required (default 50)
	LenBinPx      float64 // length bin width (default 0.5)
}

func (s HistogramSettings) withDefaults() HistogramSettings {
	if s.MinConfidence <= 0 {
		s.MinConfidence = 0.1
	}
	if s.MinLengthPx <= 0 {
		s.MinLengthPx = 1.0
	}
	if s.DirBinDeg <= 0 {
		s.DirBinDeg = 10
	}
	if s.SigmaTol <= 0 {
		s.SigmaTol = 2
	}
	if s.MinCount <= 0 {
		s.MinCount = 50
	}
	if s.LenBinPx <= 0 {
		s.LenBinPx = 0.5
	}
	return s
}

// PlumeProperties is the outcome of one histogram analysis: the
// dominant flow direction and displacement length with their spreads.
// Directions are counterclockwise from the image x axis, upward
// positive.
type PlumeProperties struct {
	DirMu    unit.Angle
	DirSigma unit.Angle

	LenMuPx    float64
	LenSigmaPx float64

	Count int // confident vectors that entered the analysis
}

// AnalyzeFlow reduces a dense flow field to the dominant transport
// vector inside roi. Vectors pass the gate when their confidence and
// length clear the configured minima; the dominant direction is the
// mode of a circular histogram refined by the circular mean of the raw
// samples in the mode's immediate neighbourhood, so a uniform field
// reproduces its vector without binning bias. A second histogram pass
// over the direction-consistent samples yields the length.
//
// Fails with ErrInsufficientData when fewer than MinCount vectors pass
// the gate; the analysis is deterministic for identical inputs.
func AnalyzeFlow(field *optflow.Field, roi model.ROI, s HistogramSettings) (PlumeProperties, error) {
	s = s.withDefaults()
	roi = roi.Clamp(field.W, field.H)

	type sample struct{ theta, length float64 }
	var samples []sample
	for y := roi.Y0; y < roi.Y1; y++ {
		for x := roi.X0; x < roi.X1; x++ {
			dx, dy, conf := field.At(x, y)
			if conf < s.MinConfidence {
				continue
			}
			l := math.Hypot(dx, dy)
			if l < s.MinLengthPx {
				continue
			}
			theta := math.Atan2(-dy, dx)
			if theta >= math.Pi {
				theta -= 2 * math.Pi
			}
			samples = append(samples, sample{theta: theta, length: l})
		}
	}
	if len(samples) < s.MinCount {
		return PlumeProperties{}, fmt.Errorf("%w: %d of %d required", ErrInsufficientData, len(samples), s.MinCount)
	}

	// Direction pass.
	sort.Slice(samples, func(i, j int) bool { return samples[i].theta < samples[j].theta })
	thetas := make([]float64, len(samples))
	for i, sm := range samples {
		thetas[i] = sm.theta
	}

	binRad := unit.AngleFromDeg(s.DirBinDeg).Rad()
	nBins := int(math.Ceil(2 * math.Pi / binRad))
	dividers := make([]float64, nBins+1)
	floats.Span(dividers, -math.Pi, math.Pi)
	counts := stat.Histogram(nil, dividers, thetas, nil)
	mode := floats.MaxIdx(counts)
	modeCentre := (dividers[mode] + dividers[mode+1]) / 2
	width := dividers[mode+1] - dividers[mode]

	var nbTheta, nbSin, nbCos []float64
	for _, sm := range samples {
		if math.Abs(wrapAngle(sm.theta-modeCentre)) <= 1.5*width {
			nbTheta = append(nbTheta, sm.theta)
			nbSin = append(nbSin, math.Sin(sm.theta))
			nbCos = append(nbCos, math.Cos(sm.theta))
		}
	}
	dirMu := stat.CircularMean(nbTheta, nil)
	r := math.Hypot(stat.Mean(nbSin, nil), stat.Mean(nbCos, nil))
	if r > 1 {
		r = 1
	}
	dirSigma := 0.0
	if r > 0 {
		dirSigma = math.Sqrt(-2 * math.Log(r))
	} else {
		dirSigma = math.Pi
	}

	// Length pass over direction-consistent samples.
	band := s.SigmaTol * math.Max(dirSigma, width/2)
	var lengths []float64
	for _, sm := range samples {
		if math.Abs(wrapAngle(sm.theta-dirMu)) <= band {
			lengths = append(lengths, sm.length)
		}
	}
	if len(lengths) == 0 {
		// Cannot happen with a finite band around the circular mean,
		// but guard the histogram below anyway.
		return PlumeProperties{}, fmt.Errorf("%w: direction band empty", ErrInsufficientData)
	}
	sort.Float64s(lengths)

	maxLen := lengths[len(lengths)-1]
	nLenBins := int(maxLen/s.LenBinPx) + 1
	lenDividers := make([]float64, nLenBins+1)
	floats.Span(lenDividers, 0, float64(nLenBins)*s.LenBinPx+s.LenBinPx/1024)
	lenCounts := stat.Histogram(nil, lenDividers, lengths, nil)
	lenMode := floats.MaxIdx(lenCounts)

	lo := lenDividers[maxInt(lenMode-1, 0)]
	hi := lenDividers[minInt(lenMode+2, len(lenDividers)-1)]
	var nbLen []float64
	for _, l := range lengths {
		if l >= lo && l < hi {
			nbLen = append(nbLen, l)
		}
	}
	lenMu, lenSigma := stat.MeanStdDev(nbLen, nil)
	if len(nbLen) < 2 {
		lenSigma = 0
	}

	return PlumeProperties{
		DirMu:      unit.Angle(dirMu),
		DirSigma:   unit.Angle(dirSigma),
		LenMuPx:    lenMu,
		LenSigmaPx: lenSigma,
		Count:      len(samples),
	}, nil
}

// Velocity converts displacement statistics to a transport estimate
// using the ground scale at the retrieval location. The relative
// geometry uncertainty distErrRel enters the speed error alongside
// the length spread.
func (p PlumeProperties) Velocity(scaleMPerPx, distErrRel float64, interval time.Duration) (model.VelocityEstimate, error) {
	dt := interval.Seconds()
	if dt <= 0 {
		return model.VelocityEstimate{}, fmt.Errorf("%w: %v", ErrBadInterval, interval)
	}
	speed := p.LenMuPx * scaleMPerPx / dt

	rel := distErrRel * distErrRel
	if p.LenMuPx > 0 {
		lr := p.LenSigmaPx / p.LenMuPx
		rel += lr * lr
	}
	return model.VelocityEstimate{
		Speed:        speed,
		SpeedErr:     speed * math.Sqrt(rel),
		Direction:    p.DirMu,
		DirectionErr: p.DirSigma,
		Method:       model.VelocityFlowHistogram,
	}, nil
}

// wrapAngle maps an angle difference into (-pi, pi].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PropertiesSeries accumulates per-pair histogram outcomes in time
// order, the transport analogue of the flux series.
type PropertiesSeries struct {
	times []time.Time
	props []PlumeProperties
}

// Add inserts an outcome keeping the series sorted by time.
func (s *PropertiesSeries) Add(t time.Time, p PlumeProperties) {
	i := sort.Search(len(s.times), func(i int) bool { return s.times[i].After(t) })
	s.times = append(s.times, time.Time{})
	copy(s.times[i+1:], s.times[i:])
	s.times[i] = t
	s.props = append(s.props, PlumeProperties{})
	copy(s.props[i+1:], s.props[i:])
	s.props[i] = p
}

// Len returns the number of entries.
func (s *PropertiesSeries) Len() int { return len(s.props) }

// At returns the i-th entry in time order.
func (s *PropertiesSeries) At(i int) (time.Time, PlumeProperties) {
	return s.times[i], s.props[i]
}
