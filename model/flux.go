package model

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FluxSample is one emission-rate retrieval for one cross-section,
// derived from one frame pair.
type FluxSample struct {
	Time        time.Time // midpoint of the contributing pair
	Start, Stop time.Time // acquisition times of the two frames

	CrossSectionID string

	Flux    float64 // g/s
	FluxErr float64 // g/s, one sigma

	Velocity        VelocityEstimate
	GeometryVersion uint64
}

// FluxSeries is a time-ordered emission-rate series. Add keeps it
// sorted, so producers may deliver samples in any order; the series
// itself is not goroutine-safe and callers serialise access.
type FluxSeries struct {
	samples []FluxSample
}

// Add inserts a sample, keeping the series sorted by Time.
func (s *FluxSeries) Add(fs FluxSample) {
	i := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Time.After(fs.Time)
	})
	s.samples = append(s.samples, FluxSample{})
	copy(s.samples[i+1:], s.samples[i:])
	s.samples[i] = fs
}

// Len returns the number of samples.
func (s *FluxSeries) Len() int {
	return len(s.samples)
}

// Samples returns the ordered samples. The slice is shared with the
// series; callers must not mutate it.
func (s *FluxSeries) Samples() []FluxSample {
	return s.samples
}

// Stats returns mean and standard deviation of the flux values. The
// deviation is zero when fewer than two samples are present.
func (s *FluxSeries) Stats() (mean, std float64) {
	if len(s.samples) == 0 {
		return 0, 0
	}
	vals := make([]float64, len(s.samples))
	for i, fs := range s.samples {
		vals[i] = fs.Flux
	}
	mean, std = stat.MeanStdDev(vals, nil)
	if len(vals) < 2 {
		std = 0
	}
	return mean, std
}
