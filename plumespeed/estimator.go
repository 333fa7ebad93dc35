package plumespeed

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/soniakeys/unit"

	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/optflow"
)

// Estimator yields one velocity estimate per frame pair. Failures that
// should become gaps in the flux series (rather than abort the run)
// wrap ErrInsufficientData.
type Estimator interface {
	EstimatePair(a, b *model.ImageFrame) (PairResult, error)
}

// PairResult bundles the estimate with its evidence.
type PairResult struct {
	Velocity model.VelocityEstimate

	// Props carries the histogram outcome when the estimate came from
	// dense flow; nil when the pair fell back to the global estimate.
	Props *PlumeProperties

	// Flow is the dense field of the pair, kept for raw-mode flux
	// integration and diagnostics.
	Flow *optflow.Field
}

// PairConfig fixes everything a worker needs to turn a frame pair into
// a velocity estimate. It is immutable after construction, so one
// estimator is safely shared across workers.
type PairConfig struct {
	ROI             model.ROI
	Line            geom.LineStats // ground scale at the retrieval line
	DistErrRel      float64
	GeometryVersion uint64

	Flow      optflow.Settings
	Histogram HistogramSettings

	// Fallback is the sequence-wide cross-correlation estimate used
	// when the histogram pass reports insufficient data.
	Fallback     *model.VelocityEstimate
	AllowFlagged bool // accept a flagged fallback instead of a gap
}

// PairEstimator is the histogram-flow strategy with cross-correlation
// fallback.
type PairEstimator struct {
	cfg PairConfig
}

// NewPairEstimator builds the per-pair strategy from a fixed config.
func NewPairEstimator(cfg PairConfig) *PairEstimator {
	return &PairEstimator{cfg: cfg}
}

// EstimatePair runs dense flow and histogram analysis over the pair.
// When the scene has too little texture for a histogram estimate it
// returns the configured fallback; with no usable fallback the error
// wraps ErrInsufficientData and the pair becomes a gap.
func (e *PairEstimator) EstimatePair(a, b *model.ImageFrame) (PairResult, error) {
	flow, err := optflow.Compute(a, b, e.cfg.ROI, e.cfg.Flow)
	if err != nil {
		return PairResult{}, fmt.Errorf("optical flow: %w", err)
	}
	return e.EstimateFromFlow(a, b, flow)
}

// EstimateFromFlow is EstimatePair with the dense flow already in
// hand, for callers that compute the field themselves.
func (e *PairEstimator) EstimateFromFlow(a, b *model.ImageFrame, flow *optflow.Field) (PairResult, error) {
	props, err := AnalyzeFlow(flow, e.cfg.ROI, e.cfg.Histogram)
	if err != nil {
		if !errors.Is(err, ErrInsufficientData) {
			return PairResult{}, fmt.Errorf("flow histogram: %w", err)
		}
		return e.fallback(a, b, flow, err)
	}

	vel, err := props.Velocity(e.cfg.Line.MeanScaleM, e.cfg.DistErrRel, flow.Interval)
	if err != nil {
		return PairResult{}, fmt.Errorf("flow histogram: %w", err)
	}
	vel.Start = a.Timestamp
	vel.Stop = b.Timestamp
	vel.GeometryVersion = e.cfg.GeometryVersion
	return PairResult{Velocity: vel, Props: &props, Flow: flow}, nil
}

func (e *PairEstimator) fallback(a, b *model.ImageFrame, flow *optflow.Field, cause error) (PairResult, error) {
	fb := e.cfg.Fallback
	if fb == nil {
		return PairResult{}, fmt.Errorf("no fallback estimate: %w", cause)
	}
	if fb.Flagged && !e.cfg.AllowFlagged {
		return PairResult{}, fmt.Errorf("fallback flagged (%s): %w", fb.Method, cause)
	}
	mid := a.Timestamp.Add(b.Timestamp.Sub(a.Timestamp) / 2)
	if !fb.Covers(mid) {
		return PairResult{}, fmt.Errorf("fallback does not cover %v: %w", mid, cause)
	}
	return PairResult{Velocity: *fb, Flow: flow}, nil
}

// LineSignal integrates a frame along the cross-section at unit-pixel
// steps: the integrated column amount used as correlation signal.
func LineSignal(f *model.ImageFrame, line model.CrossSection) float64 {
	sum := 0.0
	for _, p := range line.Points() {
		sum += f.Sample(p.X, p.Y)
	}
	return sum
}

// GlobalEstimator is the cross-correlation strategy: one velocity for
// a whole sequence, from the transport delay between a line and its
// downstream offset twin.
type GlobalEstimator struct {
	Settings CrossCorrSettings

	// SpeedErrRel is the relative speed uncertainty assigned to the
	// estimate (the lag method has no per-sample spread); default 0.5.
	SpeedErrRel float64
}

// EstimateSeries extracts the two line signals over the frames and
// correlates them. offsetPx displaces the far line along the normal,
// i.e. downstream for a correctly oriented cross-section.
func (g *GlobalEstimator) EstimateSeries(frames []*model.ImageFrame, line model.CrossSection, offsetPx float64, field *geom.Field) (model.VelocityEstimate, error) {
	if len(frames) == 0 {
		return model.VelocityEstimate{}, fmt.Errorf("%w: no frames", ErrShortSeries)
	}
	if err := line.Validate(); err != nil {
		return model.VelocityEstimate{}, err
	}
	if offsetPx <= 0 {
		return model.VelocityEstimate{}, fmt.Errorf("%w: line offset %g px", ErrBadSignals, offsetPx)
	}

	far := line.Offset(offsetPx)
	nearStats, err := field.LineStats(line)
	if err != nil {
		return model.VelocityEstimate{}, err
	}
	farStats, err := field.LineStats(far)
	if err != nil {
		return model.VelocityEstimate{}, err
	}
	separationM := offsetPx * (nearStats.MeanScaleM + farStats.MeanScaleM) / 2

	times := make([]time.Time, len(frames))
	nearSig := make([]float64, len(frames))
	farSig := make([]float64, len(frames))
	for i, f := range frames {
		times[i] = f.Timestamp
		nearSig[i] = LineSignal(f, line)
		farSig[i] = LineSignal(f, far)
	}

	res, err := Correlate(times, nearSig, farSig, g.Settings)
	if err != nil {
		return model.VelocityEstimate{}, err
	}
	speed, err := res.Speed(separationM)
	if err != nil {
		return model.VelocityEstimate{}, fmt.Errorf("%w (peak %.3f)", err, res.Peak)
	}

	errRel := g.SpeedErrRel
	if errRel <= 0 {
		errRel = 0.5
	}
	nx, ny := line.Normal()
	return model.VelocityEstimate{
		Speed:           speed,
		SpeedErr:        speed * errRel,
		Direction:       unit.Angle(math.Atan2(-ny, nx)),
		Method:          model.VelocityCrossCorrelation,
		Flagged:         res.Flag != nil,
		Start:           times[0],
		Stop:            times[len(times)-1],
		GeometryVersion: field.Version,
	}, nil
}
