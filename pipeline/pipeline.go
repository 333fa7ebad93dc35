// Package pipeline runs the emission-rate retrieval over an image
// sequence: per-pair velocimetry and flux integration in a worker
// pool, backed by the sequence cross-correlation as fallback when
// dense flow finds too little texture.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heliotropium72/plumeflux/fluxcalc"
	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/internal/logging"
	"github.com/heliotropium72/plumeflux/internal/observability"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/optflow"
	"github.com/heliotropium72/plumeflux/plumespeed"
)

const tracerName = "github.com/heliotropium72/plumeflux/pipeline"

// Recorder receives pipeline measurements. The observability
// collector satisfies it; a nil recorder disables reporting.
type Recorder interface {
	RecordPair(outcome string)
	RecordVelocity(method string)
	ObserveStage(stage string, d time.Duration)
	PairStarted()
	PairDone()
	SetLastFlux(gramsPerSecond float64)
}

// Config fixes the retrieval setup for a run. The nested settings all
// default per their package; an empty ROI means the full frame.
type Config struct {
	Line model.CrossSection
	ROI  model.ROI

	// OffsetPx displaces the second correlation transect downstream
	// of Line; default 10 px.
	OffsetPx float64

	Flow      optflow.Settings
	Histogram plumespeed.HistogramSettings
	CrossCorr plumespeed.CrossCorrSettings
	Flux      fluxcalc.Settings

	// AllowFlagged accepts a low-correlation sequence estimate as
	// pair fallback instead of leaving gaps.
	AllowFlagged bool

	// SpeedErrRel is the relative uncertainty assigned to the
	// sequence estimate; see plumespeed.GlobalEstimator.
	SpeedErrRel float64
}

func (c Config) withDefaults() Config {
	if c.OffsetPx <= 0 {
		c.OffsetPx = 10
	}
	return c
}

// Gap marks a frame pair that produced no flux sample.
type Gap struct {
	Start, Stop time.Time
	Err         error
}

// Result is one completed run.
type Result struct {
	Flux  model.FluxSeries
	Props plumespeed.PropertiesSeries

	// Sequence is the whole-series cross-correlation estimate, nil
	// when none could be formed.
	Sequence *model.VelocityEstimate

	Gaps []Gap
}

// Pipeline retrieves emission rates for one cross-section. It is
// immutable after construction and safe for repeated Runs.
type Pipeline struct {
	store *geom.Store
	cfg   Config

	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
	workers int
}

// Option customises Pipeline construction.
type Option func(*Pipeline)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(p *Pipeline) { p.metrics = r }
}

// WithTracer overrides the tracer, mainly for tests; the default is
// the globally registered provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithWorkers caps the worker pool; the default is GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New builds a pipeline over the given geometry store.
func New(store *geom.Store, cfg Config, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("pipeline: nil geometry store")
	}
	if err := cfg.Line.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     logging.Noop(),
		tracer:  otel.Tracer(tracerName),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run retrieves an emission-rate series from the frames. Frames may
// arrive in any order; they are sorted chronologically first. Pair
// failures become gaps, not run failures. Cancelling the context
// abandons unprocessed pairs and returns the work finished so far
// together with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, frames []*model.ImageFrame) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("frames", len(frames)),
		attribute.String("cross_section", p.cfg.Line.ID),
	))
	defer span.End()

	ordered, err := orderedFrames(frames)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	field, err := p.store.Current()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	lineStats, err := field.LineStats(p.cfg.Line)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cross-section %s: %w", p.cfg.Line.ID, err)
	}

	roi := p.cfg.ROI
	if roi.Empty() {
		roi = model.FullROI(ordered[0].W, ordered[0].H)
	}

	res := &Result{Sequence: p.sequenceEstimate(ctx, ordered, field)}
	est := plumespeed.NewPairEstimator(plumespeed.PairConfig{
		ROI:             roi,
		Line:            lineStats,
		DistErrRel:      field.DistErrRel,
		GeometryVersion: field.Version,
		Flow:            p.cfg.Flow,
		Histogram:       p.cfg.Histogram,
		Fallback:        res.Sequence,
		AllowFlagged:    p.cfg.AllowFlagged,
	})

	pairs := len(ordered) - 1
	workers := p.workers
	if workers > pairs {
		workers = pairs
	}
	p.log.Info(ctx, "starting retrieval",
		logging.Int("frames", len(ordered)),
		logging.Int("workers", workers),
		logging.String("cross_section", p.cfg.Line.ID),
		logging.Any("geometry_version", field.Version),
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		jobs = make(chan int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				p.processPair(ctx, ordered[i], ordered[i+1], field, est, roi, res, &mu)
			}
		}()
	}
feed:
	for i := 0; i < pairs; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(res.Gaps, func(i, j int) bool {
		return res.Gaps[i].Start.Before(res.Gaps[j].Start)
	})
	p.log.Info(ctx, "retrieval finished",
		logging.Int("samples", res.Flux.Len()),
		logging.Int("gaps", len(res.Gaps)),
	)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return res, err
	}
	return res, nil
}

// sequenceEstimate builds the cross-correlation fallback. Failure is
// not fatal; short or structureless sequences simply leave pairs
// without one.
func (p *Pipeline) sequenceEstimate(ctx context.Context, frames []*model.ImageFrame, field *geom.Field) *model.VelocityEstimate {
	ctx, span := p.tracer.Start(ctx, "pipeline.sequence_correlation")
	defer span.End()

	g := &plumespeed.GlobalEstimator{
		Settings:    p.cfg.CrossCorr,
		SpeedErrRel: p.cfg.SpeedErrRel,
	}
	vel, err := g.EstimateSeries(frames, p.cfg.Line, p.cfg.OffsetPx, field)
	if err != nil {
		span.RecordError(err)
		p.log.Warn(ctx, "sequence correlation unavailable",
			logging.String("error", err.Error()))
		return nil
	}
	if vel.Flagged {
		p.log.Warn(ctx, "sequence correlation flagged",
			logging.Float64("speed_m_s", vel.Speed))
	}
	span.SetAttributes(attribute.Float64("speed_m_s", vel.Speed))
	return &vel
}

func (p *Pipeline) processPair(ctx context.Context, a, b *model.ImageFrame, field *geom.Field, est *plumespeed.PairEstimator, roi model.ROI, res *Result, mu *sync.Mutex) {
	start := time.Now()
	ctx, pairID := logging.EnsurePairID(ctx)
	ctx, log := logging.WithPairLogger(ctx, p.log)
	ctx, span := p.tracer.Start(ctx, "pipeline.pair", trace.WithAttributes(
		attribute.String("pair_id", pairID),
		attribute.String("frame_a", a.Timestamp.Format(time.RFC3339Nano)),
		attribute.String("frame_b", b.Timestamp.Format(time.RFC3339Nano)),
	))
	defer span.End()

	if p.metrics != nil {
		p.metrics.PairStarted()
		defer p.metrics.PairDone()
	}

	sample, props, err := p.retrievePair(ctx, a, b, field, est, roi)
	p.observeStage(observability.StagePair, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("outcome", observability.OutcomeGap))
		log.Warn(ctx, "pair produced no flux sample",
			logging.Time("start", a.Timestamp),
			logging.Time("stop", b.Timestamp),
			logging.String("error", err.Error()))
		p.recordPair(observability.OutcomeGap)
		mu.Lock()
		res.Gaps = append(res.Gaps, Gap{Start: a.Timestamp, Stop: b.Timestamp, Err: err})
		mu.Unlock()
		return
	}

	span.SetAttributes(
		attribute.String("outcome", observability.OutcomeFlux),
		attribute.Float64("flux_g_s", sample.Flux),
	)
	log.Debug(ctx, "flux sample",
		logging.Float64("flux_g_s", sample.Flux),
		logging.Float64("speed_m_s", sample.Velocity.Speed),
		logging.String("method", sample.Velocity.Method.String()))
	p.recordPair(observability.OutcomeFlux)
	p.recordVelocity(sample.Velocity.Method.String())
	p.setLastFlux(sample.Flux)

	mu.Lock()
	res.Flux.Add(sample)
	if props != nil {
		res.Props.Add(sample.Time, *props)
	}
	mu.Unlock()
}

// retrievePair runs the three retrieval stages for one pair. The flux
// integrates the first frame's column densities with the pair's
// velocity estimate.
func (p *Pipeline) retrievePair(ctx context.Context, a, b *model.ImageFrame, field *geom.Field, est *plumespeed.PairEstimator, roi model.ROI) (model.FluxSample, *plumespeed.PlumeProperties, error) {
	flowStart := time.Now()
	flow, err := optflow.Compute(a, b, roi, p.cfg.Flow)
	p.observeStage(observability.StageOpticalFlow, time.Since(flowStart))
	if err != nil {
		return model.FluxSample{}, nil, fmt.Errorf("optical flow: %w", err)
	}

	histStart := time.Now()
	pr, err := est.EstimateFromFlow(a, b, flow)
	p.observeStage(observability.StageHistogram, time.Since(histStart))
	if err != nil {
		return model.FluxSample{}, nil, err
	}

	fluxStart := time.Now()
	sample, err := fluxcalc.Compute(a, field, p.cfg.Line, pr.Velocity, p.cfg.Flux)
	p.observeStage(observability.StageFlux, time.Since(fluxStart))
	if err != nil {
		return model.FluxSample{}, nil, err
	}
	return sample, pr.Props, nil
}

func (p *Pipeline) observeStage(stage string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, d)
	}
}

func (p *Pipeline) recordPair(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPair(outcome)
	}
}

func (p *Pipeline) recordVelocity(method string) {
	if p.metrics != nil {
		p.metrics.RecordVelocity(method)
	}
}

func (p *Pipeline) setLastFlux(v float64) {
	if p.metrics != nil {
		p.metrics.SetLastFlux(v)
	}
}

// orderedFrames validates and chronologically sorts a copy of the
// input slice.
func orderedFrames(frames []*model.ImageFrame) ([]*model.ImageFrame, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("pipeline: need at least 2 frames, got %d", len(frames))
	}
	out := make([]*model.ImageFrame, len(frames))
	copy(out, frames)
	for i, f := range out {
		if f == nil {
			return nil, fmt.Errorf("pipeline: frame %d is nil", i)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: frame %d: %w", i, err)
		}
		if !f.SameShape(out[0]) {
			return nil, fmt.Errorf("pipeline: frame %d shape %dx%d differs from %dx%d",
				i, f.W, f.H, out[0].W, out[0].H)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
