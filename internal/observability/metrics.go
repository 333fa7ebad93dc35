package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pair outcomes recorded by the retrieval pipeline.
const (
	OutcomeFlux = "flux" // pair produced a flux sample
	OutcomeGap  = "gap"  // pair skipped, series has a hole
)

// Retrieval stages with duration histograms.
const (
	StageOpticalFlow = "optical_flow"
	StageHistogram   = "histogram"
	StageFlux        = "flux"
	StagePair        = "pair_total"
)

// PipelineCollector bundles Prometheus metrics for the retrieval
// pipeline and provides a ready-to-serve /metrics handler.
type PipelineCollector struct {
	gatherer prometheus.Gatherer

	PairsTotal     *prometheus.CounterVec
	StageDurations *prometheus.HistogramVec
	VelocityTotal  *prometheus.CounterVec

	PairsInFlight prometheus.Gauge
	LastFlux      prometheus.Gauge
}

// NewPipelineCollector registers pipeline Prometheus metrics against
// the provided registerer, defaulting to the global Prometheus
// registry when nil.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	pairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plumeflux_pairs_total",
		Help: "Total number of processed frame pairs, labeled by outcome.",
	}, []string{"outcome"})
	pairs, err := registerCounterVec(reg, pairs, "plumeflux_pairs_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plumeflux_stage_duration_seconds",
		Help:    "Retrieval stage latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"stage"})
	durations, err = registerHistogramVec(reg, durations, "plumeflux_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	velocities := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plumeflux_velocity_estimates_total",
		Help: "Velocity estimates by producing method (flow-histogram, cross-correlation, flow-raw).",
	}, []string{"method"})
	velocities, err = registerCounterVec(reg, velocities, "plumeflux_velocity_estimates_total")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plumeflux_pairs_in_flight",
		Help: "Frame pairs currently being retrieved by workers.",
	}), "plumeflux_pairs_in_flight")
	if err != nil {
		return nil, err
	}
	lastFlux, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plumeflux_last_flux_grams_per_second",
		Help: "Most recently emitted flux sample in g/s.",
	}), "plumeflux_last_flux_grams_per_second")
	if err != nil {
		return nil, err
	}

	return &PipelineCollector{
		gatherer:       gatherer,
		PairsTotal:     pairs,
		StageDurations: durations,
		VelocityTotal:  velocities,
		PairsInFlight:  inFlight,
		LastFlux:       lastFlux,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PipelineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordPair counts a finished frame pair by outcome. It satisfies
// the pipeline's recorder interface so workers can report without
// knowing about Prometheus.
func (c *PipelineCollector) RecordPair(outcome string) {
	if c == nil || c.PairsTotal == nil {
		return
	}
	c.PairsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records one stage duration.
func (c *PipelineCollector) ObserveStage(stage string, d time.Duration) {
	if c == nil || c.StageDurations == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordVelocity counts a produced velocity estimate by method.
func (c *PipelineCollector) RecordVelocity(method string) {
	if c == nil || c.VelocityTotal == nil {
		return
	}
	c.VelocityTotal.WithLabelValues(method).Inc()
}

// PairStarted and PairDone track the in-flight gauge around worker
// execution.
func (c *PipelineCollector) PairStarted() {
	if c == nil || c.PairsInFlight == nil {
		return
	}
	c.PairsInFlight.Inc()
}

func (c *PipelineCollector) PairDone() {
	if c == nil || c.PairsInFlight == nil {
		return
	}
	c.PairsInFlight.Dec()
}

// SetLastFlux publishes the newest flux sample value.
func (c *PipelineCollector) SetLastFlux(gramsPerSecond float64) {
	if c == nil || c.LastFlux == nil {
		return
	}
	c.LastFlux.Set(gramsPerSecond)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
