package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GeometryCollector exposes geometry-field Prometheus metrics.
type GeometryCollector struct {
	gatherer prometheus.Gatherer

	BuildDuration   prometheus.Histogram
	RebuildsTotal   prometheus.Counter
	ValidPixelRatio prometheus.Gauge
	FieldVersion    prometheus.Gauge
}

// NewGeometryCollector registers geometry metrics against the provided
// registerer.
func NewGeometryCollector(reg prometheus.Registerer) (*GeometryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	buildHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plumeflux_geometry_build_duration_seconds",
		Help:    "Duration of full per-pixel ray-cast field builds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	buildHistogram, err := registerHistogram(reg, buildHistogram, "plumeflux_geometry_build_duration_seconds")
	if err != nil {
		return nil, err
	}

	rebuilds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plumeflux_geometry_rebuilds_total",
		Help: "Cumulative number of geometry field rebuilds (pose or plume altitude changes).",
	})
	rebuilds, err = registerCounter(reg, rebuilds, "plumeflux_geometry_rebuilds_total")
	if err != nil {
		return nil, err
	}

	validRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plumeflux_geometry_valid_pixel_ratio",
		Help: "Fraction of pixels whose sight line intersects terrain or the plume plane.",
	})
	validRatio, err = registerGauge(reg, validRatio, "plumeflux_geometry_valid_pixel_ratio")
	if err != nil {
		return nil, err
	}

	version := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plumeflux_geometry_field_version",
		Help: "Version stamp of the currently installed geometry field.",
	})
	version, err = registerGauge(reg, version, "plumeflux_geometry_field_version")
	if err != nil {
		return nil, err
	}

	return &GeometryCollector{
		gatherer:        gatherer,
		BuildDuration:   buildHistogram,
		RebuildsTotal:   rebuilds,
		ValidPixelRatio: validRatio,
		FieldVersion:    version,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *GeometryCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveBuild records one field build duration.
func (c *GeometryCollector) ObserveBuild(d time.Duration) {
	if c == nil || c.BuildDuration == nil {
		return
	}
	c.BuildDuration.Observe(d.Seconds())
}

// RecordRebuild counts a rebuild and publishes the new field's version
// and valid-pixel fraction.
func (c *GeometryCollector) RecordRebuild(version uint64, validRatio float64) {
	if c == nil {
		return
	}
	if c.RebuildsTotal != nil {
		c.RebuildsTotal.Inc()
	}
	if c.FieldVersion != nil {
		c.FieldVersion.Set(float64(version))
	}
	if c.ValidPixelRatio != nil {
		if validRatio < 0 {
			validRatio = 0
		}
		if validRatio > 1 {
			validRatio = 1
		}
		c.ValidPixelRatio.Set(validRatio)
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
