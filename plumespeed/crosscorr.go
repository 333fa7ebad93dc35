package plumespeed

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// CrossCorrSettings tune the two-line lag correlation. The zero value
// picks the defaults.
type CrossCorrSettings struct {
	MinCorrelation float64 // flag results whose peak is below this (default 0.6)
	CoeffTieTol    float64 // peaks within this of the best tie-break to the smallest lag (default 0.05)
	MaxLagFrac     float64 // lag search window as a fraction of the series (default 0.5)
	SmoothSigma    float64 // gaussian pre-smoothing sigma in samples (default 1)
	MinSamples     int     // series shorter than this fail (default 10)
	SkipResample   bool    // keep the raw sampling instead of a regular grid
}

func (s CrossCorrSettings) withDefaults() CrossCorrSettings {
	if s.MinCorrelation <= 0 {
		s.MinCorrelation = 0.6
	}
	if s.CoeffTieTol <= 0 {
		s.CoeffTieTol = 0.05
	}
	if s.MaxLagFrac <= 0 {
		s.MaxLagFrac = 0.5
	}
	if s.SmoothSigma <= 0 {
		s.SmoothSigma = 1
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 10
	}
	return s
}

// CorrResult is the outcome of one lag correlation. Flag carries
// ErrLowCorrelation when the peak fell below the threshold; the
// result is still filled in and usable at the caller's discretion.
type CorrResult struct {
	LagS float64 // best lag, seconds; the far signal trails by this
	Peak float64 // correlation coefficient at the best lag

	Flag error

	// Per-lag diagnostics, aligned slices.
	Lags   []float64
	Coeffs []float64
}

// Speed converts the lag into a transport speed given the ground
// separation of the two lines in metres.
func (r CorrResult) Speed(separationM float64) (float64, error) {
	if r.LagS <= 0 {
		return 0, ErrZeroLag
	}
	return separationM / r.LagS, nil
}

// Correlate estimates the time lag between two scalar signals sampled
// at the same instants: typically integrated column amounts on two
// parallel cross-section lines, where the far line sees the plume
// later. Irregularly sampled series are first interpolated onto a
// regular grid at a quarter of the mean acquisition step; both signals
// are gaussian-smoothed, then a Pearson coefficient is computed per
// circular shift inside the lag window. Ties within CoeffTieTol go to
// the smallest lag.
func Correlate(times []time.Time, near, far []float64, s CrossCorrSettings) (CorrResult, error) {
	s = s.withDefaults()
	if len(times) != len(near) || len(times) != len(far) {
		return CorrResult{}, fmt.Errorf("%w: %d times, %d near, %d far", ErrBadSignals, len(times), len(near), len(far))
	}
	if len(times) < s.MinSamples {
		return CorrResult{}, fmt.Errorf("%w: %d samples, need %d", ErrShortSeries, len(times), s.MinSamples)
	}

	ts := make([]float64, len(times))
	t0 := times[0]
	for i, t := range times {
		ts[i] = t.Sub(t0).Seconds()
		if i > 0 && ts[i] <= ts[i-1] {
			return CorrResult{}, fmt.Errorf("%w: times not strictly increasing at %d", ErrBadSignals, i)
		}
	}

	a := append([]float64(nil), near...)
	b := append([]float64(nil), far...)
	step := meanStep(ts)
	if !s.SkipResample {
		var err error
		step = step / 4
		ts, a, b, err = resample(ts, a, b, step)
		if err != nil {
			return CorrResult{}, err
		}
	}

	a = gaussianSmooth(a, s.SmoothSigma)
	b = gaussianSmooth(b, s.SmoothSigma)

	maxLag := int(float64(len(a)) * s.MaxLagFrac)
	if maxLag < 1 {
		maxLag = 1
	}

	res := CorrResult{
		Lags:   make([]float64, 0, maxLag+1),
		Coeffs: make([]float64, 0, maxLag+1),
	}
	shifted := make([]float64, len(a))
	for k := 0; k <= maxLag; k++ {
		// Roll the near signal forward by k samples so that at the
		// true lag it lines up with the far one.
		for i := range a {
			shifted[(i+k)%len(a)] = a[i]
		}
		res.Lags = append(res.Lags, float64(k)*step)
		res.Coeffs = append(res.Coeffs, stat.Correlation(shifted, b, nil))
	}

	best := 0
	for i, c := range res.Coeffs {
		if c > res.Coeffs[best] {
			best = i
		}
	}
	// Smallest plausible lag among near-ties. Only distinct local
	// maxima compete, so the rising shoulder of the main peak cannot
	// pull the estimate early.
	for i := 0; i < best; i++ {
		if res.Coeffs[i] < res.Coeffs[best]-s.CoeffTieTol {
			continue
		}
		leftOK := i == 0 || res.Coeffs[i] >= res.Coeffs[i-1]
		if leftOK && res.Coeffs[i] >= res.Coeffs[i+1] {
			best = i
			break
		}
	}

	res.LagS = res.Lags[best]
	res.Peak = res.Coeffs[best]
	if res.Peak < s.MinCorrelation {
		res.Flag = fmt.Errorf("%w: peak %.3f below %.3f", ErrLowCorrelation, res.Peak, s.MinCorrelation)
	}
	return res, nil
}

func meanStep(ts []float64) float64 {
	if len(ts) < 2 {
		return 1
	}
	return (ts[len(ts)-1] - ts[0]) / float64(len(ts)-1)
}

// resample interpolates both signals onto a regular grid spanning the
// original time range.
func resample(ts, a, b []float64, step float64) (gts, ga, gb []float64, err error) {
	if step <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: non-positive resampling step", ErrBadSignals)
	}
	var ia, ib interp.PiecewiseLinear
	if err := ia.Fit(ts, a); err != nil {
		return nil, nil, nil, fmt.Errorf("resample near signal: %w", err)
	}
	if err := ib.Fit(ts, b); err != nil {
		return nil, nil, nil, fmt.Errorf("resample far signal: %w", err)
	}

	span := ts[len(ts)-1] - ts[0]
	n := int(span/step) + 1
	gts = make([]float64, n)
	ga = make([]float64, n)
	gb = make([]float64, n)
	for i := 0; i < n; i++ {
		x := ts[0] + float64(i)*step
		if x > ts[len(ts)-1] {
			x = ts[len(ts)-1]
		}
		gts[i] = x
		ga[i] = ia.Predict(x)
		gb[i] = ib.Predict(x)
	}
	return gts, ga, gb, nil
}

// gaussianSmooth convolves with a normalised gaussian kernel,
// reflecting the signal at its ends.
func gaussianSmooth(x []float64, sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	if radius < 1 {
		return append([]float64(nil), x...)
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	out := make([]float64, len(x))
	n := len(x)
	for i := range x {
		acc := 0.0
		for j, kv := range kernel {
			idx := i + j - radius
			// Reflect at the borders.
			if idx < 0 {
				idx = -idx - 1
			}
			if idx >= n {
				idx = 2*n - idx - 1
			}
			if idx < 0 {
				idx = 0
			} else if idx >= n {
				idx = n - 1
			}
			acc += kv * x[idx]
		}
		out[i] = acc
	}
	return out
}
