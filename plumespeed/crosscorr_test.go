package plumespeed

import (
	"errors"
	"math"
	"testing"
	"time"
)

func bump(t, centre, sigma float64) float64 {
	d := (t - centre) / sigma
	return math.Exp(-d * d / 2)
}

func secondsGrid(n int, step time.Duration) []time.Time {
	base := time.Date(2015, 9, 16, 7, 6, 0, 0, time.UTC)
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = base.Add(time.Duration(i) * step)
	}
	return ts
}

func TestCorrelate_KnownLag(t *testing.T) {
	// Same bump on both lines, the far one 5 s later.
	n := 60
	times := secondsGrid(n, time.Second)
	near := make([]float64, n)
	far := make([]float64, n)
	for i := 0; i < n; i++ {
		ti := float64(i)
		near[i] = bump(ti, 25, 4)
		far[i] = bump(ti, 30, 4)
	}

	res, err := Correlate(times, near, far, CrossCorrSettings{})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if math.Abs(res.LagS-5) > 0.5 {
		t.Errorf("lag = %.2f s, want ~5", res.LagS)
	}
	if res.Peak < 0.9 {
		t.Errorf("peak = %.3f, want > 0.9", res.Peak)
	}
	if res.Flag != nil {
		t.Errorf("unexpected flag: %v", res.Flag)
	}

	speed, err := res.Speed(100)
	if err != nil {
		t.Fatalf("Speed: %v", err)
	}
	if math.Abs(speed-20) > 2.5 {
		t.Errorf("speed = %.2f m/s, want ~20", speed)
	}
}

func TestCorrelate_TieBreakSmallestLag(t *testing.T) {
	// Two bump pairs arranged so a perfect alignment exists at lag 42
	// and a near-perfect one at lag 10. The estimate must settle on
	// the smaller lag.
	n := 64
	times := secondsGrid(n, time.Second)
	near := make([]float64, n)
	far := make([]float64, n)
	for i := 0; i < n; i++ {
		ti := float64(i)
		near[i] = 0.98*bump(ti, 10, 1.5) + bump(ti, 42, 1.5)
		far[i] = bump(ti, 20, 1.5) + 0.98*bump(ti, 52, 1.5)
	}

	res, err := Correlate(times, near, far, CrossCorrSettings{
		SkipResample: true,
		MaxLagFrac:   0.75,
	})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if math.Abs(res.LagS-10) > 1e-9 {
		t.Errorf("lag = %.3f s, want exactly 10", res.LagS)
	}
	// The raw argmax is the perfect alignment at 42 s; only the
	// tie-break moves it.
	if res.Coeffs[42] <= res.Coeffs[10] {
		t.Errorf("coeff(42)=%.5f should exceed coeff(10)=%.5f", res.Coeffs[42], res.Coeffs[10])
	}
	if res.Flag != nil {
		t.Errorf("unexpected flag: %v", res.Flag)
	}
}

func TestCorrelate_SmoothPeakNotPulledEarly(t *testing.T) {
	// A single smooth peak has a long shoulder of near-tie lags; none
	// of them is a competing maximum, so the lag must stay put.
	n := 80
	times := secondsGrid(n, time.Second)
	near := make([]float64, n)
	far := make([]float64, n)
	for i := 0; i < n; i++ {
		ti := float64(i)
		near[i] = bump(ti, 30, 6)
		far[i] = bump(ti, 42, 6)
	}

	res, err := Correlate(times, near, far, CrossCorrSettings{})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if math.Abs(res.LagS-12) > 0.6 {
		t.Errorf("lag = %.2f s, want ~12", res.LagS)
	}
}

func TestCorrelate_LowCorrelationFlaggedNotFatal(t *testing.T) {
	n := 64
	times := secondsGrid(n, time.Second)
	near := make([]float64, n)
	far := make([]float64, n)
	for i := 0; i < n; i++ {
		near[i] = bump(float64(i), 30, 3)
		far[i] = float64(i) / float64(n-1) // unrelated drift
	}

	res, err := Correlate(times, near, far, CrossCorrSettings{SkipResample: true})
	if err != nil {
		t.Fatalf("Correlate must not fail on weak correlation: %v", err)
	}
	if res.Flag == nil {
		t.Fatal("expected a low-correlation flag")
	}
	if !errors.Is(res.Flag, ErrLowCorrelation) {
		t.Errorf("flag = %v, want ErrLowCorrelation", res.Flag)
	}
	if res.Peak >= 0.6 {
		t.Errorf("peak = %.3f, expected below the default threshold", res.Peak)
	}
	if len(res.Lags) == 0 || len(res.Coeffs) != len(res.Lags) {
		t.Errorf("correlation curve not retained: %d lags, %d coeffs", len(res.Lags), len(res.Coeffs))
	}
}

func TestCorrelate_IrregularSamplingResampled(t *testing.T) {
	// Jittered acquisition times; the far signal trails by 6 s.
	n := 45
	base := time.Date(2015, 9, 16, 7, 6, 0, 0, time.UTC)
	jitterMs := []int{0, 120, -90, 200, -150, 60, -40}
	times := make([]time.Time, n)
	near := make([]float64, n)
	far := make([]float64, n)
	for i := 0; i < n; i++ {
		off := time.Duration(i)*time.Second + time.Duration(jitterMs[i%len(jitterMs)])*time.Millisecond
		times[i] = base.Add(off)
		ti := times[i].Sub(base).Seconds()
		near[i] = bump(ti, 18, 4)
		far[i] = bump(ti-6, 18, 4)
	}

	res, err := Correlate(times, near, far, CrossCorrSettings{})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if math.Abs(res.LagS-6) > 1 {
		t.Errorf("lag = %.2f s, want ~6", res.LagS)
	}
	if res.Flag != nil {
		t.Errorf("unexpected flag: %v", res.Flag)
	}
}

func TestCorrelate_Validation(t *testing.T) {
	times := secondsGrid(20, time.Second)
	sig := make([]float64, 20)

	if _, err := Correlate(times, sig[:19], sig, CrossCorrSettings{}); !errors.Is(err, ErrBadSignals) {
		t.Errorf("length mismatch: got %v, want ErrBadSignals", err)
	}
	if _, err := Correlate(times[:5], sig[:5], sig[:5], CrossCorrSettings{}); !errors.Is(err, ErrShortSeries) {
		t.Errorf("short series: got %v, want ErrShortSeries", err)
	}

	backwards := append([]time.Time(nil), times...)
	backwards[7] = backwards[6]
	if _, err := Correlate(backwards, sig, sig, CrossCorrSettings{}); !errors.Is(err, ErrBadSignals) {
		t.Errorf("non-increasing times: got %v, want ErrBadSignals", err)
	}
}

func TestSpeed_ZeroLag(t *testing.T) {
	if _, err := (CorrResult{LagS: 0}).Speed(150); !errors.Is(err, ErrZeroLag) {
		t.Errorf("got %v, want ErrZeroLag", err)
	}
	speed, err := (CorrResult{LagS: 5}).Speed(150)
	if err != nil {
		t.Fatalf("Speed: %v", err)
	}
	if math.Abs(speed-30) > 1e-12 {
		t.Errorf("speed = %g, want 30", speed)
	}
}
