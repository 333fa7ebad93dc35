package fluxcalc

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/soniakeys/unit"

	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/optflow"
)

var frameTime = time.Date(2015, 9, 16, 7, 6, 30, 0, time.UTC)

func uniformCD(w, h int, cd float64) *model.ImageFrame {
	f := model.NewImageFrame(w, h, frameTime)
	for i := range f.Pix {
		f.Pix[i] = cd
	}
	return f
}

func rightwardVelocity(speed float64) model.VelocityEstimate {
	return model.VelocityEstimate{Speed: speed, Method: model.VelocityFlowHistogram}
}

func TestCompute_UniformSceneValue(t *testing.T) {
	// 51 unit-spaced samples of 1e17 cm^-2 at 2 m/px crossed at
	// 10 m/s along the line normal.
	cd := uniformCD(64, 64, 1e17)
	field := geom.UniformField(64, 64, 1000, 2)
	line := model.CrossSection{ID: "pcs", X0: 20, Y0: 5, X1: 20, Y1: 55, Side: model.NormalRight}

	sample, err := Compute(cd, field, line, rightwardVelocity(10), Settings{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := (1e4 * MolMassSO2 / Avogadro) * 10 * (51 * 1e17 * 2)
	if rel := math.Abs(sample.Flux-want) / want; rel > 1e-12 {
		t.Errorf("flux = %g g/s, want %g (rel %g)", sample.Flux, want, rel)
	}
	if sample.FluxErr <= 0 {
		t.Errorf("flux error = %g, want positive", sample.FluxErr)
	}
	if sample.CrossSectionID != "pcs" {
		t.Errorf("line id = %q", sample.CrossSectionID)
	}
	if !sample.Time.Equal(frameTime) {
		t.Errorf("sample time = %v", sample.Time)
	}
	if sample.GeometryVersion != field.Version {
		t.Errorf("geometry version = %d, want %d", sample.GeometryVersion, field.Version)
	}
}

func TestCompute_LinearInColumnDensity(t *testing.T) {
	w, h := 32, 32
	a := model.NewImageFrame(w, h, frameTime)
	b := model.NewImageFrame(w, h, frameTime)
	for i := range a.Pix {
		a.Pix[i] = 1 + float64(i%5)*0.25
		b.Pix[i] = 4 * a.Pix[i]
	}
	field := geom.UniformField(w, h, 800, 1.5)
	line := model.CrossSection{ID: "l", X0: 8, Y0: 2, X1: 24, Y1: 28, Side: model.NormalRight}
	vel := rightwardVelocity(5)

	s1, err := Compute(a, field, line, vel, Settings{})
	if err != nil {
		t.Fatalf("Compute(a): %v", err)
	}
	s2, err := Compute(b, field, line, vel, Settings{})
	if err != nil {
		t.Fatalf("Compute(b): %v", err)
	}
	if s2.Flux != 4*s1.Flux {
		t.Errorf("flux not linear in column density: %g vs 4*%g", s2.Flux, s1.Flux)
	}
}

func TestCompute_NormalProjection(t *testing.T) {
	cd := uniformCD(64, 64, 1e17)
	field := geom.UniformField(64, 64, 1000, 2)
	line := model.CrossSection{ID: "pcs", X0: 20, Y0: 5, X1: 20, Y1: 55, Side: model.NormalRight}

	aligned, err := Compute(cd, field, line, rightwardVelocity(10), Settings{})
	if err != nil {
		t.Fatalf("aligned: %v", err)
	}

	// 60 degrees off the normal keeps cos(60) = 0.5 of the flux.
	oblique := rightwardVelocity(10)
	oblique.Direction = unit.AngleFromDeg(60)
	got, err := Compute(cd, field, line, oblique, Settings{})
	if err != nil {
		t.Fatalf("oblique: %v", err)
	}
	if rel := math.Abs(got.Flux-0.5*aligned.Flux) / aligned.Flux; rel > 1e-9 {
		t.Errorf("oblique flux = %g, want half of %g", got.Flux, aligned.Flux)
	}

	// Transport against the normal integrates negative.
	reversed := rightwardVelocity(10)
	reversed.Direction = unit.AngleFromDeg(180)
	got, err = Compute(cd, field, line, reversed, Settings{})
	if err != nil {
		t.Fatalf("reversed: %v", err)
	}
	if rel := math.Abs(got.Flux+aligned.Flux) / aligned.Flux; rel > 1e-9 {
		t.Errorf("reversed flux = %g, want -%g", got.Flux, aligned.Flux)
	}
}

func TestCompute_MinCDMask(t *testing.T) {
	w, h := 16, 16
	cd := model.NewImageFrame(w, h, frameTime)
	for y := 0; y < h; y++ {
		v := 10.0
		if y >= 5 {
			v = 1
		}
		for x := 0; x < w; x++ {
			cd.Pix[y*w+x] = v
		}
	}
	field := geom.UniformField(w, h, 500, 2)
	line := model.CrossSection{ID: "l", X0: 5, Y0: 0, X1: 5, Y1: 10, Side: model.NormalRight}

	sample, err := Compute(cd, field, line, rightwardVelocity(10), Settings{MinCD: 5})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Only the 5 samples at 10 survive the threshold.
	want := (1e4 * MolMassSO2 / Avogadro) * 10 * (5 * 10 * 2)
	if rel := math.Abs(sample.Flux-want) / want; rel > 1e-12 {
		t.Errorf("flux = %g, want %g from masked line", sample.Flux, want)
	}
}

func TestCompute_ErrorPropagation(t *testing.T) {
	w, h := 16, 16
	cd := model.NewImageFrame(w, h, frameTime)
	for x := 0; x < w; x++ {
		cd.Pix[0*w+x] = 2
		cd.Pix[1*w+x] = 3
		cd.Pix[2*w+x] = 4
	}
	field := geom.UniformField(w, h, 500, 2)
	field.DistErrRel = 0.1
	line := model.CrossSection{ID: "l", X0: 5, Y0: 0, X1: 5, Y1: 2, Side: model.NormalRight}

	vel := rightwardVelocity(10)
	vel.SpeedErr = 1
	sample, err := Compute(cd, field, line, vel, Settings{CDErr: 0.5})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	c := 1e4 * MolMassSO2 / Avogadro
	d1 := 10.0 * 6 * 0.5  // veff * sum(w) * cdErr
	d2 := 18.0 * 1        // sum(cd*w) * veffErr
	d3 := 10.0 * 2 * 0.1 * 9
	wantErr := c * math.Sqrt(d1*d1+d2*d2+d3*d3)
	if rel := math.Abs(sample.FluxErr-wantErr) / wantErr; rel > 1e-12 {
		t.Errorf("flux error = %g, want %g", sample.FluxErr, wantErr)
	}

	// A velocity at right angles to the normal contributes through
	// its direction uncertainty instead of its speed.
	sideways := rightwardVelocity(10)
	sideways.Direction = unit.Angle(math.Pi / 2)
	sideways.DirectionErr = unit.Angle(0.1)
	sample, err = Compute(cd, field, line, sideways, Settings{CDErr: 0.5})
	if err != nil {
		t.Fatalf("Compute sideways: %v", err)
	}
	wantErr = c * 18 * 1 // sum(cd*w) * speed*dirErr, other terms ~0
	if rel := math.Abs(sample.FluxErr-wantErr) / wantErr; rel > 1e-9 {
		t.Errorf("sideways flux error = %g, want %g", sample.FluxErr, wantErr)
	}
}

func TestCompute_FailFast(t *testing.T) {
	cd := uniformCD(16, 16, 1e17)
	line := model.CrossSection{ID: "l", X0: 5, Y0: 0, X1: 5, Y1: 10, Side: model.NormalRight}

	if _, err := Compute(cd, geom.UniformField(32, 32, 500, 2), line, rightwardVelocity(10), Settings{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("shape: got %v, want ErrShapeMismatch", err)
	}

	field := geom.UniformField(16, 16, 500, 2)
	field.Version = 5
	stale := rightwardVelocity(10)
	stale.GeometryVersion = 4
	if _, err := Compute(cd, field, line, stale, Settings{}); !errors.Is(err, ErrGeometryVersion) {
		t.Errorf("version: got %v, want ErrGeometryVersion", err)
	}

	late := rightwardVelocity(10)
	late.GeometryVersion = 5
	late.Start = frameTime.Add(time.Hour)
	late.Stop = frameTime.Add(2 * time.Hour)
	if _, err := Compute(cd, field, line, late, Settings{}); !errors.Is(err, ErrVelocityInterval) {
		t.Errorf("interval: got %v, want ErrVelocityInterval", err)
	}

	outside := model.CrossSection{ID: "l", X0: 5, Y0: 0, X1: 5, Y1: 40, Side: model.NormalRight}
	if _, err := Compute(cd, field, outside, rightwardVelocity(10), Settings{}); !errors.Is(err, ErrLineOutsideImage) {
		t.Errorf("bounds: got %v, want ErrLineOutsideImage", err)
	}

	blind := geom.UniformField(16, 16, 500, 2)
	for i := range blind.Hits {
		blind.Hits[i] = geom.HitNone
	}
	if _, err := Compute(cd, blind, line, rightwardVelocity(10), Settings{}); !errors.Is(err, geom.ErrNoIntersection) {
		t.Errorf("blind geometry: got %v, want ErrNoIntersection", err)
	}
}

func TestComputeFromFlow_UniformMatchesAnalytic(t *testing.T) {
	w, h := 16, 16
	cd := uniformCD(w, h, 1e17)
	field := geom.UniformField(w, h, 500, 2)
	flow := &optflow.Field{
		W: w, H: h, ROI: model.FullROI(w, h),
		Dx:         make([]float64, w*h),
		Dy:         make([]float64, w*h),
		Confidence: make([]float64, w*h),
		Interval:   time.Second,
	}
	for i := range flow.Dx {
		flow.Dx[i] = 5
		flow.Confidence[i] = 1
	}
	line := model.CrossSection{ID: "l", X0: 5, Y0: 2, X1: 5, Y1: 12, Side: model.NormalRight}

	sample, err := ComputeFromFlow(cd, flow, field, line, Settings{})
	if err != nil {
		t.Fatalf("ComputeFromFlow: %v", err)
	}
	// 11 samples, each 1e17 * (5 px * 2 m/px / 1 s) * 2 m.
	want := (1e4 * MolMassSO2 / Avogadro) * (11 * 1e17 * 10 * 2)
	if rel := math.Abs(sample.Flux-want) / want; rel > 1e-12 {
		t.Errorf("flux = %g, want %g", sample.Flux, want)
	}
	if sample.Velocity.Method != model.VelocityFlowRaw {
		t.Errorf("method = %v, want flow-raw", sample.Velocity.Method)
	}
	if math.Abs(sample.Velocity.Speed-10) > 1e-12 {
		t.Errorf("mean effective speed = %g, want 10", sample.Velocity.Speed)
	}
	if sample.Velocity.SpeedErr != 0 {
		t.Errorf("speed error = %g, want 0 on a uniform field", sample.Velocity.SpeedErr)
	}
	if math.Abs(sample.Velocity.Direction.Rad()) > 1e-12 {
		t.Errorf("direction = %g, want 0", sample.Velocity.Direction.Rad())
	}

	if _, err := ComputeFromFlow(cd, &optflow.Field{W: 8, H: 8}, field, line, Settings{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("shape: got %v, want ErrShapeMismatch", err)
	}
	flow.Interval = 0
	if _, err := ComputeFromFlow(cd, flow, field, line, Settings{}); !errors.Is(err, ErrBadInterval) {
		t.Errorf("interval: got %v, want ErrBadInterval", err)
	}
}

func TestBackgroundStats(t *testing.T) {
	f := model.NewImageFrame(8, 8, frameTime)
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			f.Pix[y*8+x] = float64(x + y)
		}
	}
	mean, std, err := BackgroundStats(f, model.ROI{X0: 0, Y0: 0, X1: 4, Y1: 2})
	if err != nil {
		t.Fatalf("BackgroundStats: %v", err)
	}
	if math.Abs(mean-2) > 1e-12 {
		t.Errorf("mean = %g, want 2", mean)
	}
	if want := math.Sqrt(12.0 / 7.0); math.Abs(std-want) > 1e-12 {
		t.Errorf("std = %g, want %g", std, want)
	}

	if _, _, err := BackgroundStats(f, model.ROI{X0: 20, Y0: 20, X1: 30, Y1: 30}); !errors.Is(err, ErrEmptyROI) {
		t.Errorf("got %v, want ErrEmptyROI", err)
	}
}
