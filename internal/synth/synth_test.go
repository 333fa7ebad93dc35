package synth

import (
	"math"
	"testing"
	"time"
)

func TestFrames_ShapeAndCadence(t *testing.T) {
	sc := Scene{}.withDefaults()
	frames := sc.Frames(5)
	if len(frames) != 5 {
		t.Fatalf("len(frames) = %d, want 5", len(frames))
	}
	for i, f := range frames {
		if f.W != sc.W || f.H != sc.H {
			t.Fatalf("frame %d shape %dx%d, want %dx%d", i, f.W, f.H, sc.W, sc.H)
		}
		want := sc.Start.Add(time.Duration(i) * sc.Interval)
		if !f.Timestamp.Equal(want) {
			t.Fatalf("frame %d timestamp %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestFrames_ShiftMatchesSpeed(t *testing.T) {
	sc := Scene{}.withDefaults()
	// 10 m/s over 600 ms at 2 m/px is a 3 px shift per frame.
	shift := int(sc.SpeedMS / sc.ScaleM * sc.Interval.Seconds())
	if shift != 3 {
		t.Fatalf("per-frame shift = %d px, want 3", shift)
	}
	frames := sc.Frames(2)
	tol := 1e-6 * sc.PeakCD
	for y := 0; y < sc.H; y++ {
		for x := shift; x < sc.W; x++ {
			got := frames[1].At(x, y)
			want := frames[0].At(x-shift, y)
			if math.Abs(got-want) > tol {
				t.Fatalf("frame 1 at (%d,%d) = %g, frame 0 at (%d,%d) = %g",
					x, y, got, x-shift, y, want)
			}
		}
	}
}

func TestFrames_PeriodicInSpacing(t *testing.T) {
	sc := Scene{}.withDefaults()
	// Eight 3 px steps cover one 24 px puff spacing, so frame 8
	// repeats frame 0.
	frames := sc.Frames(9)
	tol := 1e-6 * sc.PeakCD
	for y := 0; y < sc.H; y++ {
		for x := 0; x < sc.W; x++ {
			if d := math.Abs(frames[8].At(x, y) - frames[0].At(x, y)); d > tol {
				t.Fatalf("period mismatch at (%d,%d): diff %g", x, y, d)
			}
		}
	}
}

func TestFrames_NoiseSeeding(t *testing.T) {
	noisy := Scene{NoiseCD: 1e15, Seed: 7}
	a := noisy.Frames(2)
	b := noisy.Frames(2)
	for i := range a {
		for j := range a[i].Pix {
			if a[i].Pix[j] != b[i].Pix[j] {
				t.Fatalf("same seed produced different frames at %d/%d", i, j)
			}
		}
	}

	other := Scene{NoiseCD: 1e15, Seed: 8}.Frames(1)
	same := true
	for j := range other[0].Pix {
		if other[0].Pix[j] != a[0].Pix[j] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical noise")
	}

	clean := Scene{}.Frames(1)
	var sc Scene
	sc = sc.withDefaults()
	for y := 0; y < sc.H; y++ {
		for x := 0; x < sc.W; x++ {
			if clean[0].At(x, y) != sc.cd(float64(x), float64(y), 0) {
				t.Fatalf("noiseless frame deviates from analytic field at (%d,%d)", x, y)
			}
		}
	}
}

func TestLine_DownstreamNormal(t *testing.T) {
	sc := Scene{}.withDefaults()
	line := sc.Line()
	if err := line.Validate(); err != nil {
		t.Fatalf("Line().Validate: %v", err)
	}
	nx, ny := line.Normal()
	if math.Abs(nx-1) > 1e-12 || math.Abs(ny) > 1e-12 {
		t.Fatalf("normal = (%g, %g), want (1, 0)", nx, ny)
	}
	if line.Y0 > sc.CentreY-3*sc.SigmaYPx || line.Y1 < sc.CentreY+3*sc.SigmaYPx {
		t.Fatalf("line %g..%g does not span the plume at %g sigma %g",
			line.Y0, line.Y1, sc.CentreY, sc.SigmaYPx)
	}
}

func TestTrueMeanFlux_ClosedForm(t *testing.T) {
	sc := Scene{}.withDefaults()
	line := sc.Line()
	got := sc.TrueMeanFlux(line, 8)

	// Gaussian sums collapse to sqrt(2*pi)*sigma terms; the puff
	// train averaged over a full period contributes its duty factor
	// sigma_x/spacing. Only the 4-sigma line truncation separates
	// this from the rendered value.
	conv := 1e4 * 64.0638 / 6.022140857e23
	sqrt2pi := math.Sqrt(2 * math.Pi)
	colSum := sc.PeakCD * sqrt2pi * sc.SigmaYPx * sc.ScaleM
	duty := sqrt2pi * sc.SigmaXPx / sc.SpacingPx
	want := conv * sc.SpeedMS * colSum * duty

	if math.Abs(got-want) > 1e-3*want {
		t.Fatalf("TrueMeanFlux = %g, closed form %g", got, want)
	}
	if got <= 0 {
		t.Fatalf("TrueMeanFlux = %g, want positive for downstream normal", got)
	}
}

func TestTrueMeanFlux_MatchesRenderedFrames(t *testing.T) {
	sc := Scene{}.withDefaults()
	line := sc.Line()
	n := 5
	frames := sc.Frames(n)

	conv := 1e4 * 64.0638 / 6.022140857e23
	var mean float64
	for _, f := range frames {
		var col float64
		for _, p := range line.Points() {
			col += f.Sample(p.X, p.Y) * sc.ScaleM
		}
		mean += conv * sc.SpeedMS * col
	}
	mean /= float64(n)

	got := sc.TrueMeanFlux(line, n)
	if math.Abs(got-mean) > 1e-9*math.Abs(mean) {
		t.Fatalf("TrueMeanFlux = %g, rendered frames give %g", got, mean)
	}
}
