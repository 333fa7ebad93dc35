// Package fluxcalc integrates calibrated gas column-density images
// across a cross-section line into mass-flux samples with propagated
// uncertainty.
//
// For column densities in cm^-2, speeds in m/s and ground scales in
// m/px the flux comes out in g/s:
//
//	phi = C * sum(cd_i * veff * w_i),  C = 100^2 * M / N_A
//
// where veff is the transport speed projected onto the line normal and
// w_i the per-sample ground scale. Uncertainty follows first-order
// propagation over the three input terms.
package fluxcalc

import (
	"fmt"
	"math"

	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/stat"

	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/optflow"
)

const (
	// MolMassSO2 is the molar mass of sulphur dioxide in g/mol.
	MolMassSO2 = 64.0638

	// Avogadro is the number of molecules per mol.
	Avogadro = 6.022140857e23
)

// Settings tune the line integration. The zero value retrieves SO2
// with all line samples retained and a derived column-density
// uncertainty.
type Settings struct {
	// MinCD excludes line samples at or below this column density.
	// Zero keeps everything, including negative noise around clean
	// sky, which averages out over the line.
	MinCD float64

	// CDErr is the absolute column-density uncertainty in the frame's
	// units. Zero derives 20% of the mean retained value.
	CDErr float64

	// MolMassG is the molar mass of the retrieved species in g/mol.
	// Zero selects SO2.
	MolMassG float64
}

func (s Settings) withDefaults() Settings {
	if s.MolMassG <= 0 {
		s.MolMassG = MolMassSO2
	}
	return s
}

// massConversion turns sum(cd*veff*w) into g/s for cd in cm^-2.
func (s Settings) massConversion() float64 {
	return 1e4 * s.MolMassG / Avogadro
}

// Compute integrates one flux sample from a column-density frame, the
// geometry field it was taken under, a cross-section line and a single
// velocity estimate applied along the whole line.
//
// The frame and field must share shape and the estimate must carry the
// field's version and cover the frame timestamp; violations fail fast
// with the package sentinels. Line samples over invalid geometry are
// skipped. The flux keeps its sign: transport against the line normal
// integrates negative.
func Compute(cd *model.ImageFrame, field *geom.Field, line model.CrossSection, vel model.VelocityEstimate, s Settings) (model.FluxSample, error) {
	s = s.withDefaults()
	if err := validateInputs(cd, field, line); err != nil {
		return model.FluxSample{}, err
	}
	if vel.GeometryVersion != field.Version {
		return model.FluxSample{}, fmt.Errorf("%w: estimate built for %d, field is %d",
			ErrGeometryVersion, vel.GeometryVersion, field.Version)
	}
	if !vel.Covers(cd.Timestamp) {
		return model.FluxSample{}, fmt.Errorf("%w: frame at %v, estimate %v..%v",
			ErrVelocityInterval, cd.Timestamp, vel.Start, vel.Stop)
	}

	nx, ny := line.Normal()
	sin, cos := vel.Direction.Sincos()
	// Unit projection of the transport direction onto the line normal
	// and its derivative with respect to the direction angle.
	proj := nx*cos - ny*sin
	dProj := -nx*sin - ny*cos
	veff := vel.Speed * proj
	veffErr := math.Hypot(proj*vel.SpeedErr, vel.Speed*dProj*vel.DirectionErr.Rad())

	cds, ws, err := sampleLine(cd, field, line, s.MinCD)
	if err != nil {
		return model.FluxSample{}, err
	}

	cdErr := s.CDErr
	if cdErr <= 0 {
		cdErr = 0.2 * stat.Mean(cds, nil)
	}

	var sumCDW, sumW, sumCDVW float64
	for i := range cds {
		sumCDW += cds[i] * ws[i]
		sumW += ws[i]
		sumCDVW += cds[i] * veff * ws[i] * field.DistErrRel
	}

	c := s.massConversion()
	phi := c * veff * sumCDW
	d1 := veff * sumW * cdErr
	d2 := sumCDW * veffErr
	phiErr := c * math.Sqrt(d1*d1+d2*d2+sumCDVW*sumCDVW)

	return model.FluxSample{
		Time:            cd.Timestamp,
		Start:           vel.Start,
		Stop:            vel.Stop,
		CrossSectionID:  line.ID,
		Flux:            phi,
		FluxErr:         phiErr,
		Velocity:        vel,
		GeometryVersion: field.Version,
	}, nil
}

// ComputeFromFlow integrates the flux with the per-pixel displacements
// of a dense flow field instead of one line-wide estimate: the raw
// vector at every line sample is projected onto the normal and scaled
// into m/s individually. The velocity uncertainty is twice the spread
// of those effective speeds.
func ComputeFromFlow(cd *model.ImageFrame, flow *optflow.Field, field *geom.Field, line model.CrossSection, s Settings) (model.FluxSample, error) {
	s = s.withDefaults()
	if err := validateInputs(cd, field, line); err != nil {
		return model.FluxSample{}, err
	}
	fw, fh := flowDims(flow)
	if fw != cd.W || fh != cd.H {
		return model.FluxSample{}, fmt.Errorf("%w: flow %dx%d, frame %dx%d",
			ErrShapeMismatch, fw, fh, cd.W, cd.H)
	}
	delt := flow.Interval.Seconds()
	if delt <= 0 {
		return model.FluxSample{}, fmt.Errorf("%w: %v", ErrBadInterval, flow.Interval)
	}

	nx, ny := line.Normal()
	var (
		cds, ws, veffs []float64
		sumDx, sumDy   float64
	)
	for _, p := range line.Points() {
		x, y := int(math.Round(p.X)), int(math.Round(p.Y))
		_, scale, ok := field.At(x, y)
		if !ok {
			continue
		}
		v := cd.Sample(p.X, p.Y)
		if s.MinCD != 0 && v <= s.MinCD {
			continue
		}
		dx, dy, _ := flow.At(x, y)
		cds = append(cds, v)
		ws = append(ws, scale)
		veffs = append(veffs, (nx*dx+ny*dy)*scale/delt)
		sumDx += dx
		sumDy += dy
	}
	if len(cds) == 0 {
		return model.FluxSample{}, fmt.Errorf("line %s: %w", line.ID, geom.ErrNoIntersection)
	}

	cdErr := s.CDErr
	if cdErr <= 0 {
		cdErr = 0.2 * stat.Mean(cds, nil)
	}
	veffMu, veffSigma := stat.MeanStdDev(veffs, nil)
	if len(veffs) < 2 || math.IsNaN(veffSigma) {
		veffSigma = 0
	}
	veffErr := 2 * veffSigma

	var sumVW, sumCDW, sumCDVW float64
	phi := 0.0
	for i := range cds {
		phi += cds[i] * veffs[i] * ws[i]
		sumVW += veffs[i] * ws[i]
		sumCDW += cds[i] * ws[i]
		sumCDVW += cds[i] * veffs[i] * ws[i] * field.DistErrRel
	}
	c := s.massConversion()
	d1 := sumVW * cdErr
	d2 := sumCDW * veffErr
	phiErr := c * math.Sqrt(d1*d1+d2*d2+sumCDVW*sumCDVW)

	vel := model.VelocityEstimate{
		Speed:           veffMu,
		SpeedErr:        veffErr,
		Direction:       unit.Angle(math.Atan2(-sumDy, sumDx)),
		Method:          model.VelocityFlowRaw,
		Start:           cd.Timestamp,
		Stop:            cd.Timestamp.Add(flow.Interval),
		GeometryVersion: field.Version,
	}
	return model.FluxSample{
		Time:            cd.Timestamp,
		Start:           vel.Start,
		Stop:            vel.Stop,
		CrossSectionID:  line.ID,
		Flux:            c * phi,
		FluxErr:         phiErr,
		Velocity:        vel,
		GeometryVersion: field.Version,
	}, nil
}

// BackgroundStats reports mean and standard deviation of the values
// inside a background region. A drifting mean or growing spread
// indicates a degrading sky reference upstream of the calibration.
func BackgroundStats(f *model.ImageFrame, roi model.ROI) (mean, std float64, err error) {
	if vErr := f.Validate(); vErr != nil {
		return 0, 0, vErr
	}
	r := roi.Clamp(f.W, f.H)
	if r.Empty() {
		return 0, 0, fmt.Errorf("%w: %+v in %dx%d", ErrEmptyROI, roi, f.W, f.H)
	}
	vals := make([]float64, 0, r.W()*r.H())
	for y := r.Y0; y < r.Y1; y++ {
		for x := r.X0; x < r.X1; x++ {
			vals = append(vals, f.Pix[y*f.W+x])
		}
	}
	mean, std = stat.MeanStdDev(vals, nil)
	if len(vals) < 2 || math.IsNaN(std) {
		std = 0
	}
	return mean, std, nil
}

func validateInputs(cd *model.ImageFrame, field *geom.Field, line model.CrossSection) error {
	if err := cd.Validate(); err != nil {
		return err
	}
	gw, gh := fieldDims(field)
	if gw != cd.W || gh != cd.H {
		return fmt.Errorf("%w: field %dx%d, frame %dx%d",
			ErrShapeMismatch, gw, gh, cd.W, cd.H)
	}
	if err := line.Validate(); err != nil {
		return err
	}
	if math.Min(line.X0, line.X1) < 0 || math.Max(line.X0, line.X1) > float64(cd.W-1) ||
		math.Min(line.Y0, line.Y1) < 0 || math.Max(line.Y0, line.Y1) > float64(cd.H-1) {
		return fmt.Errorf("%w: %s spans (%g,%g)..(%g,%g) in %dx%d",
			ErrLineOutsideImage, line.ID, line.X0, line.Y0, line.X1, line.Y1, cd.W, cd.H)
	}
	return nil
}

// sampleLine walks the cross-section at unit-pixel steps collecting
// column density and ground scale where the geometry is valid and the
// density clears the threshold.
func sampleLine(cd *model.ImageFrame, field *geom.Field, line model.CrossSection, minCD float64) (cds, ws []float64, err error) {
	for _, p := range line.Points() {
		_, scale, ok := field.AtPoint(p.X, p.Y)
		if !ok {
			continue
		}
		v := cd.Sample(p.X, p.Y)
		if minCD != 0 && v <= minCD {
			continue
		}
		cds = append(cds, v)
		ws = append(ws, scale)
	}
	if len(cds) == 0 {
		return nil, nil, fmt.Errorf("line %s: %w", line.ID, geom.ErrNoIntersection)
	}
	return cds, ws, nil
}

func fieldDims(f *geom.Field) (int, int) {
	if f == nil {
		return 0, 0
	}
	return f.W, f.H
}

func flowDims(f *optflow.Field) (int, int) {
	if f == nil {
		return 0, 0
	}
	return f.W, f.H
}
