package model

import (
	"fmt"

	"github.com/soniakeys/unit"
)

// CameraPose describes where the camera sits and where it points.
// Position is geodetic; viewing angles follow the usual field
// convention: azimuth clockwise from north, elevation above the
// geometric horizon (negative looks down).
type CameraPose struct {
	LatDeg    float64 // geodetic latitude, degrees
	LonDeg    float64 // geodetic longitude, degrees
	AltitudeM float64 // metres above sea level

	Azimuth   unit.Angle // optical axis, clockwise from north
	Elevation unit.Angle // optical axis, above the horizon

	FocalLengthM float64 // e.g. 25e-3 for a 25 mm lens
	PixelPitchM  float64 // detector pixel size, e.g. 4.65e-6

	ImageWidth  int
	ImageHeight int
}

// Validate reports structural problems that would make per-pixel
// geometry reconstruction meaningless.
func (p CameraPose) Validate() error {
	if p.ImageWidth <= 0 || p.ImageHeight <= 0 {
		return fmt.Errorf("camera pose: bad detector shape %dx%d", p.ImageWidth, p.ImageHeight)
	}
	if p.FocalLengthM <= 0 {
		return fmt.Errorf("camera pose: focal length %g m", p.FocalLengthM)
	}
	if p.PixelPitchM <= 0 {
		return fmt.Errorf("camera pose: pixel pitch %g m", p.PixelPitchM)
	}
	if p.LatDeg < -90 || p.LatDeg > 90 {
		return fmt.Errorf("camera pose: latitude %g out of range", p.LatDeg)
	}
	if p.LonDeg < -180 || p.LonDeg > 360 {
		return fmt.Errorf("camera pose: longitude %g out of range", p.LonDeg)
	}
	return nil
}

// IFOV returns the per-pixel instantaneous field of view in radians.
// Ground scale at distance d is d * IFOV metres per pixel.
func (p CameraPose) IFOV() float64 {
	return p.PixelPitchM / p.FocalLengthM
}
