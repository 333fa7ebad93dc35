package model

import (
	"time"

	"github.com/soniakeys/unit"
)

// VelocityMethod tags how a plume velocity estimate was obtained.
type VelocityMethod int

const (
	VelocityUnknown          VelocityMethod = iota
	VelocityFlowHistogram                   // dense optical flow + histogram post-analysis
	VelocityCrossCorrelation                // two-line signal lag correlation
	VelocityFlowRaw                         // per-pixel flow projected directly onto the line
)

func (m VelocityMethod) String() string {
	switch m {
	case VelocityFlowHistogram:
		return "flow-histogram"
	case VelocityCrossCorrelation:
		return "cross-correlation"
	case VelocityFlowRaw:
		return "flow-raw"
	default:
		return "unknown"
	}
}

// VelocityEstimate is a plume transport estimate valid over a time
// interval. Direction is measured counterclockwise from the image
// x axis with upward motion positive (screen y points down), so a
// plume drifting to the right has direction 0 and one rising straight
// up has direction +pi/2.
type VelocityEstimate struct {
	Speed    float64 // m/s
	SpeedErr float64 // m/s, one sigma

	Direction    unit.Angle
	DirectionErr unit.Angle

	Method VelocityMethod

	// Flagged marks an estimate retained despite a failed quality
	// check (e.g. a correlation peak below threshold). Downstream
	// consumers decide whether to use or discard it.
	Flagged bool

	Start, Stop time.Time

	// GeometryVersion records which geometry field the pixel-to-metre
	// conversion came from. Mixing versions in one flux sample is a
	// caller bug.
	GeometryVersion uint64
}

// Components returns the velocity as an image-coordinate vector in
// m/s: vx along +x, vy along +y (downward).
func (v VelocityEstimate) Components() (vx, vy float64) {
	return v.Speed * v.Direction.Cos(), -v.Speed * v.Direction.Sin()
}

// Covers reports whether t lies inside the estimate's validity
// interval (inclusive on both ends). A zero Start/Stop pair covers
// everything, which is what sequence-wide estimates use.
func (v VelocityEstimate) Covers(t time.Time) bool {
	if v.Start.IsZero() && v.Stop.IsZero() {
		return true
	}
	return !t.Before(v.Start) && !t.After(v.Stop)
}
