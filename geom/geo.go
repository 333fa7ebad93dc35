package geom

import (
	"math"

	"github.com/soniakeys/unit"

	"github.com/heliotropium72/plumeflux/model"
)

// EarthRadiusM is the mean Earth radius used for the small-area
// geodetic helpers below (metres).
const EarthRadiusM = 6371e3

// HaversineM returns the great-circle ground distance between two
// geodetic points in metres.
func HaversineM(lat1Deg, lon1Deg, lat2Deg, lon2Deg float64) float64 {
	la1 := unit.AngleFromDeg(lat1Deg).Rad()
	la2 := unit.AngleFromDeg(lat2Deg).Rad()
	dla := unit.AngleFromDeg(lat2Deg - lat1Deg).Rad()
	dlo := unit.AngleFromDeg(lon2Deg - lon1Deg).Rad()

	sla := math.Sin(dla / 2)
	slo := math.Sin(dlo / 2)
	a := sla*sla + math.Cos(la1)*math.Cos(la2)*slo*slo
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(a))
}

// InitialBearing returns the forward azimuth from point 1 to point 2,
// clockwise from north.
func InitialBearing(lat1Deg, lon1Deg, lat2Deg, lon2Deg float64) unit.Angle {
	la1 := unit.AngleFromDeg(lat1Deg).Rad()
	la2 := unit.AngleFromDeg(lat2Deg).Rad()
	dlo := unit.AngleFromDeg(lon2Deg - lon1Deg).Rad()

	y := math.Sin(dlo) * math.Cos(la2)
	x := math.Cos(la1)*math.Sin(la2) - math.Sin(la1)*math.Cos(la2)*math.Cos(dlo)
	b := math.Atan2(y, x)
	if b < 0 {
		b += 2 * math.Pi
	}
	return unit.Angle(b)
}

// SourceGeometry derives the bearing and horizontal ground distance
// from the camera to an emission source given only coordinates.
// Useful when siting a camera: the bearing is the azimuth to point the
// optical axis at the source, and the distance anchors the plume
// plane when no terrain intersection is available.
func SourceGeometry(pose model.CameraPose, srcLatDeg, srcLonDeg float64) (bearing unit.Angle, horizDistM float64) {
	bearing = InitialBearing(pose.LatDeg, pose.LonDeg, srcLatDeg, srcLonDeg)
	horizDistM = HaversineM(pose.LatDeg, pose.LonDeg, srcLatDeg, srcLonDeg)
	return bearing, horizDistM
}
