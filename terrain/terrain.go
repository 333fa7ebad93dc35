// Package terrain holds the elevation data that viewing rays are cast
// against. Grids live in the local scene frame: x east, y north,
// metres relative to the camera ground position, elevations above sea
// level.
package terrain

import (
	"fmt"
	"math"
)

// Grid is a regular east/north elevation raster. It is read-only after
// construction and therefore safe to share across goroutines.
type Grid struct {
	OriginEastM  float64 // east offset of cell (0,0) from the scene origin
	OriginNorthM float64
	SpacingM     float64
	Cols, Rows   int
	ElevationsM  []float64 // row-major, Rows*Cols values
}

// NewGrid validates the raster shape and returns the grid.
func NewGrid(originEast, originNorth, spacing float64, cols, rows int, elev []float64) (*Grid, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("terrain grid: spacing %g m", spacing)
	}
	if cols < 2 || rows < 2 {
		return nil, fmt.Errorf("terrain grid: need at least 2x2 cells, got %dx%d", cols, rows)
	}
	if len(elev) != cols*rows {
		return nil, fmt.Errorf("terrain grid: %d elevations for %dx%d cells", len(elev), cols, rows)
	}
	return &Grid{
		OriginEastM:  originEast,
		OriginNorthM: originNorth,
		SpacingM:     spacing,
		Cols:         cols,
		Rows:         rows,
		ElevationsM:  elev,
	}, nil
}

// ElevationAt returns the bilinearly interpolated elevation at the
// given scene coordinates. ok is false outside the grid footprint.
func (g *Grid) ElevationAt(eastM, northM float64) (float64, bool) {
	fx := (eastM - g.OriginEastM) / g.SpacingM
	fy := (northM - g.OriginNorthM) / g.SpacingM
	if fx < 0 || fy < 0 || fx > float64(g.Cols-1) || fy > float64(g.Rows-1) {
		return 0, false
	}

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	if x0 >= g.Cols-1 {
		x0 = g.Cols - 2
	}
	if y0 >= g.Rows-1 {
		y0 = g.Rows - 2
	}
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	v00 := g.ElevationsM[y0*g.Cols+x0]
	v10 := g.ElevationsM[y0*g.Cols+x0+1]
	v01 := g.ElevationsM[(y0+1)*g.Cols+x0]
	v11 := g.ElevationsM[(y0+1)*g.Cols+x0+1]

	top := v00 + tx*(v10-v00)
	bot := v01 + tx*(v11-v01)
	return top + ty*(bot-top), true
}

// Flat is an infinite horizontal surface at a fixed elevation, handy
// for synthetic scenes and flat-terrain approximations.
type Flat struct {
	ElevationM float64
}

// ElevationAt always returns the fixed elevation.
func (f Flat) ElevationAt(eastM, northM float64) (float64, bool) {
	return f.ElevationM, true
}
