package model

import (
	"math"
	"testing"
)

func TestCrossSection_NormalRight(t *testing.T) {
	// Horizontal line left to right: the "right" normal points up the
	// image (negative y).
	c := CrossSection{ID: "pcs", X0: 10, Y0: 10, X1: 90, Y1: 10}
	nx, ny := c.Normal()
	if math.Abs(nx) > 1e-12 || math.Abs(ny+1) > 1e-12 {
		t.Errorf("horizontal line: got normal (%g, %g), want (0, -1)", nx, ny)
	}

	// Vertical line top to bottom: normal points to +x.
	c = CrossSection{ID: "pcs", X0: 10, Y0: 10, X1: 10, Y1: 90}
	nx, ny = c.Normal()
	if math.Abs(nx-1) > 1e-12 || math.Abs(ny) > 1e-12 {
		t.Errorf("vertical line: got normal (%g, %g), want (1, 0)", nx, ny)
	}
}

func TestCrossSection_NormalLeft(t *testing.T) {
	c := CrossSection{ID: "pcs", X0: 10, Y0: 10, X1: 10, Y1: 90, Side: NormalLeft}
	nx, ny := c.Normal()
	if math.Abs(nx+1) > 1e-12 || math.Abs(ny) > 1e-12 {
		t.Errorf("got normal (%g, %g), want (-1, 0)", nx, ny)
	}
}

func TestCrossSection_PointsSpanEndpoints(t *testing.T) {
	c := CrossSection{ID: "pcs", X0: 0, Y0: 0, X1: 30, Y1: 40}
	pts := c.Points()
	if len(pts) < 50 {
		t.Fatalf("expected roughly unit spacing over a 50 px line, got %d points", len(pts))
	}
	first, last := pts[0], pts[len(pts)-1]
	if first.X != 0 || first.Y != 0 {
		t.Errorf("first point %+v, want origin", first)
	}
	if math.Abs(last.X-30) > 1e-9 || math.Abs(last.Y-40) > 1e-9 {
		t.Errorf("last point %+v, want (30, 40)", last)
	}
}

func TestCrossSection_OffsetMovesAlongNormal(t *testing.T) {
	c := CrossSection{ID: "pcs", X0: 10, Y0: 10, X1: 10, Y1: 90}
	far := c.Offset(25)
	if math.Abs(far.X0-35) > 1e-9 || math.Abs(far.Y0-10) > 1e-9 {
		t.Errorf("offset start (%g, %g), want (35, 10)", far.X0, far.Y0)
	}
	if far.Length() != c.Length() {
		t.Errorf("offset changed length: %g vs %g", far.Length(), c.Length())
	}
}

func TestCrossSection_ValidateRejectsDegenerate(t *testing.T) {
	if err := (CrossSection{ID: "pcs", X0: 5, Y0: 5, X1: 5, Y1: 5}).Validate(); err == nil {
		t.Errorf("expected error for zero-length line")
	}
	if err := (CrossSection{X0: 0, Y0: 0, X1: 10, Y1: 0}).Validate(); err == nil {
		t.Errorf("expected error for empty id")
	}
}
