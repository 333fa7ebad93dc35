package fluxcalc

import "errors"

var (
	// ErrShapeMismatch marks a column-density frame whose dimensions
	// disagree with the geometry field.
	ErrShapeMismatch = errors.New("frame and geometry shapes differ")

	// ErrGeometryVersion marks a velocity estimate derived under a
	// different geometry field than the one supplied.
	ErrGeometryVersion = errors.New("geometry version mismatch")

	// ErrVelocityInterval marks a velocity estimate whose validity
	// window does not cover the frame timestamp.
	ErrVelocityInterval = errors.New("velocity estimate does not cover frame time")

	// ErrLineOutsideImage marks a cross-section with endpoints beyond
	// the image bounds.
	ErrLineOutsideImage = errors.New("cross-section outside image")

	// ErrBadInterval marks a flow field with a non-positive frame
	// interval.
	ErrBadInterval = errors.New("non-positive flow interval")

	// ErrEmptyROI marks a background region that clamps to nothing.
	ErrEmptyROI = errors.New("background roi empty")
)
