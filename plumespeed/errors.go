package plumespeed

import "errors"

var (
	// ErrInsufficientData means too few confident flow vectors for a
	// histogram estimate; callers fall back to cross-correlation.
	ErrInsufficientData = errors.New("insufficient confident flow vectors")

	// ErrLowCorrelation is attached to retained-but-flagged
	// correlation results, never returned as a hard failure.
	ErrLowCorrelation = errors.New("correlation peak below threshold")

	ErrShortSeries = errors.New("signal series too short")
	ErrBadSignals  = errors.New("signals malformed")
	ErrZeroLag     = errors.New("zero lag, speed undefined")
	ErrBadInterval = errors.New("non-positive frame interval")
)
