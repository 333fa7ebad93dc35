package geom

import "errors"

var (
	ErrPoseInvalid    = errors.New("invalid camera pose")
	ErrNoTerrain      = errors.New("no terrain model")
	ErrNoIntersection = errors.New("ray does not intersect terrain or plume plane")
	ErrShapeMismatch  = errors.New("geometry field shape mismatch")
	ErrNoField        = errors.New("no geometry field built yet")
)
