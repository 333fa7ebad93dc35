package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/soniakeys/unit"

	"github.com/heliotropium72/plumeflux/fluxcalc"
	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/terrain"
)

// Scenario is a validated retrieval setup: where the camera sits,
// what it looks at, and where the transects cut the plume.
type Scenario struct {
	Pose      model.CameraPose
	Terrain   geom.Terrain
	PlumeAltM float64
	Geometry  geom.Settings

	Sections []model.CrossSection
	ROI      model.ROI

	OffsetPx     float64
	AllowFlagged bool
	SpeedErrRel  float64
	Flux         fluxcalc.Settings
}

// internal JSON shapes, kept unexported so the wire format can evolve.
type scenarioJSON struct {
	Camera         cameraJSON         `json:"camera"`
	PlumeAltitudeM float64            `json:"plume_altitude_m"`
	Terrain        *terrainJSON       `json:"terrain"`
	Geometry       *geometryJSON      `json:"geometry"`
	CrossSections  []crossSectionJSON `json:"cross_sections"`
	ROI            *roiJSON           `json:"roi"`
	Retrieval      *retrievalJSON     `json:"retrieval"`
}

type cameraJSON struct {
	LatDeg       float64 `json:"lat_deg"`
	LonDeg       float64 `json:"lon_deg"`
	AltitudeM    float64 `json:"altitude_m"`
	AzimuthDeg   float64 `json:"azimuth_deg"`
	ElevationDeg float64 `json:"elevation_deg"`
	FocalLengthM float64 `json:"focal_length_m"`
	PixelPitchM  float64 `json:"pixel_pitch_m"`
	ImageWidth   int     `json:"image_width"`
	ImageHeight  int     `json:"image_height"`
}

type terrainJSON struct {
	FlatElevationM float64   `json:"flat_elevation_m"`
	Grid           *gridJSON `json:"grid"`
}

type gridJSON struct {
	OriginEastM  float64   `json:"origin_east_m"`
	OriginNorthM float64   `json:"origin_north_m"`
	SpacingM     float64   `json:"spacing_m"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	ElevationsM  []float64 `json:"elevations_m"`
}

type geometryJSON struct {
	MaxRangeM  float64 `json:"max_range_m"`
	StepM      float64 `json:"step_m"`
	DistErrRel float64 `json:"dist_err_rel"`
}

type crossSectionJSON struct {
	ID   string  `json:"id"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	Side string  `json:"side"` // "right" | "left"
}

type roiJSON struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

type retrievalJSON struct {
	OffsetPx     float64 `json:"offset_px"`
	AllowFlagged bool    `json:"allow_flagged_fallback"`
	SpeedErrRel  float64 `json:"speed_err_rel"`
	MinCD        float64 `json:"min_cd"`
	CDErr        float64 `json:"cd_err"`
	MolMassG     float64 `json:"mol_mass_g"`
}

// LoadScenario reads a JSON scenario from r and validates it. Flat
// terrain at sea level is assumed when no terrain block is given;
// omitted retrieval knobs keep their package defaults.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	sc := &Scenario{
		Pose: model.CameraPose{
			LatDeg:       payload.Camera.LatDeg,
			LonDeg:       payload.Camera.LonDeg,
			AltitudeM:    payload.Camera.AltitudeM,
			Azimuth:      unit.AngleFromDeg(payload.Camera.AzimuthDeg),
			Elevation:    unit.AngleFromDeg(payload.Camera.ElevationDeg),
			FocalLengthM: payload.Camera.FocalLengthM,
			PixelPitchM:  payload.Camera.PixelPitchM,
			ImageWidth:   payload.Camera.ImageWidth,
			ImageHeight:  payload.Camera.ImageHeight,
		},
		PlumeAltM: payload.PlumeAltitudeM,
	}
	if err := sc.Pose.Validate(); err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}
	if sc.PlumeAltM <= sc.Pose.AltitudeM {
		return nil, fmt.Errorf("LoadScenario: plume altitude %g m at or below the camera (%g m)",
			sc.PlumeAltM, sc.Pose.AltitudeM)
	}

	terr, err := terrainFromJSON(payload.Terrain)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}
	sc.Terrain = terr

	if g := payload.Geometry; g != nil {
		sc.Geometry = geom.Settings{
			MaxRangeM:  g.MaxRangeM,
			StepM:      g.StepM,
			DistErrRel: g.DistErrRel,
		}
	}

	if len(payload.CrossSections) == 0 {
		return nil, fmt.Errorf("LoadScenario: no cross sections")
	}
	seen := make(map[string]bool, len(payload.CrossSections))
	for _, js := range payload.CrossSections {
		cs := model.CrossSection{
			ID: js.ID,
			X0: js.X0, Y0: js.Y0,
			X1: js.X1, Y1: js.Y1,
			Side: sideFromString(js.Side),
		}
		if err := cs.Validate(); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		if seen[cs.ID] {
			return nil, fmt.Errorf("LoadScenario: duplicate cross section %q", cs.ID)
		}
		seen[cs.ID] = true
		sc.Sections = append(sc.Sections, cs)
	}

	if r := payload.ROI; r != nil {
		sc.ROI = model.ROI{X0: r.X0, Y0: r.Y0, X1: r.X1, Y1: r.Y1}
	}
	if rt := payload.Retrieval; rt != nil {
		sc.OffsetPx = rt.OffsetPx
		sc.AllowFlagged = rt.AllowFlagged
		sc.SpeedErrRel = rt.SpeedErrRel
		sc.Flux = fluxcalc.Settings{
			MinCD:    rt.MinCD,
			CDErr:    rt.CDErr,
			MolMassG: rt.MolMassG,
		}
	}
	return sc, nil
}

func terrainFromJSON(js *terrainJSON) (geom.Terrain, error) {
	if js == nil {
		return terrain.Flat{}, nil
	}
	if js.Grid == nil {
		return terrain.Flat{ElevationM: js.FlatElevationM}, nil
	}
	g := js.Grid
	return terrain.NewGrid(g.OriginEastM, g.OriginNorthM, g.SpacingM, g.Cols, g.Rows, g.ElevationsM)
}

// sideFromString maps the JSON "side" value to a normal side. Unknown
// or empty values default to "right", the downstream side of a
// top-to-bottom transect.
func sideFromString(s string) model.NormalSide {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return model.NormalLeft
	default:
		return model.NormalRight
	}
}

// ConfigFor assembles the run configuration for one cross-section.
func (s *Scenario) ConfigFor(line model.CrossSection) Config {
	return Config{
		Line:         line,
		ROI:          s.ROI,
		OffsetPx:     s.OffsetPx,
		Flux:         s.Flux,
		AllowFlagged: s.AllowFlagged,
		SpeedErrRel:  s.SpeedErrRel,
	}
}

// BuildGeometry ray-casts the scenario's viewing geometry and installs
// the field into the store.
func (s *Scenario) BuildGeometry(store *geom.Store) (*geom.Field, error) {
	return store.Rebuild(s.Pose, s.Terrain, s.PlumeAltM, s.Geometry)
}

// DemoScenario is a ready-to-run volcano setup: a camera on the lower
// flank looking up at a plume plane, one transect through the image
// centre. The CLI uses it when no scenario file is given.
func DemoScenario() *Scenario {
	return &Scenario{
		Pose: model.CameraPose{
			LatDeg:       37.73122,
			LonDeg:       15.1129,
			AltitudeM:    803,
			Azimuth:      unit.AngleFromDeg(274),
			Elevation:    unit.AngleFromDeg(15),
			FocalLengthM: 25e-3,
			PixelPitchM:  4.65e-6,
			ImageWidth:   128,
			ImageHeight:  96,
		},
		Terrain:   terrain.Flat{},
		PlumeAltM: 3400,
		Sections: []model.CrossSection{{
			ID: "summit-transect",
			X0: 64, Y0: 8,
			X1: 64, Y1: 88,
			Side: model.NormalRight,
		}},
		OffsetPx: 10,
	}
}
