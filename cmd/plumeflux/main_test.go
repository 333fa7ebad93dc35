package main

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/internal/synth"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/pipeline"
	"github.com/heliotropium72/plumeflux/replay"
)

// TestIntegration_DemoRetrieval drives the whole demo path the way
// main does: ray-cast the demo geometry, render a synthetic plume into
// it, replay the frames and retrieve the emission-rate series.
func TestIntegration_DemoRetrieval(t *testing.T) {
	sc := pipeline.DemoScenario()
	store := geom.NewStore()
	field, err := sc.BuildGeometry(store)
	if err != nil {
		t.Fatalf("BuildGeometry: %v", err)
	}
	line := sc.Sections[0]
	st, err := field.LineStats(line)
	if err != nil {
		t.Fatalf("LineStats: %v", err)
	}

	scene := synth.Scene{
		W:        sc.Pose.ImageWidth,
		H:        sc.Pose.ImageHeight,
		ScaleM:   st.MeanScaleM,
		DistM:    st.MeanDistM,
		SpeedMS:  10,
		Interval: 400 * time.Millisecond,
	}
	rendered := scene.Frames(12)

	player, err := replay.NewPlayer(rendered, replay.Burst, 0)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	var acquired []*model.ImageFrame
	player.AddListener(func(f *model.ImageFrame) { acquired = append(acquired, f) })
	<-player.Start(context.Background())
	if len(acquired) != len(rendered) {
		t.Fatalf("acquired %d frames, want %d", len(acquired), len(rendered))
	}

	p, err := pipeline.New(store, sc.ConfigFor(line), pipeline.WithWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(context.Background(), acquired)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Gaps) != 0 {
		t.Fatalf("gaps = %v, want none", res.Gaps)
	}
	if res.Flux.Len() != len(acquired)-1 {
		t.Fatalf("flux samples = %d, want %d", res.Flux.Len(), len(acquired)-1)
	}
	mean, _ := res.Flux.Stats()
	if mean <= 0 {
		t.Fatalf("mean flux = %g, want positive transport through the transect", mean)
	}
	for i, s := range res.Flux.Samples() {
		if s.Velocity.Speed < 5 || s.Velocity.Speed > 14 {
			t.Fatalf("sample %d speed = %g m/s, want near 10", i, s.Velocity.Speed)
		}
	}
}

func TestReplayMode(t *testing.T) {
	cases := []struct {
		in   string
		want replay.Mode
	}{
		{"burst", replay.Burst},
		{"", replay.Burst},
		{"real-time", replay.RealTime},
		{"realtime", replay.RealTime},
		{"accelerated", replay.Accelerated},
	}
	for _, tc := range cases {
		got, err := replayMode(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("replayMode(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := replayMode("warp"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestPickSection(t *testing.T) {
	sc := pipeline.DemoScenario()
	line, err := pickSection(sc, "")
	if err != nil || line.ID != sc.Sections[0].ID {
		t.Fatalf("default section = %+v, %v", line, err)
	}
	line, err = pickSection(sc, "summit-transect")
	if err != nil || line.ID != "summit-transect" {
		t.Fatalf("named section = %+v, %v", line, err)
	}
	if _, err := pickSection(sc, "nope"); err == nil {
		t.Fatal("missing section accepted")
	}
}

func TestWriteReport(t *testing.T) {
	t0 := time.Date(2015, time.September, 16, 7, 6, 0, 0, time.UTC)
	res := &pipeline.Result{}
	res.Flux.Add(model.FluxSample{
		Time:           t0,
		Start:          t0,
		Stop:           t0.Add(400 * time.Millisecond),
		CrossSectionID: "t",
		Flux:           4200,
		FluxErr:        310,
		Velocity: model.VelocityEstimate{
			Speed:  9.7,
			Method: model.VelocityFlowHistogram,
		},
		GeometryVersion: 1,
	})
	res.Gaps = append(res.Gaps, pipeline.Gap{
		Start: t0.Add(400 * time.Millisecond),
		Stop:  t0.Add(800 * time.Millisecond),
		Err:   errors.New("no texture"),
	})

	path := filepath.Join(t.TempDir(), "report.json")
	line := model.CrossSection{ID: "t", X0: 10, Y0: 0, X1: 10, Y1: 40}
	if err := writeReport(path, line, 1, 3, res); err != nil {
		t.Fatalf("writeReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rep.CrossSection != "t" || rep.GeometryVersion != 1 || rep.Frames != 3 {
		t.Fatalf("report header = %+v", rep)
	}
	if len(rep.Samples) != 1 || rep.Samples[0].FluxGS != 4200 || rep.Samples[0].Method != "flow-histogram" {
		t.Fatalf("report samples = %+v", rep.Samples)
	}
	if rep.MeanFluxGS != 4200 {
		t.Fatalf("mean = %g, want 4200", rep.MeanFluxGS)
	}
	if len(rep.Gaps) != 1 || rep.Gaps[0].Error != "no texture" {
		t.Fatalf("report gaps = %+v", rep.Gaps)
	}
}

func TestWritePNG(t *testing.T) {
	scene := synth.Scene{}
	frame := scene.Frames(1)[0]

	path := filepath.Join(t.TempDir(), "frame.png")
	if err := writePNG(path, frame); err != nil {
		t.Fatalf("writePNG: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != frame.W || b.Dy() != frame.H {
		t.Fatalf("decoded %dx%d, want %dx%d", b.Dx(), b.Dy(), frame.W, frame.H)
	}
	// The puff train must leave visible structure.
	lit := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r > 0 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("dumped frame is entirely black")
	}
}
