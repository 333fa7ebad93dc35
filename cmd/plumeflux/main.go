// Command plumeflux retrieves an emission-rate series from a synthetic
// plume sequence rendered into a scenario's viewing geometry. It is
// the demo and smoke-test front end for the retrieval engine: real
// deployments feed calibrated camera frames through the pipeline
// package directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/interrupt"
	"github.com/soniakeys/exit"

	"github.com/heliotropium72/plumeflux/geom"
	"github.com/heliotropium72/plumeflux/internal/logging"
	"github.com/heliotropium72/plumeflux/internal/observability"
	"github.com/heliotropium72/plumeflux/internal/synth"
	"github.com/heliotropium72/plumeflux/model"
	"github.com/heliotropium72/plumeflux/pipeline"
	"github.com/heliotropium72/plumeflux/replay"
)

func main() {
	defer exit.Handler()

	scenarioPath := flag.String("scenario", "", "path to a JSON scenario; the built-in demo is used when empty")
	sectionID := flag.String("section", "", "cross-section ID to retrieve; the scenario's first section when empty")
	frames := flag.Int("frames", 40, "number of synthetic frames to render")
	interval := flag.Duration("interval", 400*time.Millisecond, "synthetic frame cadence")
	speed := flag.Float64("speed", 10, "synthetic plume transport speed in m/s")
	noise := flag.Float64("noise", 0, "additive column-density noise sigma, molecules/cm^2")
	seed := flag.Uint64("seed", 1, "noise stream seed")
	workers := flag.Int("workers", 0, "retrieval worker goroutines; GOMAXPROCS when 0")
	replayFlag := flag.String("replay", "burst", "frame delivery pacing: burst, real-time or accelerated")
	speedup := flag.Float64("speedup", 10, "time compression for -replay accelerated")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables")
	jsonPath := flag.String("json", "", "write the retrieval report as JSON to this path, - for stdout")
	dumpDir := flag.String("dump", "", "write delivered frames as PNG files into this directory")
	traceFlag := flag.Bool("trace", false, "enable tracing even when the environment leaves it off")
	flag.Parse()

	if *frames < 2 {
		exit.Log("need at least 2 frames for a retrieval")
	}
	mode, err := replayMode(*replayFlag)
	if err != nil {
		exit.Log(err)
	}

	log := logging.NewFromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt.HandleCtrlC()
	go func() {
		for !interrupt.IsSet() {
			time.Sleep(100 * time.Millisecond)
		}
		log.Info(context.Background(), "interrupt received, stopping")
		cancel()
	}()

	tcfg := observability.TracingConfigFromEnv()
	if *traceFlag {
		tcfg.Enabled = true
	}
	shutdownTracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		exit.Log(err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewPipelineCollector(nil)
	if err != nil {
		exit.Log(err)
	}
	geoMetrics, err := observability.NewGeometryCollector(nil)
	if err != nil {
		exit.Log(err)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)
	defer func() {
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		exit.Log(err)
	}
	line, err := pickSection(sc, *sectionID)
	if err != nil {
		exit.Log(err)
	}

	store := geom.NewStore()
	buildStart := time.Now()
	field, err := sc.BuildGeometry(store)
	if err != nil {
		exit.Log(err)
	}
	geoMetrics.ObserveBuild(time.Since(buildStart))
	geoMetrics.RecordRebuild(field.Version, float64(field.ValidCount())/float64(field.W*field.H))

	st, err := field.LineStats(line)
	if err != nil {
		exit.Log(err)
	}
	fmt.Printf("Cross-section %s: %.0f px, %.2f m/px at %.0f m slant range\n",
		line.ID, line.Length(), st.MeanScaleM, st.MeanDistM)

	// Render the synthetic plume into the scenario's geometry: the
	// puff train advects at the requested metres per second given the
	// ground scale the ray-cast found at the transect.
	scene := synth.Scene{
		W:        sc.Pose.ImageWidth,
		H:        sc.Pose.ImageHeight,
		ScaleM:   st.MeanScaleM,
		DistM:    st.MeanDistM,
		SpeedMS:  *speed,
		NoiseCD:  *noise,
		Seed:     *seed,
		Interval: *interval,
	}
	rendered := scene.Frames(*frames)

	player, err := replay.NewPlayer(rendered, mode, *speedup)
	if err != nil {
		exit.Log(err)
	}
	var acquired []*model.ImageFrame
	player.AddListener(func(f *model.ImageFrame) {
		acquired = append(acquired, f)
		log.Debug(ctx, "frame acquired",
			logging.Time("timestamp", f.Timestamp),
			logging.Int("index", len(acquired)-1))
	})
	if *dumpDir != "" {
		if err := os.MkdirAll(*dumpDir, 0o755); err != nil {
			exit.Log(err)
		}
		idx := 0
		player.AddListener(func(f *model.ImageFrame) {
			path := filepath.Join(*dumpDir, fmt.Sprintf("frame_%04d.png", idx))
			idx++
			if err := writePNG(path, f); err != nil {
				log.Warn(ctx, "frame dump failed",
					logging.String("path", path),
					logging.String("error", err.Error()))
			}
		})
	}

	fmt.Printf("Replaying %d frames (%s, %s cadence)\n", len(rendered), mode, *interval)
	<-player.Start(ctx)
	if len(acquired) < 2 {
		exit.Log("replay interrupted before two frames were acquired")
	}

	p, err := pipeline.New(store, sc.ConfigFor(line),
		pipeline.WithLogger(log),
		pipeline.WithMetrics(collector),
		pipeline.WithWorkers(*workers),
	)
	if err != nil {
		exit.Log(err)
	}
	res, err := p.Run(ctx, acquired)
	if res != nil {
		printSummary(res, line)
		if *jsonPath != "" {
			if werr := writeReport(*jsonPath, line, field.Version, len(acquired), res); werr != nil {
				exit.Log(werr)
			}
		}
	}
	if err != nil {
		exit.Log(err)
	}
}

func replayMode(s string) (replay.Mode, error) {
	switch s {
	case "burst", "":
		return replay.Burst, nil
	case "real-time", "realtime":
		return replay.RealTime, nil
	case "accelerated":
		return replay.Accelerated, nil
	}
	return 0, fmt.Errorf("unknown replay mode %q (want burst, real-time or accelerated)", s)
}

func loadScenario(path string) (*pipeline.Scenario, error) {
	if path == "" {
		return pipeline.DemoScenario(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pipeline.LoadScenario(f)
}

func pickSection(sc *pipeline.Scenario, id string) (model.CrossSection, error) {
	if id == "" {
		return sc.Sections[0], nil
	}
	for _, cs := range sc.Sections {
		if cs.ID == id {
			return cs, nil
		}
	}
	return model.CrossSection{}, fmt.Errorf("no cross-section %q in scenario", id)
}

func serveMetrics(addr string, collector *observability.PipelineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func printSummary(res *pipeline.Result, line model.CrossSection) {
	for _, s := range res.Flux.Samples() {
		fmt.Printf("[%s] flux %8.2f kg/s ± %.2f  speed %5.2f m/s  method=%s\n",
			s.Time.Format(time.RFC3339), s.Flux/1000, s.FluxErr/1000,
			s.Velocity.Speed, s.Velocity.Method)
	}
	for _, g := range res.Gaps {
		fmt.Printf("[%s] gap: %v\n", g.Start.Format(time.RFC3339), g.Err)
	}
	mean, std := res.Flux.Stats()
	fmt.Printf("Cross-section %s: %d samples, %d gaps, mean flux %.2f kg/s ± %.2f\n",
		line.ID, res.Flux.Len(), len(res.Gaps), mean/1000, std/1000)
	if res.Sequence != nil {
		note := ""
		if res.Sequence.Flagged {
			note = " (flagged)"
		}
		fmt.Printf("Sequence cross-correlation: %.2f m/s%s\n", res.Sequence.Speed, note)
	}
}

type report struct {
	CrossSection    string         `json:"cross_section"`
	GeometryVersion uint64         `json:"geometry_version"`
	Frames          int            `json:"frames"`
	MeanFluxGS      float64        `json:"mean_flux_g_s"`
	StdFluxGS       float64        `json:"std_flux_g_s"`
	SequenceSpeedMS float64        `json:"sequence_speed_m_s,omitempty"`
	Samples         []reportSample `json:"samples"`
	Gaps            []reportGap    `json:"gaps,omitempty"`
}

type reportSample struct {
	Time         time.Time `json:"time"`
	FluxGS       float64   `json:"flux_g_s"`
	FluxErrGS    float64   `json:"flux_err_g_s"`
	SpeedMS      float64   `json:"speed_m_s"`
	DirectionRad float64   `json:"direction_rad"`
	Method       string    `json:"method"`
	Flagged      bool      `json:"flagged,omitempty"`
}

type reportGap struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
	Error string    `json:"error"`
}

func writeReport(path string, line model.CrossSection, version uint64, frames int, res *pipeline.Result) error {
	mean, std := res.Flux.Stats()
	rep := report{
		CrossSection:    line.ID,
		GeometryVersion: version,
		Frames:          frames,
		MeanFluxGS:      mean,
		StdFluxGS:       std,
	}
	if res.Sequence != nil {
		rep.SequenceSpeedMS = res.Sequence.Speed
	}
	for _, s := range res.Flux.Samples() {
		rep.Samples = append(rep.Samples, reportSample{
			Time:         s.Time,
			FluxGS:       s.Flux,
			FluxErrGS:    s.FluxErr,
			SpeedMS:      s.Velocity.Speed,
			DirectionRad: s.Velocity.Direction.Rad(),
			Method:       s.Velocity.Method.String(),
			Flagged:      s.Velocity.Flagged,
		})
	}
	for _, g := range res.Gaps {
		rep.Gaps = append(rep.Gaps, reportGap{Start: g.Start, Stop: g.Stop, Error: g.Err.Error()})
	}

	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// writePNG renders a frame as an 8-bit grayscale image, normalised to
// its own peak.
func writePNG(path string, f *model.ImageFrame) error {
	max := 0.0
	for _, v := range f.Pix {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		max = 1
	}
	img := image.NewGray(image.Rect(0, 0, f.W, f.H))
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			v := f.Pix[y*f.W+x] / max
			if v < 0 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return png.Encode(file, img)
}
