// gaze-monitor opens the gaze channel on its own and prints every sample,
// optionally mapped through a saved calibration. Useful for checking a
// tracker before running a session.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-vrgaze/internal/config"
	"github.com/teslashibe/go-vrgaze/internal/log"
	"github.com/teslashibe/go-vrgaze/pkg/calibration"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
)

type line struct {
	X       float32   `json:"x"`
	Y       float32   `json:"y"`
	ScreenX *float64  `json:"screen_x,omitempty"`
	ScreenY *float64  `json:"screen_y,omitempty"`
	At      time.Time `json:"at"`
}

func main() {
	configPath := flag.String("config", "", "Experiment config file (gaze section is used)")
	addr := flag.String("addr", "", "Gaze listen address (overrides config)")
	tracker := flag.String("tracker", "", "Tracker command line (overrides config)")
	record := flag.String("calibration", "", "Calibration record to apply to samples")
	jsonOut := flag.Bool("json", false, "Print samples as JSON lines")
	statsEvery := flag.Duration("stats", 5*time.Second, "Counter log interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	logger := log.With("component", "gaze-monitor")

	gcfg := cfg.Session.Gaze
	if *addr != "" {
		gcfg.Addr = *addr
	}
	if *tracker != "" {
		fields := strings.Fields(*tracker)
		gcfg.TrackerCommand, gcfg.TrackerArgs = fields[0], fields[1:]
	}

	var xf *calibration.Transform
	if *record != "" {
		rec, err := calibration.LoadRecord(*record)
		if err != nil {
			logger.Error("load calibration", "error", err)
			os.Exit(1)
		}
		xf = rec.Transform
		logger.Info("applying calibration", "model", xf.Model, "rms", xf.RMS)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ch, err := gaze.Open(ctx, gcfg, logger)
	if err != nil {
		logger.Error("open gaze channel", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	enc := json.NewEncoder(os.Stdout)
	lastStats := time.Now()
	for ctx.Err() == nil {
		r := ch.Read(ctx, 0)
		switch r.Kind {
		case gaze.Closed:
			if ctx.Err() == nil && !errors.Is(r.Err, context.Canceled) {
				logger.Warn("tracker disconnected", "error", r.Err)
			}
			st := ch.Stats()
			logger.Info("done", "samples", st.Samples, "timeouts", st.Timeouts)
			return
		case gaze.Data:
			out := line{X: r.Sample.X, Y: r.Sample.Y, At: r.Sample.At}
			if xf != nil {
				sx, sy := xf.Apply(float64(r.Sample.X), float64(r.Sample.Y))
				out.ScreenX, out.ScreenY = &sx, &sy
			}
			if *jsonOut {
				enc.Encode(out)
			} else if out.ScreenX != nil {
				fmt.Printf("%s  raw (%9.4f, %9.4f)  screen (%6.3f, %6.3f)\n",
					out.At.Format("15:04:05.000"), out.X, out.Y, *out.ScreenX, *out.ScreenY)
			} else {
				fmt.Printf("%s  raw (%9.4f, %9.4f)\n", out.At.Format("15:04:05.000"), out.X, out.Y)
			}
		}

		if *statsEvery > 0 && time.Since(lastStats) >= *statsEvery {
			lastStats = time.Now()
			st := ch.Stats()
			logger.Info("gaze stats", "samples", st.Samples, "timeouts", st.Timeouts)
		}
	}
}
