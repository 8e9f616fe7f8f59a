// vrgaze runs a gaze-contingent VR experiment: it streams head pose to the
// renderer, calibrates the eye tracker against on-screen markers and masks
// the region the subject is looking at on every frame shown in the headset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-vrgaze/internal/config"
	"github.com/teslashibe/go-vrgaze/internal/log"
	"github.com/teslashibe/go-vrgaze/pkg/control"
	"github.com/teslashibe/go-vrgaze/pkg/debug"
	"github.com/teslashibe/go-vrgaze/pkg/display"
	"github.com/teslashibe/go-vrgaze/pkg/hmd"
	"github.com/teslashibe/go-vrgaze/pkg/input"
	"github.com/teslashibe/go-vrgaze/pkg/session"
	"github.com/teslashibe/go-vrgaze/pkg/web"
)

// HighGUI wants every window call on one OS thread.
func init() {
	runtime.LockOSThread()
}

type options struct {
	configPath  string
	dumpConfig  string
	debug       bool
	debugFrames bool
	dryRun      bool
	noWeb       bool
	noTerminal  bool
	webAddr     string
	gazeAddr    string
	poseAddr    string
	tracker     string
	calibration string
	previewRate int
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		slog.Error("vrgaze failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Experiment YAML file")
	flag.StringVar(&o.dumpConfig, "dump-config", "", "Write the effective configuration to this file and exit")
	flag.BoolVar(&o.debug, "debug", false, "Enable verbose debug logging")
	flag.BoolVar(&o.debugFrames, "debug-frames", false, "Log every tick (very verbose, implies -debug)")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Use a scripted headset and a headless display")
	flag.BoolVar(&o.noWeb, "no-web", false, "Disable the operator dashboard")
	flag.BoolVar(&o.noTerminal, "no-terminal", false, "Do not read ready key presses from the terminal")
	flag.StringVar(&o.webAddr, "web-addr", "", "Dashboard listen address (overrides config)")
	flag.StringVar(&o.gazeAddr, "gaze-addr", "", "Gaze listen address (overrides config)")
	flag.StringVar(&o.poseAddr, "pose-addr", "", "Renderer pose address (overrides config)")
	flag.StringVar(&o.tracker, "tracker", "", "Tracker command line; {addr} is replaced by the gaze address")
	flag.StringVar(&o.calibration, "calibration", "", "Start with the transform from this calibration record")
	flag.IntVar(&o.previewRate, "preview-every", 30, "Send every Nth frame to the dashboard preview")
	flag.Parse()
	return o
}

func applyFlags(cfg *config.Experiment, o options) {
	s := &cfg.Session
	if o.debug || o.debugFrames {
		cfg.LogLevel = "debug"
	}
	if o.dryRun {
		cfg.DryRun = true
	}
	if cfg.DryRun {
		s.HMD.Backend = hmd.BackendScripted
		s.Display.Backend = display.BackendNull
	}
	if o.noWeb {
		cfg.Web.Enabled = false
	}
	if o.webAddr != "" {
		cfg.Web.Addr = o.webAddr
	}
	if o.gazeAddr != "" {
		s.Gaze.Addr = o.gazeAddr
	}
	if o.poseAddr != "" {
		s.Pose.Addr = o.poseAddr
	}
	if o.tracker != "" {
		fields := strings.Fields(o.tracker)
		s.Gaze.TrackerCommand, s.Gaze.TrackerArgs = fields[0], fields[1:]
	}
	if o.calibration != "" {
		s.CalibrationFile = o.calibration
	}
}

func run(o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if o.dumpConfig != "" {
		return config.Save(o.dumpConfig, cfg)
	}

	log.Init(cfg.LogLevel)
	debug.Frames = o.debugFrames
	logger := log.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	remote := input.NewChanReady()
	sinks := session.NewMultiSink(session.NewLogSink(logger))

	var (
		dash    *web.Server
		console *control.Server
	)
	if cfg.Web.Enabled {
		wcfg := web.DefaultConfig()
		wcfg.Addr = cfg.Web.Addr
		dash = web.NewServer(wcfg, remote, logger)
		console = control.NewServer(remote, logger)
		console.RegisterRoutes(dash.App())
		console.RegisterAPIRoutes(dash.App().Group("/api"))
		sinks.Add(dash)
		sinks.Add(console)
	}

	surface, err := display.New(cfg.Session.Display, logger)
	if err != nil {
		return err
	}
	if dash != nil {
		surface = display.NewPreview(surface, o.previewRate, display.DefaultPreviewWidth, dash.PreviewWanted, dash.SendPreview)
	}

	sources := []input.Ready{input.NewKeyReady(surface), remote}
	if !o.noTerminal {
		term, err := input.NewTerminalReady(os.Stdin, logger)
		if err != nil {
			surface.Close()
			return err
		}
		defer term.Close()
		term.OnInterrupt(cancel)
		sources = append(sources, term)
	}

	sess, err := session.New(ctx, cfg.Session, session.Deps{
		Surface: surface,
		Ready:   input.Any(sources...),
		Sink:    sinks,
	}, logger)
	if err != nil {
		surface.Close()
		return err
	}
	defer sess.Close()

	if dash != nil {
		dash.Attach(sess)
		console.Attach(sess)

		webCtx, stopWeb := context.WithCancel(ctx)
		webDone := make(chan struct{})
		go func() {
			defer close(webDone)
			if err := dash.Run(webCtx); err != nil {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
		go console.Run(webCtx, time.Second)
		defer func() {
			stopWeb()
			<-webDone
		}()
	}

	logger.Info("experiment starting", "session_id", sess.ID(), "tick_rate", cfg.Session.TickRate)
	err = sess.Run(ctx)
	st := sess.Stats()
	logger.Info("experiment finished",
		"ticks", st.Ticks,
		"masked", st.Masked,
		"stale", st.Stale,
		"gaze_timeouts", st.GazeTimeouts,
		"overruns", st.Overruns,
		"max_tick", st.MaxTick,
	)

	switch {
	case err == nil, errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, input.ErrInterrupted):
		logger.Info("interrupted from terminal")
		return nil
	default:
		return err
	}
}
