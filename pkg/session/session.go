// Package session runs one gaze-contingent experiment: it wires the pose,
// gaze, texture and display components together, drives the per-frame tick
// and tears everything down in reverse order on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-vrgaze/pkg/calibration"
	"github.com/teslashibe/go-vrgaze/pkg/compositor"
	"github.com/teslashibe/go-vrgaze/pkg/debug"
	"github.com/teslashibe/go-vrgaze/pkg/display"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
	"github.com/teslashibe/go-vrgaze/pkg/hmd"
	"github.com/teslashibe/go-vrgaze/pkg/input"
	"github.com/teslashibe/go-vrgaze/pkg/posestream"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

// ErrStopped is returned by Run after Stop.
var ErrStopped = errors.New("session: stopped")

// GazeSource is the gaze side of the session.
type GazeSource interface {
	Read(ctx context.Context, timeout time.Duration) gaze.Result
	Close() error
}

// Deps lets callers supply pre-built components. Nil fields are built from
// the Config. Supplied components are closed by Session.Close; if New fails
// the caller should close them, so their Close must tolerate a second call.
type Deps struct {
	Runtime  hmd.Runtime
	Gaze     GazeSource
	Receiver texture.Receiver
	Surface  display.Surface

	// Ready confirms fixation during calibration. Defaults to a key press
	// in the display window.
	Ready input.Ready

	Sink Sink
}

type closer struct {
	name string
	fn   func() error
}

// Session owns every component of a running experiment.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger
	sink   Sink

	pose     *hmd.Source
	streamer *posestream.Streamer
	gaze     GazeSource
	texture  *texture.Handle
	comp     *compositor.Compositor
	surface  display.Surface
	engine   *calibration.Engine

	closers   []closer
	closeOnce sync.Once
	closeErr  error

	recalibrate chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	calibrating atomic.Bool

	// Tick-goroutine state.
	poseLost   bool
	gazeClosed bool
	lastErrLog map[string]time.Time

	mu     sync.RWMutex
	status tickStatus
	stats  tickStats
}

// New builds the session components in dependency order: pose source,
// pose stream, gaze channel, texture, compositor, display, calibration. If
// any step fails, everything already built is closed in reverse order and
// the error is returned as a *ComponentError.
func New(ctx context.Context, cfg Config, deps Deps, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ComponentError{Component: "config", Category: CategoryInit, Err: err}
	}

	id := uuid.NewString()
	s := &Session{
		id:          id,
		cfg:         cfg,
		logger:      logger.With("component", "session", "session_id", id),
		recalibrate: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		lastErrLog:  make(map[string]time.Time),
	}
	s.sink = deps.Sink
	if s.sink == nil {
		s.sink = NewLogSink(logger)
	}

	if err := s.build(ctx, deps, logger); err != nil {
		s.Close()
		return nil, err
	}

	s.emit(CategoryInfo, "session", "session ready", nil)
	return s, nil
}

func (s *Session) fail(component string, err error) error {
	ce := &ComponentError{Component: component, Category: CategoryInit, Err: err}
	s.emit(CategoryInit, component, "initialization failed", err)
	return ce
}

func (s *Session) push(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

func (s *Session) build(ctx context.Context, deps Deps, logger *slog.Logger) error {
	rt := deps.Runtime
	if rt == nil {
		var err error
		if rt, err = hmd.NewRuntime(ctx, s.cfg.HMD, logger); err != nil {
			return s.fail("hmd", err)
		}
	}
	src, err := hmd.NewSource(rt, s.cfg.HMD.Device, logger)
	if err != nil {
		rt.Close()
		return s.fail("hmd", err)
	}
	s.pose = src
	s.push("hmd", src.Close)

	streamer, err := posestream.Dial(ctx, s.cfg.Pose, logger)
	if err != nil {
		return s.fail("pose stream", err)
	}
	s.streamer = streamer
	s.push("pose stream", streamer.Close)

	gz := deps.Gaze
	if gz == nil {
		ch, err := gaze.Open(ctx, s.cfg.Gaze, logger)
		if err != nil {
			return s.fail("gaze", err)
		}
		gz = ch
	}
	s.gaze = gz
	s.push("gaze", gz.Close)

	rx := deps.Receiver
	if rx == nil {
		if rx, err = texture.NewReceiver(s.cfg.Texture, logger); err != nil {
			return s.fail("texture", err)
		}
	}
	s.texture = texture.NewHandle(rx, logger)

	comp, err := compositor.New(s.cfg.Compositor, gz, s.texture,
		s.cfg.Texture.Width, s.cfg.Texture.Height, s.cfg.Texture.Channels, logger)
	if err != nil {
		s.texture.Close()
		return s.fail("compositor", err)
	}
	s.comp = comp
	s.push("compositor", comp.Close)

	surface := deps.Surface
	if surface == nil {
		if surface, err = display.New(s.cfg.Display, logger); err != nil {
			return s.fail("display", err)
		}
	}
	s.surface = surface
	s.push("display", surface.Close)

	ready := deps.Ready
	if ready == nil {
		ready = input.NewKeyReady(surface)
	}
	engine, err := calibration.NewEngine(s.cfg.Calibration, surface, ready, gz, logger)
	if err != nil {
		return s.fail("calibration", err)
	}
	s.engine = engine

	if s.cfg.CalibrationFile != "" {
		rec, err := calibration.LoadRecord(s.cfg.CalibrationFile)
		if err != nil {
			return s.fail("calibration", err)
		}
		s.comp.SetTransform(rec.Transform)
		s.emit(CategoryCalibration, "calibration", "loaded calibration from "+s.cfg.CalibrationFile, nil)
	}
	return nil
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Engine returns the calibration engine.
func (s *Session) Engine() *calibration.Engine {
	return s.engine
}

func (s *Session) emit(cat Category, component, msg string, err error) {
	s.sink.Event(Event{
		Time:      time.Now(),
		Category:  cat,
		Component: component,
		Message:   msg,
		Err:       err,
	})
}

// emitThrottled reports a repeating per-tick problem at most once per
// ErrorLogInterval for each key.
func (s *Session) emitThrottled(key, component, msg string, err error) {
	now := time.Now()
	if last, ok := s.lastErrLog[key]; ok && now.Sub(last) < s.cfg.ErrorLogInterval {
		return
	}
	s.lastErrLog[key] = now
	s.emit(CategoryTransient, component, msg, err)
}

// Calibrate runs the calibration procedure. On success the new transform
// replaces the current one and a record is written to RecordDir. On failure
// the previous transform, if any, stays in effect.
func (s *Session) Calibrate(ctx context.Context) (*calibration.Transform, error) {
	s.calibrating.Store(true)
	defer s.calibrating.Store(false)

	s.emit(CategoryCalibration, "calibration", "calibration started", nil)
	t, err := s.engine.Run(ctx)
	if err != nil {
		s.emit(CategoryCalibration, "calibration", "calibration failed", err)
		return nil, &ComponentError{Component: "calibration", Category: CategoryCalibration, Err: err}
	}
	s.comp.SetTransform(t)
	s.emit(CategoryCalibration, "calibration",
		fmt.Sprintf("calibration complete (rms %.4f over %d samples)", t.RMS, t.N), nil)

	if s.cfg.RecordDir != "" {
		rec := &calibration.Record{
			SessionID: s.id,
			CreatedAt: time.Now().UTC(),
			Transform: t,
			Samples:   s.engine.Samples(),
		}
		path := filepath.Join(s.cfg.RecordDir, s.id+"-calibration.json")
		if err := rec.Save(path); err != nil {
			s.emit(CategoryTransient, "calibration", "could not save calibration record", err)
		} else {
			s.logger.Info("calibration record saved", "path", path)
		}
	}
	return t, nil
}

// Tick runs one frame: pose update, pose send, composite, display.
// Transient problems, including a momentarily untracked headset, are
// reported to the sink and the tick continues; the returned error is fatal
// (runtime lost, or not calibrated).
func (s *Session) Tick(ctx context.Context) error {
	start := time.Now()

	tracked := true
	if err := s.pose.Update(); err != nil {
		if !errors.Is(err, hmd.ErrPoseInvalid) {
			s.emit(CategoryFatal, "hmd", "pose runtime lost", err)
			return &ComponentError{Component: "hmd", Category: CategoryFatal, Err: err}
		}
		tracked = false
		s.emitThrottled("hmd", "hmd", "headset not tracked, holding last pose", err)
	}
	pose := s.pose.Pose()

	sendErr := s.streamer.Send(pose.Rotation, pose.Position)
	switch {
	case sendErr != nil && !s.poseLost:
		s.poseLost = true
		s.emit(CategoryTransient, "pose stream", "renderer connection lost", sendErr)
	case sendErr == nil && s.poseLost:
		s.poseLost = false
		s.emit(CategoryInfo, "pose stream", "renderer connection restored", nil)
	}

	f, rep, err := s.comp.ProcessedFrame(ctx)
	if err != nil {
		return &ComponentError{Component: "compositor", Category: CategoryFatal, Err: err}
	}
	if rep.GazeClosed && !s.gazeClosed {
		s.gazeClosed = true
		s.emit(CategoryTransient, "gaze", "gaze channel closed, masking disabled", rep.Err())
	}
	if rep.Stale {
		s.emitThrottled("texture", "texture", "renderer frame unavailable, showing previous frame", rep.Err())
	}

	showErr := s.surface.Show(f)
	if showErr != nil {
		s.emitThrottled("display", "display", "display failed", showErr)
	}

	elapsed := time.Since(start)
	s.record(pose, tracked, rep, sendErr == nil, showErr == nil, elapsed)

	debug.FrameLog("tick",
		"session_id", s.id,
		"elapsed", elapsed,
		"tracked", tracked,
		"masked", rep.Masked,
		"stale", rep.Stale,
		"gaze_x", rep.ScreenX,
		"gaze_y", rep.ScreenY,
	)
	return nil
}

// Run calibrates if no transform is loaded, then ticks at TickRate until
// ctx ends, Stop is called or a tick fails fatally. Recalibration requests
// are served between ticks.
func (s *Session) Run(ctx context.Context) error {
	if s.comp.Transform() == nil {
		if _, err := s.Calibrate(ctx); err != nil {
			return err
		}
	}

	s.emit(CategoryInfo, "session", "experiment running", nil)
	ticker := time.NewTicker(s.cfg.TickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			s.emit(CategoryInfo, "session", "stop requested", nil)
			return ErrStopped
		case <-s.recalibrate:
			if _, err := s.Calibrate(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("recalibration failed, keeping previous transform", "error", err)
			}
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Recalibrate asks Run to calibrate again before the next tick. It reports
// false when a request is already pending.
func (s *Session) Recalibrate() bool {
	select {
	case s.recalibrate <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop asks Run to return.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Close releases every component in reverse construction order. Each
// failure is reported and the remaining components are still released.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			c := s.closers[i]
			if err := c.fn(); err != nil {
				s.emit(CategoryRelease, c.name, "release failed", err)
				errs = append(errs, &ComponentError{Component: c.name, Category: CategoryRelease, Err: err})
			}
		}
		s.closers = nil
		s.closeErr = errors.Join(errs...)
		s.emit(CategoryInfo, "session", "session closed", nil)
	})
	return s.closeErr
}
