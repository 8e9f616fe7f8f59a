package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
)

// maxDrain bounds how many buffered gaze records are skipped to reach the
// freshest one after the subject signals readiness.
const maxDrain = 512

// State is the engine's position in a calibration run.
type State int32

const (
	Idle State = iota
	Presenting
	Sampling
	Fitting
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Presenting:
		return "presenting"
	case Sampling:
		return "sampling"
	case Fitting:
		return "fitting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText lets State appear by name in JSON status.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Presenter shows a marker frame to the subject.
type Presenter interface {
	Show(f *frame.Frame) error
}

// ReadySignal blocks until the subject confirms fixation.
type ReadySignal interface {
	WaitReady(ctx context.Context) error
}

// GazeReader performs one timed gaze read.
type GazeReader interface {
	Read(ctx context.Context, timeout time.Duration) gaze.Result
}

// Config holds calibration run settings.
type Config struct {
	Targets       []Target      `yaml:"targets" json:"targets"`
	Loops         int           `yaml:"loops" json:"loops"`
	Model         Model         `yaml:"model" json:"model"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	SampleTimeout time.Duration `yaml:"sample_timeout" json:"sample_timeout"`
	MarkerSize    int           `yaml:"marker_size" json:"marker_size"`

	// Marker frame geometry; normally the display size.
	Width    int `yaml:"width" json:"width"`
	Height   int `yaml:"height" json:"height"`
	Channels int `yaml:"channels" json:"channels"`
}

// DefaultConfig returns two loops over the five default targets.
func DefaultConfig() Config {
	return Config{
		Targets:       DefaultTargets(),
		Loops:         2,
		Model:         Linear,
		ReadyTimeout:  2 * time.Minute,
		SampleTimeout: 2 * time.Second,
		MarkerSize:    DefaultMarkerSize,
		Width:         1920,
		Height:        1080,
		Channels:      frame.RGB,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if c.Loops <= 0 {
		return fmt.Errorf("loops must be positive, got %d", c.Loops)
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.ReadyTimeout <= 0 || c.SampleTimeout <= 0 {
		return fmt.Errorf("ready_timeout and sample_timeout must be positive")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid marker size %dx%d", c.Width, c.Height)
	}
	if n, k := len(c.Targets)*c.Loops, c.Model.unknowns(); n < k {
		return fmt.Errorf("%d samples cannot fit a %s model", n, c.Model)
	}
	return nil
}

// Engine runs the calibration procedure.
type Engine struct {
	cfg       Config
	presenter Presenter
	ready     ReadySignal
	gaze      GazeReader
	logger    *slog.Logger

	state   atomic.Int32
	running atomic.Bool

	mu      sync.RWMutex
	samples []Sample
	current Target
	result  *Transform
	lastErr error
}

// NewEngine creates an engine. A nil logger uses slog.Default.
func NewEngine(cfg Config, presenter Presenter, ready ReadySignal, gz GazeReader, logger *slog.Logger) (*Engine, error) {
	if cfg.Channels == 0 {
		cfg.Channels = frame.RGB
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("calibration: invalid config: %w", err)
	}
	if presenter == nil || ready == nil || gz == nil {
		return nil, errors.New("calibration: presenter, ready signal and gaze reader are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		presenter: presenter,
		ready:     ready,
		gaze:      gz,
		logger:    logger.With("component", "calibration"),
	}, nil
}

// State returns the current state. Safe for concurrent use.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Progress returns the samples collected so far in the current or last run
// and the total a run collects.
func (e *Engine) Progress() (done, total int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples), len(e.cfg.Targets) * e.cfg.Loops
}

// Current returns the target being presented.
func (e *Engine) Current() Target {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Samples returns a copy of the samples from the last run.
func (e *Engine) Samples() []Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Sample(nil), e.samples...)
}

// Result returns the last fitted transform, or nil.
func (e *Engine) Result() *Transform {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result
}

// Err returns the error that ended the last failed run.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Run executes a full calibration: every target, every loop, then the fit.
// Calling Run again recalibrates from scratch.
func (e *Engine) Run(ctx context.Context) (*Transform, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.samples = e.samples[:0]
	e.lastErr = nil
	e.mu.Unlock()

	start := time.Now()
	e.logger.Info("calibration started",
		"targets", len(e.cfg.Targets),
		"loops", e.cfg.Loops,
		"model", e.cfg.Model,
	)

	t, err := e.run(ctx)
	if err != nil {
		e.setState(Failed)
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		e.logger.Error("calibration failed", "error", err)
		return nil, err
	}

	e.mu.Lock()
	e.result = t
	e.mu.Unlock()
	e.setState(Ready)
	e.logger.Info("calibration complete",
		"rms", t.RMS,
		"samples", t.N,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return t, nil
}

func (e *Engine) run(ctx context.Context) (*Transform, error) {
	for loop := 0; loop < e.cfg.Loops; loop++ {
		for _, target := range e.cfg.Targets {
			s, err := e.collect(ctx, loop, target)
			if err != nil {
				return nil, fmt.Errorf("target %s (loop %d): %w", target.Name, loop+1, err)
			}
			e.mu.Lock()
			e.samples = append(e.samples, s)
			e.mu.Unlock()
		}
	}

	e.setState(Fitting)
	return Fit(e.Samples(), e.cfg.Model)
}

func (e *Engine) collect(ctx context.Context, loop int, target Target) (Sample, error) {
	e.setState(Presenting)
	e.mu.Lock()
	e.current = target
	e.mu.Unlock()

	marker, err := MarkerFrame(e.cfg.Width, e.cfg.Height, e.cfg.Channels, target, e.cfg.MarkerSize)
	if err != nil {
		return Sample{}, err
	}
	if err := e.presenter.Show(marker); err != nil {
		return Sample{}, fmt.Errorf("present marker: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadyTimeout)
	err = e.ready.WaitReady(readyCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Sample{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Sample{}, ErrReadyTimeout
		}
		return Sample{}, fmt.Errorf("ready signal: %w", err)
	}

	e.setState(Sampling)
	raw, err := e.freshSample(ctx)
	if err != nil {
		return Sample{}, err
	}
	if !raw.Finite() {
		return Sample{}, fmt.Errorf("%w: (%v, %v)", ErrInvalidSample, raw.X, raw.Y)
	}

	e.logger.Debug("calibration sample",
		"target", target.Name,
		"loop", loop+1,
		"raw_x", raw.X,
		"raw_y", raw.Y,
	)
	return Sample{Raw: raw, Target: target, Loop: loop}, nil
}

// freshSample skips records that queued up while the subject was fixating
// and returns the newest one. If none is buffered it waits up to
// SampleTimeout for the next.
func (e *Engine) freshSample(ctx context.Context) (gaze.Sample, error) {
	var (
		latest gaze.Sample
		have   bool
	)
	for i := 0; i < maxDrain; i++ {
		r := e.gaze.Read(ctx, time.Millisecond)
		if r.Kind != gaze.Data {
			if r.Kind == gaze.Closed {
				return gaze.Sample{}, r.Err
			}
			break
		}
		latest, have = r.Sample, true
	}
	if have {
		return latest, nil
	}

	r := e.gaze.Read(ctx, e.cfg.SampleTimeout)
	switch r.Kind {
	case gaze.Data:
		return r.Sample, nil
	case gaze.Timeout:
		if err := ctx.Err(); err != nil {
			return gaze.Sample{}, err
		}
		return gaze.Sample{}, ErrSampleTimeout
	default:
		return gaze.Sample{}, r.Err
	}
}
