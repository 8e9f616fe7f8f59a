// Package compositor produces the frame shown to the subject each tick: the
// renderer's latest output with a gaze-contingent mask applied.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/calibration"
	"github.com/teslashibe/go-vrgaze/pkg/frame"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

var (
	// ErrNotCalibrated is returned until a calibration transform is installed.
	ErrNotCalibrated = errors.New("compositor: no calibration transform")

	// ErrInvalidGaze is reported when a sample or its mapped position is not finite.
	ErrInvalidGaze = errors.New("compositor: invalid gaze position")
)

// GazeReader performs one timed gaze read.
type GazeReader interface {
	Read(ctx context.Context, timeout time.Duration) gaze.Result
}

// LatestReader is implemented by gaze sources that can skip records queued
// since the previous tick. The compositor prefers it over Read so the mask
// follows the newest sample when the tracker runs faster than the tick.
type LatestReader interface {
	Latest(ctx context.Context, timeout time.Duration) gaze.Result
}

// Config holds compositor settings.
type Config struct {
	// MaskWidth and MaskHeight size the zeroed rectangle in pixels.
	MaskWidth  int `yaml:"mask_width" json:"mask_width"`
	MaskHeight int `yaml:"mask_height" json:"mask_height"`

	// GazeTimeout bounds the per-tick gaze read.
	GazeTimeout time.Duration `yaml:"gaze_timeout" json:"gaze_timeout"`
}

// DefaultConfig returns a 500×500 mask and a 5ms gaze budget.
func DefaultConfig() Config {
	return Config{
		MaskWidth:   500,
		MaskHeight:  500,
		GazeTimeout: 5 * time.Millisecond,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaskWidth < 0 || c.MaskHeight < 0 {
		return fmt.Errorf("mask size must not be negative, got %dx%d", c.MaskWidth, c.MaskHeight)
	}
	if c.GazeTimeout <= 0 {
		return fmt.Errorf("gaze_timeout must be positive, got %v", c.GazeTimeout)
	}
	return nil
}

// Report describes how a frame was produced.
type Report struct {
	Gaze    gaze.Sample `json:"gaze"`
	HasGaze bool        `json:"has_gaze"`

	// ScreenX and ScreenY are the calibrated gaze position, bottom-left origin.
	ScreenX float64 `json:"screen_x"`
	ScreenY float64 `json:"screen_y"`

	// Mask is the clipped rectangle that was zeroed.
	Mask   frame.Rect `json:"mask"`
	Masked bool       `json:"masked"`

	// Fresh means a new renderer frame arrived this tick.
	Fresh bool `json:"fresh"`
	// Stale means the texture fetch failed and the previous frame was reused.
	Stale bool `json:"stale"`

	GazeTimeout bool `json:"gaze_timeout"`
	GazeClosed  bool `json:"gaze_closed"`

	Errs []error `json:"-"`
}

// Err joins the errors collected while producing the frame.
func (r *Report) Err() error {
	return errors.Join(r.Errs...)
}

// Stats is a snapshot of compositor counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Masked       uint64 `json:"masked"`
	Stale        uint64 `json:"stale"`
	GazeTimeouts uint64 `json:"gaze_timeouts"`
}

// Compositor owns the base and output frame buffers.
type Compositor struct {
	cfg    Config
	gaze   GazeReader
	tex    *texture.Handle
	logger *slog.Logger

	transform atomic.Pointer[calibration.Transform]

	// base holds the last frame received from the renderer; out is base plus mask.
	base *frame.Frame
	out  *frame.Frame

	frames       atomic.Uint64
	masked       atomic.Uint64
	stale        atomic.Uint64
	gazeTimeouts atomic.Uint64
}

// New creates a compositor producing width×height frames with the given
// channel count, matching the texture channel.
func New(cfg Config, gz GazeReader, tex *texture.Handle, width, height, channels int, logger *slog.Logger) (*Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compositor: invalid config: %w", err)
	}
	if gz == nil || tex == nil {
		return nil, errors.New("compositor: gaze reader and texture handle are required")
	}
	base, err := frame.New(width, height, channels)
	if err != nil {
		return nil, fmt.Errorf("compositor: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{
		cfg:    cfg,
		gaze:   gz,
		tex:    tex,
		logger: logger.With("component", "compositor"),
		base:   base,
		out:    base.Clone(),
	}, nil
}

// SetTransform installs the calibration transform used from the next frame on.
func (c *Compositor) SetTransform(t *calibration.Transform) {
	c.transform.Store(t)
}

// Transform returns the installed transform, or nil.
func (c *Compositor) Transform() *calibration.Transform {
	return c.transform.Load()
}

// ProcessedFrame reads gaze, fetches the renderer frame and applies the mask.
// The returned frame is owned by the compositor and valid until the next
// call. Gaze and texture problems degrade the frame and are listed in the
// report; only a missing calibration is returned as an error.
func (c *Compositor) ProcessedFrame(ctx context.Context) (*frame.Frame, Report, error) {
	var rep Report

	t := c.transform.Load()
	if t == nil {
		return nil, rep, ErrNotCalibrated
	}

	r := c.readGaze(ctx)
	switch r.Kind {
	case gaze.Data:
		rep.Gaze, rep.HasGaze = r.Sample, true
	case gaze.Timeout:
		rep.GazeTimeout = true
		c.gazeTimeouts.Add(1)
		rep.Errs = append(rep.Errs, r.Err)
	case gaze.Closed:
		rep.GazeClosed = true
		rep.Errs = append(rep.Errs, r.Err)
	}

	switch err := c.tex.Fetch(c.base); {
	case err == nil:
		rep.Fresh = true
	case errors.Is(err, texture.ErrNoNewFrame):
	default:
		rep.Stale = true
		c.stale.Add(1)
		rep.Errs = append(rep.Errs, err)
	}

	if err := c.out.CopyFrom(c.base); err != nil {
		// Both buffers are allocated together; this means a bug.
		return nil, rep, err
	}

	if rep.HasGaze {
		c.applyMask(t, &rep)
	}

	c.frames.Add(1)
	return c.out, rep, nil
}

func (c *Compositor) readGaze(ctx context.Context) gaze.Result {
	if lr, ok := c.gaze.(LatestReader); ok {
		return lr.Latest(ctx, c.cfg.GazeTimeout)
	}
	return c.gaze.Read(ctx, c.cfg.GazeTimeout)
}

func (c *Compositor) applyMask(t *calibration.Transform, rep *Report) {
	if !rep.Gaze.Finite() {
		rep.Errs = append(rep.Errs, ErrInvalidGaze)
		return
	}
	sx, sy := t.Apply(float64(rep.Gaze.X), float64(rep.Gaze.Y))
	rep.ScreenX, rep.ScreenY = sx, sy

	// ToPixel saturates non-finite and huge values, so a wild sample just
	// produces an off-screen rectangle that clips to nothing.
	col, row := c.out.ToPixel(sx, sy)
	rect := frame.CenteredRect(col, row, c.cfg.MaskWidth, c.cfg.MaskHeight)
	rep.Mask = c.out.Zero(rect)
	rep.Masked = !rep.Mask.Empty()
	if rep.Masked {
		c.masked.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (c *Compositor) Stats() Stats {
	return Stats{
		Frames:       c.frames.Load(),
		Masked:       c.masked.Load(),
		Stale:        c.stale.Load(),
		GazeTimeouts: c.gazeTimeouts.Load(),
	}
}

// Close releases the texture handle.
func (c *Compositor) Close() error {
	return c.tex.Close()
}
