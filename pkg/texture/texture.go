// Package texture receives the renderer's output frame.
//
// The renderer publishes each finished frame to a named channel; a Receiver
// copies the latest one into a caller-owned frame.Frame. Two backends exist:
// a shared-memory segment written by the renderer (the production path) and
// a gocv video capture that stands in for the renderer during development.
package texture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

var (
	// ErrNoNewFrame means the sender has not published since the last receive.
	// The destination is left untouched.
	ErrNoNewFrame = errors.New("texture: no new frame")

	// ErrNoSender means the named channel does not exist yet.
	ErrNoSender = errors.New("texture: sender not available")

	// ErrSizeMismatch means the published frame does not match the receiver's geometry.
	ErrSizeMismatch = errors.New("texture: size mismatch")

	// ErrEndOfStream is returned by a non-looping capture when the source is exhausted.
	ErrEndOfStream = errors.New("texture: end of stream")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("texture: closed")

	// ErrUnsupported is returned for backends not available on this platform.
	ErrUnsupported = errors.New("texture: backend not supported on this platform")
)

// Receiver copies the most recent published frame into dst.
type Receiver interface {
	Receive(dst *frame.Frame) error
	Close() error
}

// Backend selects a Receiver implementation.
type Backend string

const (
	BackendShm     Backend = "shm"
	BackendCapture Backend = "capture"
)

// Config holds texture channel settings.
type Config struct {
	Backend Backend `yaml:"backend" json:"backend"`

	// Name identifies the shared-memory channel.
	Name string `yaml:"name" json:"name"`

	// Dir holds shared-memory segments.
	Dir string `yaml:"dir" json:"dir"`

	Width    int `yaml:"width" json:"width"`
	Height   int `yaml:"height" json:"height"`
	Channels int `yaml:"channels" json:"channels"`

	// Source is the capture backend's video file path or device index.
	Source string `yaml:"source" json:"source"`

	// Loop rewinds the capture source at end of stream.
	Loop bool `yaml:"loop" json:"loop"`
}

// DefaultConfig returns the renderer's default channel.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendShm,
		Name:     "UnitySender",
		Dir:      "/dev/shm",
		Width:    2880,
		Height:   1600,
		Channels: frame.Luminance,
		Source:   "sample_vid.mp4",
		Loop:     true,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendShm:
		if c.Name == "" || c.Dir == "" {
			return fmt.Errorf("shm backend requires name and dir")
		}
	case BackendCapture:
		if c.Source == "" {
			return fmt.Errorf("capture backend requires a source")
		}
	default:
		return fmt.Errorf("unknown texture backend %q", c.Backend)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid texture size %dx%d", c.Width, c.Height)
	}
	switch c.Channels {
	case frame.Luminance, frame.RGB, frame.RGBA:
	default:
		return fmt.Errorf("unsupported channel count %d", c.Channels)
	}
	return nil
}

// NewFrame allocates a destination frame matching the configured geometry.
func (c *Config) NewFrame() (*frame.Frame, error) {
	return frame.New(c.Width, c.Height, c.Channels)
}

// NewReceiver creates a Receiver for the configured backend.
func NewReceiver(cfg Config, logger *slog.Logger) (Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("texture: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendCapture:
		rx, err := OpenCapture(cfg, logger)
		if err != nil {
			return nil, err
		}
		return rx, nil
	default:
		rx, err := OpenShm(cfg, logger)
		if err != nil {
			return nil, err
		}
		return rx, nil
	}
}

// Handle owns a Receiver for the session. All access is serialized, and the
// receiver only changes through an explicit Reconfigure.
type Handle struct {
	mu     sync.Mutex
	rx     Receiver
	logger *slog.Logger
	closed bool

	received atomic.Uint64
	failures atomic.Uint64
}

// NewHandle takes ownership of rx.
func NewHandle(rx Receiver, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{rx: rx, logger: logger.With("component", "texture")}
}

// Fetch receives into dst.
func (h *Handle) Fetch(dst *frame.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	err := h.rx.Receive(dst)
	switch {
	case err == nil:
		h.received.Add(1)
	case !errors.Is(err, ErrNoNewFrame):
		h.failures.Add(1)
	}
	return err
}

// Reconfigure closes the current receiver and installs rx in its place.
func (h *Handle) Reconfigure(rx Receiver) error {
	if rx == nil {
		return errors.New("texture: nil receiver")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		rx.Close()
		return ErrClosed
	}
	old := h.rx
	h.rx = rx
	h.logger.Info("texture receiver reconfigured")
	if err := old.Close(); err != nil {
		return fmt.Errorf("texture: close previous receiver: %w", err)
	}
	return nil
}

// Stats returns the number of frames received and failed fetches.
func (h *Handle) Stats() (received, failures uint64) {
	return h.received.Load(), h.failures.Load()
}

// Close releases the receiver. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.rx.Close()
}
