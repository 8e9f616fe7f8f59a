// Package display puts frames in front of the subject.
//
// With the HMD's direct mode disabled the headset appears as an extra
// desktop monitor, so the production surface is a borderless full-screen
// window moved onto that monitor's region.
package display

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// ErrClosed is returned by Show after Close.
var ErrClosed = errors.New("display: closed")

// Surface shows frames and reports key presses.
type Surface interface {
	Show(f *frame.Frame) error
	// WaitKey pumps window events for up to timeout and returns the key
	// pressed, if any.
	WaitKey(timeout time.Duration) (key int, ok bool)
	Close() error
}

// Backend selects a Surface implementation.
type Backend string

const (
	BackendWindow Backend = "window"
	BackendNull   Backend = "null"
)

// Config holds display settings.
type Config struct {
	Backend Backend `yaml:"backend" json:"backend"`
	Title   string  `yaml:"title" json:"title"`

	// OffsetX and OffsetY position the window on the HMD's desktop region.
	OffsetX int `yaml:"offset_x" json:"offset_x"`
	OffsetY int `yaml:"offset_y" json:"offset_y"`

	Fullscreen bool `yaml:"fullscreen" json:"fullscreen"`
}

// DefaultConfig places the window on a headset to the right of two 1920px monitors.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendWindow,
		Title:      "VR Display",
		OffsetX:    2 * 1920,
		OffsetY:    -300,
		Fullscreen: true,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendWindow:
		if c.Title == "" {
			return fmt.Errorf("window backend requires a title")
		}
	case BackendNull:
	default:
		return fmt.Errorf("unknown display backend %q", c.Backend)
	}
	return nil
}

// New creates the configured surface.
func New(cfg Config, logger *slog.Logger) (Surface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("display: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backend == BackendNull {
		return NewNull(), nil
	}
	w, err := OpenWindow(cfg, logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NullSurface discards frames. It keeps a copy of the last one for
// inspection and replays queued keys from WaitKey.
type NullSurface struct {
	mu     sync.Mutex
	last   *frame.Frame
	keys   []int
	closed bool

	shown atomic.Uint64
}

// NewNull creates a headless surface.
func NewNull() *NullSurface {
	return &NullSurface{}
}

// Show records f.
func (n *NullSurface) Show(f *frame.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.last == nil || !n.last.SameGeometry(f) {
		n.last = f.Clone()
	} else {
		n.last.CopyFrom(f)
	}
	n.shown.Add(1)
	return nil
}

// Press queues a key for the next WaitKey.
func (n *NullSurface) Press(key int) {
	n.mu.Lock()
	n.keys = append(n.keys, key)
	n.mu.Unlock()
}

// WaitKey returns a queued key, or sleeps for timeout when none is queued.
func (n *NullSurface) WaitKey(timeout time.Duration) (int, bool) {
	n.mu.Lock()
	if len(n.keys) > 0 {
		k := n.keys[0]
		n.keys = n.keys[1:]
		n.mu.Unlock()
		return k, true
	}
	n.mu.Unlock()
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return 0, false
}

// Shown returns the number of frames shown.
func (n *NullSurface) Shown() uint64 {
	return n.shown.Load()
}

// Last returns a copy of the last frame shown, or nil.
func (n *NullSurface) Last() *frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return nil
	}
	return n.last.Clone()
}

// Close marks the surface closed.
func (n *NullSurface) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}
