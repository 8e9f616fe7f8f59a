package display

import (
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// WindowSurface is an OpenCV window. HighGUI calls must come from the
// goroutine that created the window, which is the session's tick goroutine.
type WindowSurface struct {
	cfg    Config
	window *gocv.Window
	logger *slog.Logger

	bgr    gocv.Mat
	closed bool
}

// OpenWindow creates the window and moves it onto the headset's region.
func OpenWindow(cfg Config, logger *slog.Logger) (*WindowSurface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := gocv.NewWindow(cfg.Title)
	if w == nil {
		return nil, fmt.Errorf("display: could not create window %q", cfg.Title)
	}
	w.MoveWindow(cfg.OffsetX, cfg.OffsetY)
	if cfg.Fullscreen {
		w.SetWindowProperty(gocv.WindowPropertyFullscreen, gocv.WindowFullscreen)
	}

	logger = logger.With("component", "display", "title", cfg.Title)
	logger.Info("display window opened", "x", cfg.OffsetX, "y", cfg.OffsetY, "fullscreen", cfg.Fullscreen)
	return &WindowSurface{
		cfg:    cfg,
		window: w,
		logger: logger,
		bgr:    gocv.NewMat(),
	}, nil
}

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case frame.Luminance:
		return gocv.MatTypeCV8UC1, nil
	case frame.RGB:
		return gocv.MatTypeCV8UC3, nil
	case frame.RGBA:
		return gocv.MatTypeCV8UC4, nil
	default:
		return 0, fmt.Errorf("display: unsupported channel count %d", channels)
	}
}

// Show draws f and pumps events once so the window repaints.
func (s *WindowSurface) Show(f *frame.Frame) error {
	if s.closed {
		return ErrClosed
	}
	mt, err := matType(f.Channels)
	if err != nil {
		return err
	}
	m, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
	if err != nil {
		return fmt.Errorf("display: wrap frame: %w", err)
	}
	defer m.Close()

	switch f.Channels {
	case frame.RGB:
		gocv.CvtColor(m, &s.bgr, gocv.ColorRGBToBGR)
		s.window.IMShow(s.bgr)
	case frame.RGBA:
		gocv.CvtColor(m, &s.bgr, gocv.ColorRGBAToBGR)
		s.window.IMShow(s.bgr)
	default:
		s.window.IMShow(m)
	}
	s.window.WaitKey(1)
	return nil
}

// WaitKey waits up to timeout for a key press. A zero timeout polls once.
func (s *WindowSurface) WaitKey(timeout time.Duration) (int, bool) {
	if s.closed {
		return 0, false
	}
	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	key := s.window.WaitKey(ms)
	if key < 0 {
		return 0, false
	}
	return key, true
}

// Close destroys the window.
func (s *WindowSurface) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.bgr.Close()
	if err := s.window.Close(); err != nil {
		return fmt.Errorf("display: close window: %w", err)
	}
	s.logger.Info("display window closed")
	return nil
}
