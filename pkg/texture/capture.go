package texture

import (
	"fmt"
	"image"
	"log/slog"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// CaptureReceiver plays a video file or capture device as if it were the
// renderer's output. Frames are resized and converted to the configured
// geometry.
type CaptureReceiver struct {
	cfg    Config
	logger *slog.Logger

	capture *gocv.VideoCapture
	raw     gocv.Mat
	scaled  gocv.Mat
	conv    gocv.Mat
	closed  bool
}

// OpenCapture opens cfg.Source. A numeric source selects a capture device.
func OpenCapture(cfg Config, logger *slog.Logger) (*CaptureReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var source interface{} = cfg.Source
	if id, err := strconv.Atoi(cfg.Source); err == nil {
		source = id
	}
	vc, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("texture: open capture %q: %w", cfg.Source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("texture: capture %q did not open", cfg.Source)
	}

	logger = logger.With("component", "texture", "source", cfg.Source)
	logger.Info("capture receiver opened", "width", cfg.Width, "height", cfg.Height, "loop", cfg.Loop)
	return &CaptureReceiver{
		cfg:     cfg,
		logger:  logger,
		capture: vc,
		raw:     gocv.NewMat(),
		scaled:  gocv.NewMat(),
		conv:    gocv.NewMat(),
	}, nil
}

// Receive decodes the next frame into dst, rewinding at end of stream when
// looping is enabled.
func (c *CaptureReceiver) Receive(dst *frame.Frame) error {
	if c.closed {
		return ErrClosed
	}
	if dst.Width != c.cfg.Width || dst.Height != c.cfg.Height || dst.Channels != c.cfg.Channels {
		return ErrSizeMismatch
	}

	if ok := c.capture.Read(&c.raw); !ok || c.raw.Empty() {
		if !c.cfg.Loop {
			return ErrEndOfStream
		}
		c.capture.Set(gocv.VideoCapturePosFrames, 0)
		if ok := c.capture.Read(&c.raw); !ok || c.raw.Empty() {
			return ErrEndOfStream
		}
		c.logger.Debug("capture rewound")
	}

	gocv.Resize(c.raw, &c.scaled, image.Pt(dst.Width, dst.Height), 0, 0, gocv.InterpolationLinear)

	src := c.scaled
	switch dst.Channels {
	case frame.Luminance:
		gocv.CvtColor(c.scaled, &c.conv, gocv.ColorBGRToGray)
		src = c.conv
	case frame.RGB:
		gocv.CvtColor(c.scaled, &c.conv, gocv.ColorBGRToRGB)
		src = c.conv
	case frame.RGBA:
		gocv.CvtColor(c.scaled, &c.conv, gocv.ColorBGRToRGBA)
		src = c.conv
	}

	data := src.ToBytes()
	if len(data) != dst.Len() {
		return fmt.Errorf("%w: decoded %d bytes, want %d", ErrSizeMismatch, len(data), dst.Len())
	}
	copy(dst.Pix, data)
	return nil
}

// Close releases the capture and scratch matrices.
func (c *CaptureReceiver) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.raw.Close()
	c.scaled.Close()
	c.conv.Close()
	if err := c.capture.Close(); err != nil {
		return fmt.Errorf("texture: close capture: %w", err)
	}
	return nil
}
