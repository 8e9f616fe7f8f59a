// Package frame provides the fixed-size pixel buffer that moves through the
// compositor once per tick, plus the rectangle helpers used to mask it.
//
// Pixels are stored row-major with row 0 at the top of the image. Normalized
// screen coordinates elsewhere in the system use a bottom-left origin, so
// ToPixel flips the vertical axis when converting.
package frame

import (
	"errors"
	"fmt"
	"math"
)

// Pixel formats by channel count.
const (
	Luminance = 1 // single-channel, the default texture format
	RGB       = 3
	RGBA      = 4
)

// ErrSizeMismatch is returned when two frames of different geometry are mixed.
var ErrSizeMismatch = errors.New("frame: size mismatch")

// Frame is a width×height buffer of 8-bit samples.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// New allocates a zeroed frame.
func New(width, height, channels int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame: invalid size %dx%d", width, height)
	}
	switch channels {
	case Luminance, RGB, RGBA:
	default:
		return nil, fmt.Errorf("frame: unsupported channel count %d", channels)
	}
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}, nil
}

// Stride returns the number of bytes in one row.
func (f *Frame) Stride() int {
	return f.Width * f.Channels
}

// Len returns the expected length of Pix.
func (f *Frame) Len() int {
	return f.Width * f.Height * f.Channels
}

// Bounds returns the full-frame rectangle.
func (f *Frame) Bounds() Rect {
	return Rect{X0: 0, Y0: 0, X1: f.Width, Y1: f.Height}
}

// SameGeometry reports whether f and other have identical dimensions and format.
func (f *Frame) SameGeometry(other *Frame) bool {
	return other != nil && f.Width == other.Width && f.Height == other.Height && f.Channels == other.Channels
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// CopyFrom overwrites f with the contents of src.
func (f *Frame) CopyFrom(src *Frame) error {
	if !f.SameGeometry(src) {
		return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrSizeMismatch,
			f.Width, f.Height, f.Channels, src.Width, src.Height, src.Channels)
	}
	copy(f.Pix, src.Pix)
	return nil
}

// Fill sets every sample to v.
func (f *Frame) Fill(v byte) {
	for i := range f.Pix {
		f.Pix[i] = v
	}
}

// At returns the first channel of the pixel at (x, y).
func (f *Frame) At(x, y int) byte {
	return f.Pix[y*f.Stride()+x*f.Channels]
}

// Zero clips r to the frame and sets every sample inside it to zero.
// It returns the rectangle that was actually cleared.
func (f *Frame) Zero(r Rect) Rect {
	return f.FillRect(r, 0)
}

// FillRect clips r to the frame and sets every sample inside it to v.
func (f *Frame) FillRect(r Rect, v byte) Rect {
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return r
	}
	stride := f.Stride()
	for y := r.Y0; y < r.Y1; y++ {
		row := f.Pix[y*stride+r.X0*f.Channels : y*stride+r.X1*f.Channels]
		for i := range row {
			row[i] = v
		}
	}
	return r
}

// ToPixel converts bottom-left-origin normalized coordinates to a pixel
// column and row. Values outside [0,1] map outside the frame and are left
// for the caller to clip; non-finite and very large values saturate so the
// integer conversion never wraps.
func (f *Frame) ToPixel(nx, ny float64) (col, row int) {
	return toInt(nx * float64(f.Width)), toInt((1 - ny) * float64(f.Height))
}

// saturation bound for pixel coordinates, far beyond any real frame
const pixelLimit = 1 << 30

func toInt(v float64) int {
	switch {
	case math.IsNaN(v):
		return -pixelLimit
	case v >= pixelLimit:
		return pixelLimit
	case v <= -pixelLimit:
		return -pixelLimit
	}
	return int(math.Floor(v))
}
