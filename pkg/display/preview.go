package display

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// DefaultPreviewWidth is the width previews are scaled down to.
const DefaultPreviewWidth = 480

// PreviewSurface shows frames on an inner surface and hands a small JPEG
// of every Nth one to send, for the operator dashboard.
type PreviewSurface struct {
	Surface

	every int
	width int
	want  func() bool
	send  func(jpeg []byte)

	encode func(f *frame.Frame, width int) ([]byte, error)
	n      uint64
}

// NewPreview wraps inner. want, if set, is asked before encoding so no work
// is done while nobody is watching.
func NewPreview(inner Surface, every, width int, want func() bool, send func(jpeg []byte)) *PreviewSurface {
	if every < 1 {
		every = 1
	}
	if width <= 0 {
		width = DefaultPreviewWidth
	}
	return &PreviewSurface{
		Surface: inner,
		every:   every,
		width:   width,
		want:    want,
		send:    send,
		encode:  EncodeJPEG,
	}
}

// Show implements Surface. Preview failures never fail the show.
func (p *PreviewSurface) Show(f *frame.Frame) error {
	err := p.Surface.Show(f)
	p.n++
	if p.n%uint64(p.every) != 0 || p.send == nil {
		return err
	}
	if p.want != nil && !p.want() {
		return err
	}
	if data, encErr := p.encode(f, p.width); encErr == nil {
		p.send(data)
	}
	return err
}

// EncodeJPEG scales f to width (keeping the aspect ratio) and encodes it.
func EncodeJPEG(f *frame.Frame, width int) ([]byte, error) {
	mt, err := matType(f.Channels)
	if err != nil {
		return nil, err
	}
	src, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
	if err != nil {
		return nil, fmt.Errorf("display: wrap frame: %w", err)
	}
	defer src.Close()

	img := src
	if width > 0 && width < f.Width {
		height := f.Height * width / f.Width
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(src, &small, image.Pt(width, height), 0, 0, gocv.InterpolationArea)
		img = small
	}

	switch f.Channels {
	case frame.RGB, frame.RGBA:
		bgr := gocv.NewMat()
		defer bgr.Close()
		code := gocv.ColorRGBToBGR
		if f.Channels == frame.RGBA {
			code = gocv.ColorRGBAToBGR
		}
		gocv.CvtColor(img, &bgr, code)
		img = bgr
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("display: encode preview: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
