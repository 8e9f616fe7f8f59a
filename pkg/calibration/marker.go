package calibration

import (
	"math"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// DefaultMarkerSize is the side of the fixation square in pixels.
const DefaultMarkerSize = 25

// MarkerFrame renders a white frame with a dark square at the target. The
// square is centered on the target but shifted to stay fully on screen, so
// corner targets are drawn flush with their corner.
func MarkerFrame(width, height, channels int, t Target, size int) (*frame.Frame, error) {
	f, err := frame.New(width, height, channels)
	if err != nil {
		return nil, err
	}
	f.Fill(0xff)
	f.FillRect(MarkerRect(width, height, t, size), 0)
	return f, nil
}

// MarkerRect returns the pixel rectangle MarkerFrame darkens.
func MarkerRect(width, height int, t Target, size int) frame.Rect {
	if size <= 0 {
		size = DefaultMarkerSize
	}
	size = min(size, width, height)

	cx := int(math.Round(clamp01(t.X) * float64(width)))
	cy := int(math.Round((1 - clamp01(t.Y)) * float64(height)))

	x0 := min(max(cx-size/2, 0), width-size)
	y0 := min(max(cy-size/2, 0), height-size)
	return frame.Rect{X0: x0, Y0: y0, X1: x0 + size, Y1: y0 + size}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
