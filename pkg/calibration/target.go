// Package calibration maps raw gaze samples to normalized screen coordinates.
//
// A calibration run shows a fixation marker at each target, waits for the
// subject to signal readiness, records the gaze sample, and fits a linear
// (or affine) least-squares transform from raw gaze space to the screen.
// Screen coordinates use a bottom-left origin: (0,0) is the bottom-left
// corner and (1,1) the top-right, for targets and fitted output alike.
package calibration

import (
	"errors"

	"github.com/teslashibe/go-vrgaze/pkg/gaze"
)

var (
	// ErrUnderdetermined is returned when there are fewer samples than unknowns.
	ErrUnderdetermined = errors.New("calibration: not enough samples")

	// ErrDegenerate is returned when the samples cannot pin down a transform,
	// e.g. all raw positions are collinear.
	ErrDegenerate = errors.New("calibration: degenerate samples")

	// ErrInvalidSample is returned for samples with non-finite coordinates.
	ErrInvalidSample = errors.New("calibration: invalid sample")

	// ErrReadyTimeout is returned when the subject never signals readiness.
	ErrReadyTimeout = errors.New("calibration: ready signal timeout")

	// ErrSampleTimeout is returned when no gaze sample arrives for a target.
	ErrSampleTimeout = errors.New("calibration: gaze sample timeout")

	// ErrBusy is returned when Run is called while a run is in progress.
	ErrBusy = errors.New("calibration: already running")
)

// Target is a known screen position in normalized bottom-left coordinates.
type Target struct {
	Name string  `yaml:"name" json:"name"`
	X    float64 `yaml:"x" json:"x"`
	Y    float64 `yaml:"y" json:"y"`
}

// DefaultTargets returns the standard five-point layout in presentation order.
func DefaultTargets() []Target {
	return []Target{
		{Name: "center", X: 0.5, Y: 0.5},
		{Name: "bottom-left", X: 0, Y: 0},
		{Name: "bottom-right", X: 1, Y: 0},
		{Name: "top-left", X: 0, Y: 1},
		{Name: "top-right", X: 1, Y: 1},
	}
}

// Sample pairs a raw gaze reading with the target the subject fixated.
type Sample struct {
	Raw    gaze.Sample `json:"raw"`
	Target Target      `json:"target"`
	Loop   int         `json:"loop"`
}
