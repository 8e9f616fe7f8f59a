package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxCondition is the largest design-matrix condition number accepted.
const maxCondition = 1e10

// Model selects the shape of the fitted transform.
type Model string

const (
	// Linear fits screen = [x y]·M with a 2×2 M.
	Linear Model = "linear"
	// Affine fits screen = [x y 1]·M with a 3×2 M, adding an offset.
	Affine Model = "affine"
)

// unknowns is the number of rows of M.
func (m Model) unknowns() int {
	if m == Affine {
		return 3
	}
	return 2
}

// Validate checks that m names a known model.
func (m Model) Validate() error {
	switch m {
	case Linear, Affine:
		return nil
	default:
		return fmt.Errorf("unknown model %q", string(m))
	}
}

// Transform maps raw gaze to normalized screen coordinates. It is immutable
// once fitted and serialises to JSON for the session record.
type Transform struct {
	Model Model `json:"model"`
	// M holds the coefficients, one row per input term (x, y, then 1 for
	// affine). The third row is zero for Linear.
	M [3][2]float64 `json:"matrix"`
	// RMS is the root-mean-square residual over the fitted samples.
	RMS float64 `json:"rms"`
	// N is the number of samples used in the fit.
	N int `json:"samples"`
}

// Identity returns a linear transform that passes coordinates through.
func Identity() *Transform {
	return &Transform{Model: Linear, M: [3][2]float64{{1, 0}, {0, 1}}}
}

// Apply maps a raw gaze position to screen coordinates (bottom-left origin).
func (t *Transform) Apply(x, y float64) (sx, sy float64) {
	sx = x*t.M[0][0] + y*t.M[1][0]
	sy = x*t.M[0][1] + y*t.M[1][1]
	if t.Model == Affine {
		sx += t.M[2][0]
		sy += t.M[2][1]
	}
	return sx, sy
}

// Residual returns the RMS distance between mapped samples and their targets.
func (t *Transform) Residual(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sx, sy := t.Apply(float64(s.Raw.X), float64(s.Raw.Y))
		dx, dy := sx-s.Target.X, sy-s.Target.Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Fit solves the least-squares transform from raw gaze to target positions.
func Fit(samples []Sample, model Model) (*Transform, error) {
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	k := model.unknowns()
	n := len(samples)
	if n < k {
		return nil, fmt.Errorf("%w: have %d, need at least %d for %s", ErrUnderdetermined, n, k, model)
	}

	a := mat.NewDense(n, k, nil)
	b := mat.NewDense(n, 2, nil)
	for i, s := range samples {
		if !s.Raw.Finite() || !finite(s.Target.X) || !finite(s.Target.Y) {
			return nil, fmt.Errorf("%w: sample %d (%s)", ErrInvalidSample, i, s.Target.Name)
		}
		a.Set(i, 0, float64(s.Raw.X))
		a.Set(i, 1, float64(s.Raw.Y))
		if model == Affine {
			a.Set(i, 2, 1)
		}
		b.Set(i, 0, s.Target.X)
		b.Set(i, 1, s.Target.Y)
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: factorization failed", ErrDegenerate)
	}
	if c := svd.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCondition {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrDegenerate, c)
	}

	var m mat.Dense
	if err := m.Solve(a, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
		}
		return nil, fmt.Errorf("calibration: solve: %w", err)
	}

	t := &Transform{Model: model, N: n}
	for r := 0; r < k; r++ {
		t.M[r][0] = m.At(r, 0)
		t.M[r][1] = m.At(r, 1)
	}
	t.RMS = t.Residual(samples)
	return t, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
