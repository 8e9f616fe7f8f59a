package frame

import "fmt"

// Rect is a half-open pixel rectangle [X0,X1)×[Y0,Y1).
type Rect struct {
	X0, Y0, X1, Y1 int
}

// CenteredRect returns a w×h rectangle centered at (cx, cy).
// Coordinates are saturated so that extreme centers cannot overflow.
func CenteredRect(cx, cy, w, h int) Rect {
	x0 := sat(cx - w/2)
	y0 := sat(cy - h/2)
	return Rect{X0: x0, Y0: y0, X1: sat(x0 + w), Y1: sat(y0 + h)}
}

func sat(v int) int {
	if v > pixelLimit {
		return pixelLimit
	}
	if v < -pixelLimit {
		return -pixelLimit
	}
	return v
}

// Intersect returns the largest rectangle contained by both r and s.
// The result is empty (but well formed) when they do not overlap.
func (r Rect) Intersect(s Rect) Rect {
	if r.X0 < s.X0 {
		r.X0 = s.X0
	}
	if r.Y0 < s.Y0 {
		r.Y0 = s.Y0
	}
	if r.X1 > s.X1 {
		r.X1 = s.X1
	}
	if r.Y1 > s.Y1 {
		r.Y1 = s.Y1
	}
	if r.Empty() {
		return Rect{}
	}
	return r
}

// Empty reports whether the rectangle contains no pixels.
func (r Rect) Empty() bool {
	return r.X0 >= r.X1 || r.Y0 >= r.Y1
}

// Dx returns the width.
func (r Rect) Dx() int { return r.X1 - r.X0 }

// Dy returns the height.
func (r Rect) Dy() int { return r.Y1 - r.Y0 }

// In reports whether r lies entirely within s.
func (r Rect) In(s Rect) bool {
	if r.Empty() {
		return true
	}
	return s.X0 <= r.X0 && r.X1 <= s.X1 && s.Y0 <= r.Y0 && r.Y1 <= s.Y1
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X0, r.Y0, r.X1, r.Y1)
}
