package hmd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-9

// reconstruct turns a quaternion back into a 3×3 rotation.
func reconstruct(q mgl64.Quat) mgl64.Mat3 {
	return q.Mat4().Mat3()
}

func assertSameRotation(t *testing.T, want mgl64.Mat3, got mgl64.Quat) {
	t.Helper()
	assert.InDelta(t, 1.0, got.Len(), tolerance, "quaternion not normalized")
	r := reconstruct(got)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			assert.InDelta(t, want.At(row, col), r.At(row, col), 1e-7, "element (%d,%d)", row, col)
		}
	}
}

func TestRotationToQuaternion_Identity(t *testing.T) {
	q := RotationToQuaternion(Identity())
	assert.InDelta(t, 1.0, q.W, tolerance)
	assert.InDelta(t, 0.0, q.V.Len(), tolerance)
}

func TestRotationToQuaternion_AxisRotations(t *testing.T) {
	axes := map[string]mgl64.Vec3{
		"x": {1, 0, 0},
		"y": {0, 1, 0},
		"z": {0, 0, 1},
	}
	angles := []float64{math.Pi / 2, -math.Pi / 2, math.Pi, math.Pi / 3}

	for name, axis := range axes {
		for _, angle := range angles {
			r := mgl64.QuatRotate(angle, axis).Mat4().Mat3()
			q := RotationToQuaternion(FromMat3(r, mgl64.Vec3{}))
			t.Run(name, func(t *testing.T) {
				assertSameRotation(t, r, q)
			})
		}
	}
}

func TestRotationToQuaternion_HalfTurnOffAxis(t *testing.T) {
	// Half turns about diagonal axes have w = 0 and need the symmetric
	// off-diagonal terms to get the relative signs right.
	for _, axis := range []mgl64.Vec3{{1, -1, 0}, {1, 1, 0}, {0, 1, -1}, {-1, 0, 1}} {
		r := mgl64.QuatRotate(math.Pi, axis.Normalize()).Mat4().Mat3()
		assertSameRotation(t, r, RotationToQuaternion(FromMat3(r, mgl64.Vec3{})))
	}
}

func TestRotationToQuaternion_RandomOrthonormal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		axis := mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		if axis.Len() < 1e-6 {
			continue
		}
		angle := (rng.Float64()*2 - 1) * math.Pi
		r := mgl64.QuatRotate(angle, axis.Normalize()).Mat4().Mat3()
		assertSameRotation(t, r, RotationToQuaternion(FromMat3(r, mgl64.Vec3{})))
	}
}

func TestRotationToQuaternion_ClampsRoundingNoise(t *testing.T) {
	// A slightly non-orthonormal identity pushes some radicands below zero.
	m := Identity()
	m[0][0], m[1][1], m[2][2] = 1+1e-12, 1+1e-12, 1+1e-12
	q := RotationToQuaternion(m)
	require.False(t, math.IsNaN(q.W) || math.IsNaN(q.V[0]) || math.IsNaN(q.V[1]) || math.IsNaN(q.V[2]))
	assert.InDelta(t, 1.0, q.W, 1e-9)
}

func TestSource_RotationHandedness(t *testing.T) {
	// The engine rotation must be the mirror S·R·S with S = diag(1,1,-1).
	s := mgl64.Diag3(mgl64.Vec3{1, 1, -1})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		axis := mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Normalize()
		r := mgl64.QuatRotate(rng.Float64()*math.Pi, axis).Mat4().Mat3()

		src, err := NewSource(NewScriptedRuntime([]PoseMatrix{FromMat3(r, mgl64.Vec3{})}, true), HMDIndex, nil)
		require.NoError(t, err)

		raw := RotationToQuaternion(src.Matrix())
		got := src.Rotation()
		assert.InDelta(t, -raw.W, got.W, tolerance)
		assert.InDelta(t, raw.V[0], got.V[0], tolerance)
		assert.InDelta(t, raw.V[1], got.V[1], tolerance)
		assert.InDelta(t, -raw.V[2], got.V[2], tolerance)

		assertSameRotation(t, s.Mul3(r).Mul3(s), got)
	}
}

func TestSource_PositionSingleFlip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		tr := mgl64.Vec3{rng.NormFloat64() * 3, rng.NormFloat64() * 3, rng.NormFloat64() * 3}
		src, err := NewSource(NewScriptedRuntime([]PoseMatrix{FromMat3(mgl64.Ident3(), tr)}, true), HMDIndex, nil)
		require.NoError(t, err)

		p := src.Position()
		assert.Equal(t, tr[0], p[0], "x must not flip")
		assert.Equal(t, tr[1], p[1], "y must not flip")
		assert.Equal(t, -tr[2], p[2], "z must flip")
	}
}
