package hmd

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// RotationToQuaternion converts the 3×3 rotation part of m to a unit
// quaternion.
//
// All four component magnitudes are computed from the trace identities, with
// negative radicands clamped to zero. The largest one is taken as exact and
// the other three are recovered from the off-diagonal sums and differences,
// which fixes their signs and keeps the division well conditioned for every
// rotation, including half turns.
func RotationToQuaternion(m PoseMatrix) mgl64.Quat {
	m00, m01, m02 := m[0][0], m[0][1], m[0][2]
	m10, m11, m12 := m[1][0], m[1][1], m[1][2]
	m20, m21, m22 := m[2][0], m[2][1], m[2][2]

	mags := [4]float64{
		math.Sqrt(math.Max(0, 1+m00+m11+m22)) / 2, // w
		math.Sqrt(math.Max(0, 1+m00-m11-m22)) / 2, // x
		math.Sqrt(math.Max(0, 1-m00+m11-m22)) / 2, // y
		math.Sqrt(math.Max(0, 1-m00-m11+m22)) / 2, // z
	}

	largest := 0
	for i := 1; i < 4; i++ {
		if mags[i] > mags[largest] {
			largest = i
		}
	}

	var w, x, y, z float64
	switch largest {
	case 0:
		w = mags[0]
		s := 4 * w
		x = (m21 - m12) / s
		y = (m02 - m20) / s
		z = (m10 - m01) / s
	case 1:
		x = mags[1]
		s := 4 * x
		w = (m21 - m12) / s
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case 2:
		y = mags[2]
		s := 4 * y
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		z = (m12 + m21) / s
	default:
		z = mags[3]
		s := 4 * z
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
	}

	// Keep w non-negative so equal rotations produce equal quaternions.
	if w < 0 {
		w, x, y, z = -w, -x, -y, -z
	}

	q := mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
	if l := q.Len(); l > 0 {
		q = q.Scale(1 / l)
	}
	return q
}

// toEngineRotation applies the tracking-space to engine-space handedness
// correction: negate w and z. The result is the quaternion of S·R·S with
// S = diag(1, 1, -1), matching the z flip applied to positions.
func toEngineRotation(q mgl64.Quat) mgl64.Quat {
	return mgl64.Quat{W: -q.W, V: mgl64.Vec3{q.V[0], q.V[1], -q.V[2]}}
}

// toEnginePosition flips the z axis of a tracking-space translation.
func toEnginePosition(m PoseMatrix) mgl64.Vec3 {
	return mgl64.Vec3{m[0][3], m[1][3], -m[2][3]}
}
