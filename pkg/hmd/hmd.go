// Package hmd reads head pose from an HMD runtime and converts it into the
// rotation and position the rendering engine expects.
//
// The runtime itself is external. Runtime abstracts it; ScriptedRuntime
// replays recorded matrices and BridgeRuntime follows a pose bridge over a
// websocket.
package hmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-gl/mathgl/mgl64"
)

// HMDIndex is the tracked-device index of the headset.
const HMDIndex = 0

// PoseMatrix is a row-major 3×4 device-to-tracking-space matrix: a 3×3
// rotation followed by a translation column.
type PoseMatrix [3][4]float64

// Identity returns the identity pose at the tracking origin.
func Identity() PoseMatrix {
	return PoseMatrix{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// FromMat3 builds a PoseMatrix from a rotation and a translation.
func FromMat3(r mgl64.Mat3, t mgl64.Vec3) PoseMatrix {
	var m PoseMatrix
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m[row][col] = r.At(row, col)
		}
		m[row][3] = t[row]
	}
	return m
}

// Rotation3 returns the rotation part as an mgl64 matrix.
func (m PoseMatrix) Rotation3() mgl64.Mat3 {
	var r mgl64.Mat3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r.Set(row, col, m[row][col])
		}
	}
	return r
}

// Pose is one head pose in engine coordinates.
type Pose struct {
	Rotation mgl64.Quat
	Position mgl64.Vec3
}

// Runtime is the HMD runtime's device pose query.
type Runtime interface {
	// DevicePose returns the latest pose of the tracked device at index.
	DevicePose(index int) (PoseMatrix, error)

	// Close releases the runtime.
	Close() error
}

// Source caches the headset pose for the current tick.
type Source struct {
	rt     Runtime
	index  int
	logger *slog.Logger

	matrix  PoseMatrix
	updates uint64
	invalid uint64
}

// NewSource wraps rt and fetches a first pose. It fails when rt is nil or
// the first query fails, so a Source is never returned uninitialized.
func NewSource(rt Runtime, index int, logger *slog.Logger) (*Source, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: no runtime", ErrRuntimeUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{rt: rt, index: index, logger: logger}
	m, err := rt.DevicePose(index)
	if err != nil {
		return nil, fmt.Errorf("%w: first pose: %v", ErrRuntimeUnavailable, err)
	}
	s.matrix = m
	s.updates = 1
	logger.Info("pose source ready", "device", index)
	return s, nil
}

// Update fetches the latest pose. Call once at the start of every tick.
// When the device is momentarily untracked the error wraps ErrPoseInvalid
// and the previous pose is kept; any other failure is ErrRuntimeLost.
func (s *Source) Update() error {
	m, err := s.rt.DevicePose(s.index)
	if errors.Is(err, ErrPoseInvalid) {
		s.invalid++
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeLost, err)
	}
	s.matrix = m
	s.updates++
	return nil
}

// Matrix returns the raw matrix from the last Update.
func (s *Source) Matrix() PoseMatrix {
	return s.matrix
}

// Position returns the head position with z flipped into engine space.
func (s *Source) Position() mgl64.Vec3 {
	return toEnginePosition(s.matrix)
}

// Rotation returns the head rotation with the engine handedness correction.
func (s *Source) Rotation() mgl64.Quat {
	return toEngineRotation(RotationToQuaternion(s.matrix))
}

// Pose returns rotation and position together.
func (s *Source) Pose() Pose {
	return Pose{Rotation: s.Rotation(), Position: s.Position()}
}

// Updates returns how many poses have been fetched.
func (s *Source) Updates() uint64 {
	return s.updates
}

// Invalid returns how many updates found the device untracked.
func (s *Source) Invalid() uint64 {
	return s.invalid
}

// Close releases the runtime.
func (s *Source) Close() error {
	return s.rt.Close()
}
