package gaze

import "errors"

var (
	// ErrAcceptTimeout is returned when the tracker does not connect back in time.
	ErrAcceptTimeout = errors.New("gaze: tracker did not connect")

	// ErrTrackerExited is returned when the tracker process exits before connecting.
	ErrTrackerExited = errors.New("gaze: tracker exited before connecting")

	// ErrTimeout is returned when no complete sample arrived within the read timeout.
	ErrTimeout = errors.New("gaze: read timeout")

	// ErrClosed is returned once the tracker connection is gone.
	ErrClosed = errors.New("gaze: channel closed")

	// ErrNotConnected is returned by reads before Accept has succeeded.
	ErrNotConnected = errors.New("gaze: not connected")
)
