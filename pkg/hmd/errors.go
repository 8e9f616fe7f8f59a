package hmd

import "errors"

var (
	// ErrRuntimeUnavailable is returned when the HMD runtime cannot be
	// initialized or does not produce a first valid pose.
	ErrRuntimeUnavailable = errors.New("hmd: runtime unavailable")

	// ErrRuntimeLost is returned when an established runtime stops
	// answering. A session cannot continue without poses.
	ErrRuntimeLost = errors.New("hmd: runtime lost")

	// ErrPoseInvalid is returned when the runtime reports that the device
	// is not currently tracked.
	ErrPoseInvalid = errors.New("hmd: pose not valid")

	// ErrScriptExhausted is returned by ScriptedRuntime after its last pose
	// when looping is disabled.
	ErrScriptExhausted = errors.New("hmd: scripted poses exhausted")
)
