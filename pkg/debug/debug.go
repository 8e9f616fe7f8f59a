// Package debug provides global debug logging flags
package debug

import "log/slog"

// Frames controls whether per-tick logs are shown (pose, gaze, mask).
// At 90 Hz these are very verbose; use --debug-frames to enable them.
var Frames bool

// FrameLog writes a debug message only if frame debug mode is enabled
func FrameLog(msg string, args ...any) {
	if Frames {
		slog.Debug(msg, args...)
	}
}
