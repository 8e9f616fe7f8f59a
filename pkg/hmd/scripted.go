package hmd

import (
	"sync"
)

// ScriptedRuntime replays a fixed sequence of pose matrices, one per query.
// It stands in for the headset in tests and dry runs.
type ScriptedRuntime struct {
	mu     sync.Mutex
	poses  []PoseMatrix
	next   int
	loop   bool
	closed bool
	err    error
}

// NewScriptedRuntime returns a runtime that yields poses in order. When loop
// is false, queries after the last pose return ErrScriptExhausted.
func NewScriptedRuntime(poses []PoseMatrix, loop bool) *ScriptedRuntime {
	cp := make([]PoseMatrix, len(poses))
	copy(cp, poses)
	return &ScriptedRuntime{poses: cp, loop: loop}
}

// FailWith makes every later query return err (nil clears it).
func (r *ScriptedRuntime) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// DevicePose implements Runtime. The device index is ignored.
func (r *ScriptedRuntime) DevicePose(int) (PoseMatrix, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return PoseMatrix{}, ErrRuntimeLost
	}
	if r.err != nil {
		return PoseMatrix{}, r.err
	}
	if len(r.poses) == 0 {
		return PoseMatrix{}, ErrScriptExhausted
	}
	if r.next >= len(r.poses) {
		if !r.loop {
			return PoseMatrix{}, ErrScriptExhausted
		}
		r.next = 0
	}
	m := r.poses[r.next]
	r.next++
	return m, nil
}

// Cursor returns the index of the next pose to be served.
func (r *ScriptedRuntime) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Close implements Runtime.
func (r *ScriptedRuntime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
