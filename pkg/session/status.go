package session

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teslashibe/go-vrgaze/pkg/compositor"
	"github.com/teslashibe/go-vrgaze/pkg/hmd"
)

type tickStatus struct {
	pose      hmd.Pose
	report    compositor.Report
	poseOK    bool
	displayOK bool
	at        time.Time
}

type tickStats struct {
	ticks        uint64
	untracked    uint64
	masked       uint64
	stale        uint64
	gazeTimeouts uint64
	sendFailures uint64
	showFailures uint64
	overruns     uint64
	lastTick     time.Duration
	maxTick      time.Duration
}

// Stats is a snapshot of session counters.
type Stats struct {
	Ticks        uint64        `json:"ticks"`
	Untracked    uint64        `json:"untracked"`
	Masked       uint64        `json:"masked"`
	Stale        uint64        `json:"stale"`
	GazeTimeouts uint64        `json:"gaze_timeouts"`
	SendFailures uint64        `json:"send_failures"`
	ShowFailures uint64        `json:"show_failures"`
	Overruns     uint64        `json:"overruns"`
	LastTick     time.Duration `json:"last_tick_ns"`
	MaxTick      time.Duration `json:"max_tick_ns"`
}

// Status is the state of the session as of the last tick.
type Status struct {
	SessionID   string            `json:"session_id"`
	Calibration string            `json:"calibration"`
	Calibrating bool              `json:"calibrating"`
	Calibrated  bool              `json:"calibrated"`
	Rotation    [4]float64        `json:"rotation"`
	Position    [3]float64        `json:"position"`
	PoseStream  string            `json:"pose_stream"`
	Frame       compositor.Report `json:"frame"`
	LastTickAt  time.Time         `json:"last_tick_at"`
	Stats       Stats             `json:"stats"`
}

func (s *Session) record(pose hmd.Pose, tracked bool, rep compositor.Report, sent, shown bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = tickStatus{pose: pose, report: rep, poseOK: sent, displayOK: shown, at: time.Now()}

	st := &s.stats
	st.ticks++
	if !tracked {
		st.untracked++
	}
	if rep.Masked {
		st.masked++
	}
	if rep.Stale {
		st.stale++
	}
	if rep.GazeTimeout {
		st.gazeTimeouts++
	}
	if !sent {
		st.sendFailures++
	}
	if !shown {
		st.showFailures++
	}
	st.lastTick = elapsed
	if elapsed > st.maxTick {
		st.maxTick = elapsed
	}
	if elapsed > s.cfg.TickRate {
		st.overruns++
	}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() Stats {
	st := s.stats
	return Stats{
		Ticks:        st.ticks,
		Untracked:    st.untracked,
		Masked:       st.masked,
		Stale:        st.stale,
		GazeTimeouts: st.gazeTimeouts,
		SendFailures: st.sendFailures,
		ShowFailures: st.showFailures,
		Overruns:     st.overruns,
		LastTick:     st.lastTick,
		MaxTick:      st.maxTick,
	}
}

// Status returns the state of the session as of the last tick. It is safe
// to call from any goroutine.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.status.pose.Rotation
	p := s.status.pose.Position
	if q == (mgl64.Quat{}) {
		q = mgl64.QuatIdent()
	}
	return Status{
		SessionID:   s.id,
		Calibration: s.engine.State().String(),
		Calibrating: s.calibrating.Load(),
		Calibrated:  s.comp.Transform() != nil,
		Rotation:    [4]float64{q.W, q.V[0], q.V[1], q.V[2]},
		Position:    [3]float64{p[0], p[1], p[2]},
		PoseStream:  s.streamer.State().String(),
		Frame:       s.status.report,
		LastTickAt:  s.status.at,
		Stats:       s.statsLocked(),
	}
}
