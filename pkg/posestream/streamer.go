package posestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	// ErrConnectionLost is returned by Send while the renderer connection is
	// down. The caller keeps ticking; Send retries the connection on its
	// own schedule.
	ErrConnectionLost = errors.New("posestream: connection lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("posestream: closed")
)

// State is the connection state of a Streamer.
type State int32

const (
	StateConnected State = iota
	StateLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds pose stream settings.
type Config struct {
	// Addr is the renderer's pose listener.
	Addr string `yaml:"addr" json:"addr"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// WriteTimeout bounds a single record write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Sequence appends a uint32 record counter (32-byte records).
	// The stock renderer script expects 28-byte records, so it is off by default.
	Sequence bool `yaml:"sequence" json:"sequence"`

	// ReconnectMin and ReconnectMax bound the exponential reconnect backoff.
	ReconnectMin time.Duration `yaml:"reconnect_min" json:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max" json:"reconnect_max"`

	// MaxReconnectAttempts stops reconnecting after this many failures.
	// 0 means unlimited.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

// DefaultConfig returns the settings for a renderer on localhost:9999.
func DefaultConfig() Config {
	return Config{
		Addr:                 "localhost:9999",
		DialTimeout:          200 * time.Millisecond,
		WriteTimeout:         8 * time.Millisecond,
		ReconnectMin:         250 * time.Millisecond,
		ReconnectMax:         5 * time.Second,
		MaxReconnectAttempts: 0,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %v", c.DialTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %v", c.WriteTimeout)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff must satisfy 0 < min <= max, got %v..%v", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// Stats is a snapshot of stream counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Failures   uint64 `json:"failures"`
	Reconnects uint64 `json:"reconnects"`
	State      string `json:"state"`
}

// Streamer writes one pose record per tick to the renderer.
// It is not safe for concurrent Send calls; the tick loop owns it.
type Streamer struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	seq  uint32

	state       atomic.Int32
	backoff     time.Duration
	nextAttempt time.Time
	attempts    int

	sent       atomic.Uint64
	failures   atomic.Uint64
	reconnects atomic.Uint64
}

// Dial connects to the renderer. Failure to connect at startup is an
// initialization error and is returned to the caller.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("posestream: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Streamer{
		cfg:     cfg,
		logger:  logger.With("component", "posestream"),
		backoff: cfg.ReconnectMin,
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("posestream: connect %s: %w", cfg.Addr, err)
	}
	s.conn = conn
	s.state.Store(int32(StateConnected))
	s.logger.Info("connected to renderer", "addr", cfg.Addr, "record_bytes", s.RecordSize())
	return s, nil
}

func (s *Streamer) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// RecordSize returns the number of bytes written per Send.
func (s *Streamer) RecordSize() int {
	if s.cfg.Sequence {
		return SequencedRecordSize
	}
	return RecordSize
}

// State returns the current connection state.
func (s *Streamer) State() State {
	return State(s.state.Load())
}

// Send writes one record. On a write failure the connection is dropped,
// the loss is logged once and ErrConnectionLost is returned; later calls
// reconnect with backoff and never block longer than DialTimeout.
func (s *Streamer) Send(rot mgl64.Quat, pos mgl64.Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateLost:
		if !s.reconnect() {
			return ErrConnectionLost
		}
	}

	var payload []byte
	if s.cfg.Sequence {
		rec := EncodeSequenced(rot, pos, s.seq)
		payload = rec[:]
	} else {
		rec := Encode(rot, pos)
		payload = rec[:]
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.conn.Write(payload); err != nil {
		s.failures.Add(1)
		s.markLost(err)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	s.seq++
	s.sent.Add(1)
	return nil
}

// markLost drops the connection. Caller holds s.mu.
func (s *Streamer) markLost(cause error) {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state.Store(int32(StateLost))
	s.backoff = s.cfg.ReconnectMin
	s.attempts = 0
	s.nextAttempt = time.Now().Add(s.backoff)
	s.logger.Warn("renderer connection lost", "addr", s.cfg.Addr, "error", cause)
}

// reconnect makes at most one attempt if the backoff has elapsed.
// Caller holds s.mu.
func (s *Streamer) reconnect() bool {
	if s.cfg.MaxReconnectAttempts > 0 && s.attempts >= s.cfg.MaxReconnectAttempts {
		return false
	}
	if time.Now().Before(s.nextAttempt) {
		return false
	}
	conn, err := s.dial(context.Background())
	if err != nil {
		s.attempts++
		s.backoff *= 2
		if s.backoff > s.cfg.ReconnectMax {
			s.backoff = s.cfg.ReconnectMax
		}
		s.nextAttempt = time.Now().Add(s.backoff)
		if s.cfg.MaxReconnectAttempts > 0 && s.attempts >= s.cfg.MaxReconnectAttempts {
			s.logger.Error("giving up on renderer connection", "attempts", s.attempts, "error", err)
		}
		return false
	}
	s.conn = conn
	s.state.Store(int32(StateConnected))
	s.reconnects.Add(1)
	s.logger.Info("reconnected to renderer", "addr", s.cfg.Addr, "attempts", s.attempts+1)
	return true
}

// Stats returns a snapshot of the stream counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Failures:   s.failures.Load(),
		Reconnects: s.reconnects.Load(),
		State:      s.State().String(),
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return nil
	}
	s.state.Store(int32(StateClosed))
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
