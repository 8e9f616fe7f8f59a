// Package gaze owns the connection to the external eye-tracking process.
//
// The channel listens on a local TCP port, launches the tracker as a child
// process and waits for it to connect back. The tracker then streams 8-byte
// records (x, y as little-endian float32) for the rest of the session.
// Reads are bounded by a timeout and report a typed Result so callers can
// tell "no sample yet" apart from "tracker gone".
package gaze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/proc"
)

// AddrPlaceholder in TrackerArgs is replaced by the listen address.
const AddrPlaceholder = "{addr}"

const (
	// drainRecords is how many records Latest pulls per read.
	drainRecords = 64
	// drainWait bounds the extra wait for more queued records once Latest
	// already has one.
	drainWait = 200 * time.Microsecond
)

// Config holds gaze channel settings.
type Config struct {
	// Addr is the local listen address.
	Addr string `yaml:"addr" json:"addr"`

	// TrackerCommand launches the eye-tracking application. Empty means the
	// tracker is started by someone else and only the rendezvous is done here.
	TrackerCommand string `yaml:"tracker_command" json:"tracker_command"`

	// TrackerArgs are passed to TrackerCommand; "{addr}" is substituted.
	TrackerArgs []string `yaml:"tracker_args" json:"tracker_args"`

	// AcceptTimeout bounds the wait for the tracker to connect back.
	AcceptTimeout time.Duration `yaml:"accept_timeout" json:"accept_timeout"`

	// ReadTimeout bounds a single sample read during a tick.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
}

// DefaultConfig returns the settings used by the capture plugin.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8888",
		AcceptTimeout: 60 * time.Second,
		ReadTimeout:   20 * time.Millisecond,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("accept_timeout must be positive, got %v", c.AcceptTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %v", c.ReadTimeout)
	}
	return nil
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Samples  uint64 `json:"samples"`
	Timeouts uint64 `json:"timeouts"`
	Closed   bool   `json:"closed"`
}

// Channel is the gaze connection plus the tracker process that feeds it.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	listener net.Listener
	tracker  *proc.Process

	// The tick goroutine is the only reader.
	readMu  sync.Mutex
	conn    net.Conn
	pending [RecordSize]byte
	have    int
	drain   [drainRecords * RecordSize]byte
	lost    bool

	samples  atomic.Uint64
	timeouts atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the gaze port without waiting for a tracker.
func Listen(ctx context.Context, cfg Config, logger *slog.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gaze: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("gaze: listen %s: %w", cfg.Addr, err)
	}

	c := &Channel{
		cfg:      cfg,
		logger:   logger.With("component", "gaze"),
		listener: l,
	}
	c.logger.Info("gaze channel listening", "addr", l.Addr().String())
	return c, nil
}

// Open listens, launches the tracker and waits for it to connect. On any
// failure everything acquired so far is released before returning.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Channel, error) {
	c, err := Listen(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.TrackerCommand != "" {
		if err := c.StartTracker(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	if err := c.Accept(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Addr returns the bound listen address.
func (c *Channel) Addr() net.Addr {
	return c.listener.Addr()
}

// StartTracker launches the configured tracker process.
func (c *Channel) StartTracker(ctx context.Context) error {
	args := make([]string, len(c.cfg.TrackerArgs))
	for i, a := range c.cfg.TrackerArgs {
		args[i] = strings.ReplaceAll(a, AddrPlaceholder, c.Addr().String())
	}
	p, err := proc.Start(ctx, c.cfg.TrackerCommand, args, c.logger)
	if err != nil {
		return fmt.Errorf("gaze: launch tracker: %w", err)
	}
	c.tracker = p
	return nil
}

// Accept waits for the tracker to connect, bounded by AcceptTimeout and ctx.
// It fails early if the launched tracker exits first.
func (c *Channel) Accept(ctx context.Context) error {
	type accepted struct {
		conn net.Conn
		err  error
	}
	result := make(chan accepted, 1)
	go func() {
		conn, err := c.listener.Accept()
		result <- accepted{conn, err}
	}()

	var trackerExited <-chan struct{}
	if c.tracker != nil {
		trackerExited = c.tracker.Exited()
	}

	timer := time.NewTimer(c.cfg.AcceptTimeout)
	defer timer.Stop()

	var failure error
	select {
	case r := <-result:
		if r.err != nil {
			return fmt.Errorf("gaze: accept: %w", r.err)
		}
		c.readMu.Lock()
		c.conn = r.conn
		c.readMu.Unlock()
		if tc, ok := r.conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		c.logger.Info("tracker connected", "remote", r.conn.RemoteAddr().String())
		return nil
	case <-trackerExited:
		failure = ErrTrackerExited
	case <-timer.C:
		failure = fmt.Errorf("%w within %v", ErrAcceptTimeout, c.cfg.AcceptTimeout)
	case <-ctx.Done():
		failure = ctx.Err()
	}

	// Unblock the pending Accept; a connection that slipped in is dropped.
	_ = c.listener.Close()
	if r := <-result; r.conn != nil {
		r.conn.Close()
	}
	return failure
}

// Read returns the next complete sample, waiting at most timeout (or the
// channel's ReadTimeout when timeout is zero). A record split across TCP
// segments is reassembled; bytes received before a timeout are kept for
// the next call so the stream never loses alignment.
func (c *Channel) Read(ctx context.Context, timeout time.Duration) Result {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.conn == nil {
		return Result{Kind: Closed, Err: ErrNotConnected}
	}
	if c.lost {
		return Result{Kind: Closed, Err: ErrClosed}
	}
	if timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for c.have < RecordSize {
		n, err := c.conn.Read(c.pending[c.have:])
		c.have += n
		if err == nil {
			continue
		}
		if c.have == RecordSize {
			break
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.timeouts.Add(1)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{Kind: Timeout, Err: ctxErr}
			}
			return Result{Kind: Timeout, Err: ErrTimeout}
		}
		c.lost = true
		if errors.Is(err, io.EOF) {
			c.logger.Warn("tracker closed the gaze connection")
		} else {
			c.logger.Warn("gaze read failed", "error", err)
		}
		return Result{Kind: Closed, Err: fmt.Errorf("%w: %v", ErrClosed, err)}
	}

	s, _ := DecodeSample(c.pending[:])
	s.At = time.Now()
	c.have = 0
	c.samples.Add(1)
	return Result{Kind: Data, Sample: s}
}

// Latest returns the newest complete sample, discarding older records that
// queued up since the last call. When nothing is buffered it waits like
// Read. A partial trailing record is kept for the next call.
func (c *Channel) Latest(ctx context.Context, timeout time.Duration) Result {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.conn == nil {
		return Result{Kind: Closed, Err: ErrNotConnected}
	}
	if c.lost {
		return Result{Kind: Closed, Err: ErrClosed}
	}
	if timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var (
		newest Sample
		got    bool
	)
	for {
		n, err := c.conn.Read(c.drain[:])
		if s, ok := c.consume(c.drain[:n]); ok {
			newest, got = s, true
		}
		if err == nil {
			if got && n < len(c.drain) {
				break
			}
			if got {
				// The buffer filled up; more records may be waiting.
				_ = c.conn.SetReadDeadline(time.Now().Add(drainWait))
			}
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if got {
				break
			}
			c.timeouts.Add(1)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{Kind: Timeout, Err: ctxErr}
			}
			return Result{Kind: Timeout, Err: ErrTimeout}
		}
		c.lost = true
		if errors.Is(err, io.EOF) {
			c.logger.Warn("tracker closed the gaze connection")
		} else {
			c.logger.Warn("gaze read failed", "error", err)
		}
		if got {
			break
		}
		return Result{Kind: Closed, Err: fmt.Errorf("%w: %v", ErrClosed, err)}
	}

	newest.At = time.Now()
	return Result{Kind: Data, Sample: newest}
}

// consume appends p to the pending record and returns the last record it
// completed, if any.
func (c *Channel) consume(p []byte) (Sample, bool) {
	var (
		last Sample
		ok   bool
	)
	for len(p) > 0 {
		n := copy(c.pending[c.have:], p)
		c.have += n
		p = p[n:]
		if c.have == RecordSize {
			last, _ = DecodeSample(c.pending[:])
			ok = true
			c.have = 0
			c.samples.Add(1)
		}
	}
	return last, ok
}

// Sample reads one sample with the configured timeout and folds the Result
// into an error: ErrTimeout or ErrClosed (wrapped).
func (c *Channel) Sample(ctx context.Context) (Sample, error) {
	r := c.Read(ctx, 0)
	switch r.Kind {
	case Data:
		return r.Sample, nil
	default:
		return Sample{}, r.Err
	}
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.readMu.Lock()
	lost := c.lost
	c.readMu.Unlock()
	return Stats{
		Samples:  c.samples.Load(),
		Timeouts: c.timeouts.Load(),
		Closed:   lost,
	}
}

// Close kills the tracker process tree first, then closes the connection
// and the listener. Every step runs even if an earlier one fails.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		var errs []error

		if c.tracker != nil {
			if err := c.tracker.Kill(); err != nil {
				c.logger.Error("tracker teardown failed", "error", err)
				errs = append(errs, err)
			}
		}

		// A Read in progress holds the lock for at most one read timeout.
		c.readMu.Lock()
		conn := c.conn
		c.lost = true
		c.readMu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Error("closing gaze connection failed", "error", err)
				errs = append(errs, err)
			}
		}

		if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("closing gaze listener failed", "error", err)
			errs = append(errs, err)
		}

		c.closeErr = errors.Join(errs...)
		c.logger.Info("gaze channel closed")
	})
	return c.closeErr
}
