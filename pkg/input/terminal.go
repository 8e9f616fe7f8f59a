package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

var (
	// ErrInputClosed is returned once the terminal input has ended.
	ErrInputClosed = errors.New("input: terminal closed")

	// ErrInterrupted is returned when the operator presses Ctrl-C in raw mode.
	ErrInterrupted = errors.New("input: interrupted")
)

// TerminalReady fires when the operator presses Enter or Space. When the
// input is a terminal it is switched to raw mode so a single key press is
// enough; Close restores it.
type TerminalReady struct {
	logger *slog.Logger
	keys   chan byte
	done   chan struct{}

	fd       int
	oldState *term.State

	onInterrupt atomic.Pointer[func()]
	closeOnce   sync.Once
}

// ctrlC is what Ctrl-C reads as in raw mode.
const ctrlC = 0x03

// OnInterrupt registers fn to run when Ctrl-C is pressed. Raw mode stops the
// terminal from raising SIGINT, so callers that rely on the signal outside
// WaitReady should cancel their context here.
func (t *TerminalReady) OnInterrupt(fn func()) {
	t.onInterrupt.Store(&fn)
}

// NewTerminalReady starts reading in. Pass os.Stdin in production.
func NewTerminalReady(in io.Reader, logger *slog.Logger) (*TerminalReady, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TerminalReady{
		logger: logger.With("component", "input"),
		keys:   make(chan byte, 16),
		done:   make(chan struct{}),
		fd:     -1,
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, fmt.Errorf("input: raw mode: %w", err)
		}
		t.oldState = state
	}

	go t.read(in)
	return t, nil
}

// read runs until in fails. A blocked read on a terminal cannot be
// interrupted; the goroutine ends with the process.
func (t *TerminalReady) read(in io.Reader) {
	defer close(t.done)
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == ctrlC {
				if fn := t.onInterrupt.Load(); fn != nil && *fn != nil {
					(*fn)()
				}
			}
			select {
			case t.keys <- buf[0]:
			default:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("terminal read ended", "error", err)
			}
			return
		}
	}
}

func isReadyKey(b byte) bool {
	return b == '\r' || b == '\n' || b == ' '
}

// WaitReady discards keys typed before the call, then waits for Enter or Space.
func (t *TerminalReady) WaitReady(ctx context.Context) error {
	for {
		select {
		case <-t.keys:
			continue
		default:
		}
		break
	}
	for {
		select {
		case b := <-t.keys:
			if isReadyKey(b) {
				return nil
			}
			if b == ctrlC {
				return ErrInterrupted
			}
		case <-t.done:
			return ErrInputClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close restores the terminal mode.
func (t *TerminalReady) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.oldState != nil {
			err = term.Restore(t.fd, t.oldState)
		}
	})
	return err
}
