// Package input provides the "subject is ready" signal used during
// calibration. Sources include the operator's terminal, a key press in the
// display window and commands from the remote console.
package input

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Ready blocks until the ready signal fires or ctx ends.
type Ready interface {
	WaitReady(ctx context.Context) error
}

// ReadyFunc adapts a function to Ready.
type ReadyFunc func(ctx context.Context) error

// WaitReady calls f.
func (f ReadyFunc) WaitReady(ctx context.Context) error {
	return f(ctx)
}

// KeyWaiter is satisfied by display surfaces.
type KeyWaiter interface {
	WaitKey(timeout time.Duration) (key int, ok bool)
}

// keyPoll is how long each WaitKey call may block.
const keyPoll = 10 * time.Millisecond

// KeyReady fires on any key pressed in a display window. It must run on
// the goroutine that owns the window.
type KeyReady struct {
	keys KeyWaiter
}

// NewKeyReady creates a ready source backed by w.
func NewKeyReady(w KeyWaiter) *KeyReady {
	return &KeyReady{keys: w}
}

// WaitReady polls for a key until one is pressed or ctx ends.
func (k *KeyReady) WaitReady(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := k.keys.WaitKey(keyPoll); ok {
			return nil
		}
	}
}

// ChanReady fires when Signal is called, typically from the operator console.
// Signals sent while nobody is waiting are dropped so a stale press cannot
// confirm the next marker.
type ChanReady struct {
	ch      chan struct{}
	waiting atomic.Int32
}

// NewChanReady creates a remotely triggered ready source.
func NewChanReady() *ChanReady {
	return &ChanReady{ch: make(chan struct{}, 1)}
}

// Signal fires the ready signal. It reports whether a waiter was present.
func (c *ChanReady) Signal() bool {
	if c.waiting.Load() == 0 {
		return false
	}
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return true
}

// Waiting reports whether a caller is blocked in WaitReady.
func (c *ChanReady) Waiting() bool {
	return c.waiting.Load() > 0
}

// WaitReady blocks until Signal or ctx ends.
func (c *ChanReady) WaitReady(ctx context.Context) error {
	c.waiting.Add(1)
	defer c.waiting.Add(-1)
	select {
	case <-c.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type anyReady []Ready

// Any fires when the first of sources fires. The first source runs on the
// calling goroutine, so thread-bound sources such as KeyReady go first; the
// rest run concurrently and are cancelled once any source fires.
func Any(sources ...Ready) Ready {
	var out anyReady
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// WaitReady implements Ready.
func (a anyReady) WaitReady(ctx context.Context) error {
	if len(a) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	inner, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		won  atomic.Bool
		errs = make([]error, len(a))
	)
	run := func(i int) {
		err := a[i].WaitReady(inner)
		if err == nil {
			won.Store(true)
			cancel()
			return
		}
		errs[i] = err
	}
	for i := 1; i < len(a); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run(i)
		}(i)
	}
	run(0)
	wg.Wait()

	if won.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
