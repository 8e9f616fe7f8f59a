// Package proc launches an external helper process and tears down its
// whole process tree.
//
// Helpers such as the eye-tracker capture application spawn their own
// workers that hold hardware handles. Killing only the parent leaves those
// workers orphaned, so Kill walks the descendants first.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// waitTimeout bounds how long Kill waits for the parent to be reaped.
const waitTimeout = 3 * time.Second

// Process is a running child process.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	exited  chan struct{}
	waitErr error

	killOnce sync.Once
	killErr  error
}

// Start launches name with args. The child is not tied to ctx; it lives
// until Kill so that teardown order stays under the caller's control.
func Start(ctx context.Context, name string, args []string, logger *slog.Logger) (*Process, error) {
	if name == "" {
		return nil, errors.New("proc: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(name, args...)
	configure(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", name, err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger.With("component", "proc", "cmd", name, "pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	p.logger.Info("child process started")
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Kill terminates every descendant of the child, then the child itself,
// and waits for it to be reaped. Failures on individual processes are
// logged and collected; the walk continues. Safe to call more than once.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		p.killErr = p.kill()
	})
	return p.killErr
}

func (p *Process) kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	var errs []error

	root, err := process.NewProcess(int32(p.PID()))
	if err == nil {
		descendants := collectDescendants(root)
		// Deepest first so no parent can respawn a worker we already killed.
		for i := len(descendants) - 1; i >= 0; i-- {
			d := descendants[i]
			if err := d.Kill(); err != nil {
				if running, _ := d.IsRunning(); running {
					p.logger.Warn("failed to kill descendant", "child_pid", d.Pid, "error", err)
					errs = append(errs, fmt.Errorf("proc: kill descendant %d: %w", d.Pid, err))
				}
			}
		}
	} else {
		p.logger.Debug("process lookup failed, killing parent only", "error", err)
	}

	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.exited:
		default:
			errs = append(errs, fmt.Errorf("proc: kill %d: %w", p.PID(), err))
		}
	}

	select {
	case <-p.exited:
	case <-time.After(waitTimeout):
		errs = append(errs, fmt.Errorf("proc: %d not reaped within %v", p.PID(), waitTimeout))
	}

	if len(errs) == 0 {
		p.logger.Info("child process tree terminated")
	}
	return errors.Join(errs...)
}

// collectDescendants returns the tree below root in breadth-first order.
func collectDescendants(root *process.Process) []*process.Process {
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}
