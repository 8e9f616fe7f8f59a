//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// configure puts the child in its own process group so terminal signals
// aimed at the experiment do not reach the helper before teardown.
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
