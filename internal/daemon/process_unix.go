//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach puts cmd in its own session so it outlives the launching terminal.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ShutdownSignals are the signals a foreground server drains and exits on.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// Stop asks the recorded process to shut down gracefully.
func (p *PIDFile) Stop() error { return p.Signal(syscall.SIGTERM) }

// Kill terminates the recorded process immediately.
func (p *PIDFile) Kill() error { return p.Signal(syscall.SIGKILL) }
