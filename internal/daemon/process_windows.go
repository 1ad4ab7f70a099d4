//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach is a no-op; Windows has no Setsid equivalent.
func Detach(_ *exec.Cmd) {}

func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// Stop has no graceful variant on Windows; in-flight runs are abandoned.
func (p *PIDFile) Stop() error { return p.Signal(syscall.SIGKILL) }

func (p *PIDFile) Kill() error { return p.Signal(syscall.SIGKILL) }
