//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded state and whether its process is alive.
// On Windows, uses os.FindProcess + a zero signal equivalent.
func (p *PIDFile) IsRunning() (State, bool) {
	st, err := p.Read()
	if err != nil {
		return State{}, false
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return st, false
	}
	err = proc.Signal(syscall.Signal(0))
	return st, err == nil
}

// Signal sends the given signal to the recorded process.
// On Windows, only SIGKILL (os.Kill) is reliably supported.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	st, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", st.PID, err)
	}
	return proc.Signal(sig)
}
