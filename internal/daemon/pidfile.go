// Package daemon tracks a running reviewd server through its pid file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live server owns the file.
var ErrAlreadyRunning = errors.New("server already running")

// State is what a running server records: its pid, the address it serves
// on and when it started. Only the pid line is mandatory.
type State struct {
	PID       int
	Addr      string
	StartedAt time.Time
}

// PIDFile manages the state file of a daemon process.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records the current process as the server listening on addr. A
// stale file left by a dead process is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if st, running := p.IsRunning(); running {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, st.PID)
	}
	return p.WriteState(State{PID: os.Getpid(), Addr: addr, StartedAt: time.Now().UTC()})
}

// WriteState writes st to the file, one field per line.
func (p *PIDFile) WriteState(st State) error {
	var b strings.Builder
	b.WriteString(strconv.Itoa(st.PID) + "\n")
	b.WriteString(st.Addr + "\n")
	if !st.StartedAt.IsZero() {
		b.WriteString(st.StartedAt.Format(time.RFC3339) + "\n")
	}
	return os.WriteFile(p.Path, []byte(b.String()), 0o644)
}

// Read parses the state file.
func (p *PIDFile) Read() (State, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return State{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return State{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	st := State{PID: pid}
	if len(lines) > 1 {
		st.Addr = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[2])); err == nil {
			st.StartedAt = t
		}
	}
	return st, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
