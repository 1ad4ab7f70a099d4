package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "reviewd-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "reviewd-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	var buf bytes.Buffer
	ui.Out = &buf

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "not running")
}

func TestServeStatusRun_Running(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.WriteState(daemon.State{PID: os.Getpid(), Addr: ":8181", StartedAt: time.Now().Add(-time.Minute)}))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	var buf bytes.Buffer
	ui.Out = &buf

	require.NoError(t, serveStatusRun())
	assert.Contains(t, buf.String(), "running")
	assert.Contains(t, buf.String(), ":8181")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStopRun_DryRun(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() { dryRun = false })

	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Acquire(":8080"))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	require.NoError(t, serveStopRun())
	_, running := pf.IsRunning()
	assert.True(t, running)
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Acquire(":8080"))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeRun_RefusesSecondInstance(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Acquire(":8080"))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveRun(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}
