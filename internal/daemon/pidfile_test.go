package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInStateDir(t *testing.T) {
	dir := t.TempDir()
	pf, logPath := InStateDir(dir)
	assert.Equal(t, filepath.Join(dir, "pitchdesk.pid"), pf.Path)
	assert.Equal(t, filepath.Join(dir, "pitchdesk.log"), logPath)
}

func TestPIDFile_WriteCreatesDirAndReads(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "state", "pitchdesk.pid"))

	require.NoError(t, pf.WritePID(12345))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	_, err := NewPIDFile(path).Read()
	assert.ErrorContains(t, err, "invalid PID file content")
}

func TestPIDFile_Acquire(t *testing.T) {
	t.Run("fresh file", func(t *testing.T) {
		pf := NewPIDFile(filepath.Join(t.TempDir(), "pitchdesk.pid"))
		require.NoError(t, pf.Acquire())
		pid, running := pf.IsRunning()
		assert.True(t, running)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("stale file is replaced", func(t *testing.T) {
		pf := NewPIDFile(filepath.Join(t.TempDir(), "pitchdesk.pid"))
		require.NoError(t, pf.WritePID(999999))
		require.NoError(t, pf.Acquire())
		pid, err := pf.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("live owner blocks", func(t *testing.T) {
		pf := NewPIDFile(filepath.Join(t.TempDir(), "pitchdesk.pid"))
		require.NoError(t, pf.WritePID(os.Getppid()))
		err := pf.Acquire()
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	})
}

func TestPIDFile_Release(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pitchdesk.pid")
	pf := NewPIDFile(path)

	// Another process's file is left alone.
	require.NoError(t, pf.WritePID(999999))
	require.NoError(t, pf.Release())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, pf.Acquire())
	require.NoError(t, pf.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is fine.
	assert.NoError(t, pf.Release())
}

func TestPIDFile_IsRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "pitchdesk.pid"))

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)

	require.NoError(t, pf.WritePID(999999))
	pid, running = pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestPIDFile_Signal(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "pitchdesk.pid"))

	err := pf.Signal(syscall.Signal(0))
	assert.ErrorContains(t, err, "read PID file")

	require.NoError(t, pf.Write())
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}
