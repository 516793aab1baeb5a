package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireFreshLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquireRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := Acquire(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireTakesOverStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	// PID 1 always exists on a real system's init; use an implausibly
	// large PID instead, which the kernel will report as ESRCH.
	require.NoError(t, os.WriteFile(path, []byte("2000000000"), 0o644))

	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquireRejectsCorruptPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	_, err := Acquire(path)
	require.ErrorIs(t, err, ErrInvalidPID)
}

func TestCloseRemovesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	g, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
