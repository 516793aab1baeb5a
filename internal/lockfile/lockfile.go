// Package lockfile implements the single-instance guard described in
// spec.md §4.H: a plain-text PID file under the data directory, with
// stale-lock takeover driven by a liveness check rather than mere
// existence, grounded on the original implementation's
// read_lock_file_pid + kill(pid, 0) pattern (core/src/utils.rs,
// server/src/startup.rs).
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrInvalidPID reports a lock file whose contents don't parse as a
// decimal PID.
var ErrInvalidPID = errors.New("lockfile: invalid pid in lock file")

// ErrAlreadyRunning reports a lock file naming a PID that is still
// alive.
var ErrAlreadyRunning = errors.New("lockfile: another instance is already running")

// Guard holds an acquired lock file; release it with Close.
type Guard struct {
	path string
}

// Acquire takes ownership of the lock file at path. If the file doesn't
// exist, or names a PID that's no longer alive, it is (re)written with
// the current process's PID and a *Guard is returned. If it names a
// live PID, ErrAlreadyRunning is returned.
func Acquire(path string) (*Guard, error) {
	pid, err := readPID(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil && pid != 0 && alive(pid) {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}
	return &Guard{path: path}, nil
}

// Close releases the lock by unlinking the lock file, per spec.md
// §4.I's clean-shutdown sequence.
func (g *Guard) Close() error {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", g.path, err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s contains %q", ErrInvalidPID, path, s)
	}
	return pid, nil
}

// alive reports whether pid names a live process, using the null
// signal (kill(pid, 0)) the way the original implementation's takeover
// logic does.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}
