// Package lock implements the pidfile that guards a single daemon instance.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrAlreadyRunning means a live process owns the pidfile.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning means the pidfile is absent or names a dead process.
	ErrNotRunning = errors.New("not running")
	// ErrCorruptPIDFile means the pidfile exists but holds no valid pid.
	ErrCorruptPIDFile = errors.New("corrupt pidfile")
)

// PIDLock is a single-instance lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type PIDLock struct {
	path string
	pid  int
	f    *os.File
}

// AcquirePIDLock acquires an exclusive non-blocking lock at lockPath, writes the
// current PID into the file, and returns a handle that must be released.
// If another process holds the lock the error wraps ErrAlreadyRunning.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, rerr := ReadPID(lockPath); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d, pidfile %s)", ErrAlreadyRunning, pid, lockPath)
			}
			return nil, fmt.Errorf("%w (pidfile %s is locked)", ErrAlreadyRunning, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &PIDLock{path: lockPath, pid: os.Getpid(), f: f}
	if err := l.writePID(); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *PIDLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", l.pid); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) PID() int { return l.pid }

// Release removes the pidfile if it still names this process, then drops the
// lock. Safe to call more than once.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	var rmErr error
	if pid, err := ReadPID(l.path); err == nil && pid == l.pid {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			rmErr = fmt.Errorf("remove pidfile: %w", err)
		}
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if rmErr != nil {
		return rmErr
	}
	return err
}

// ReadPID parses the pidfile at path. A missing file wraps ErrNotRunning and
// unparseable content wraps ErrCorruptPIDFile.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: no pidfile at %s", ErrNotRunning, path)
		}
		return 0, fmt.Errorf("read pidfile: %w", err)
	}
	s := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s contains %q", ErrCorruptPIDFile, path, s)
	}
	return pid, nil
}

// Running returns the pid named by the pidfile if that process is alive.
// A stale pidfile wraps ErrNotRunning.
func Running(path string) (int, error) {
	pid, err := ReadPID(path)
	if err != nil {
		return 0, err
	}
	if !ProcessAlive(pid) {
		return pid, fmt.Errorf("%w: stale pidfile %s names dead pid %d", ErrNotRunning, path, pid)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
