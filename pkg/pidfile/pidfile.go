// Package pidfile implements the process-supervision contract: an
// advisory-locked file holding the daemon's PID. A second daemon pointed
// at the same path learns it is redundant through ErrAlreadyRunning.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning indicates another process holds the PID file lock.
var ErrAlreadyRunning = errors.New("pidfile: already locked by another process")

// Handle is a held PID file lock.
type Handle struct {
	path string
	file *os.File
}

// Acquire creates (or reopens) the PID file at path, takes an exclusive
// non-blocking flock on it and writes the current PID.
func Acquire(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("pidfile: locking %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: truncating %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: writing %s: %w", path, err)
	}

	return &Handle{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	defer func() { h.file = nil }()

	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
		h.file.Close()
		return fmt.Errorf("pidfile: unlocking %s: %w", h.path, err)
	}
	if err := h.file.Close(); err != nil {
		return err
	}
	return os.Remove(h.path)
}
