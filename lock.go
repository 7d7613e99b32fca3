package blkcache

import (
	"os"

	"golang.org/x/sys/unix"
)

// sessionLock is the exclusive advisory lock CacheEngine.Open takes on
// <mapPath>.lock so two engine instances never both write the same
// StatusMap/CacheFile pair. It is held for the engine's lifetime and
// released on Close.
type sessionLock struct {
	f *os.File
}

// acquireSessionLock opens (creating if needed) lockPath and takes a
// non-blocking exclusive flock on it. Contention surfaces as
// ErrAlreadyInUse.
func acquireSessionLock(lockPath string) (*sessionLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open lock file", Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyInUse
		}
		return nil, &IOError{Op: "flock", Err: err}
	}
	return &sessionLock{f: f}, nil
}

// release drops the flock and closes the lock file descriptor. Idempotent.
func (l *sessionLock) release() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return &IOError{Op: "funlock", Err: err}
	}
	if closeErr != nil {
		return &IOError{Op: "close lock file", Err: closeErr}
	}
	return nil
}
