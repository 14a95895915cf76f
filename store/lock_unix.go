//go:build !windows

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// dirLock is the advisory exclusive lock spec.md §3 requires a running
// AtomicStore to hold on its directory ("enforced by an OS-level file lock
// on a sentinel file").
type dirLock struct {
	f *os.File
}

// acquireLock opens (creating if absent) the sentinel lockfile under dir
// and takes a non-blocking exclusive flock on it. ErrLocked is returned if
// another process already holds it.
func acquireLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
