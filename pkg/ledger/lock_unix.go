//go:build darwin || linux

package ledger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock on path, creating it if needed.
// It blocks until every other holder has released the lock.
func lockFile(path string) (func() error, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return func() error {
		unix.Flock(fd, unix.LOCK_UN)
		return unix.Close(fd)
	}, nil
}
