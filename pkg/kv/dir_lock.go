//go:build unix

package kv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const lockExt = ".lock"

var _ Locker = (*Dir)(nil)

// TryLock takes an exclusive flock on a lock file for name. It fails with
// [ErrLocked] if any other open handle, in this process or another, holds it.
func (d *Dir) TryLock(name string) (io.Closer, error) {
	path := filepath.Join(d.root, hex.EncodeToString([]byte(name))+lockExt)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("kv dir: open lock: %w", err)
	}

	err = flockRetryEINTR(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}

		return nil, fmt.Errorf("kv dir: flock: %w", err)
	}

	return &dirLock{file: f}, nil
}

type dirLock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock. Calling it again is a no-op.
func (l *dirLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// flockRetryEINTR retries flock when a signal interrupts it, with a cap so a
// signal storm cannot spin forever.
func flockRetryEINTR(fd, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
