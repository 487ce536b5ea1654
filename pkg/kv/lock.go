package kv

import (
	"errors"
	"io"
)

// ErrLocked is returned by [Locker.TryLock] when another handle holds the
// lock.
var ErrLocked = errors.New("kv: snapshot is locked by another writer")

// Locker is implemented by stores that can keep a second writer off the same
// snapshot name. The lock is advisory and released by closing it.
type Locker interface {
	TryLock(name string) (io.Closer, error)
}
