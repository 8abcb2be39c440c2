// Package sys holds the platform specific file primitives used by the ledger:
// advisory locking of segment files and space preallocation.
package sys

import (
	"errors"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("file is locked by another process")

// ErrOSFileLockNotSupported is returned on platforms without advisory locks.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// ErrPreallocNotSupported is returned when the underlying file or filesystem
// does not support preallocation. Callers treat it as informational.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

const lockRetryInterval = 25 * time.Millisecond

// LockPath returns the lock file guarding path.
func LockPath(path string) string {
	return path + ".lock"
}
