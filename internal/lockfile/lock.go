// Package lockfile provides advisory file locking used to enforce that at
// most one process holds a store open for writing at a time.
package lockfile

import "errors"

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLockBusy reports whether err indicates the lock is held elsewhere.
func IsLockBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}
