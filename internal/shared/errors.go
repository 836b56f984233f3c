package shared

import "errors"

var (
	// ErrLockHeld indicates another process owns a lock.
	ErrLockHeld = errors.New("lock held by another process")
	// ErrLockLost indicates a held lock expired or was taken over.
	ErrLockLost = errors.New("lock lost")
)
