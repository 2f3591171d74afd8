//go:build unix

package mirror

import (
	"os"
	"syscall"
)

// Flock is an advisory lock on an open file.  A run holds it for its
// whole duration so concurrent invocations against the same mirror
// directory serialize instead of corrupting each other's staging.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock, blocking until it is available.
func (l Flock) Lock() error {
	return syscall.Flock(int(l.Fd()), syscall.LOCK_EX)
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	return syscall.Flock(int(l.Fd()), syscall.LOCK_UN)
}
