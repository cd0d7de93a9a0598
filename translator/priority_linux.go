package translator

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// lowerPriority moves the calling goroutine to its own thread at the lowest priority.
// The thread is never unlocked, so it exits with the goroutine.
func lowerPriority() error {
	runtime.LockOSThread()

	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), 19)
}
