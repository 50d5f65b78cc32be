//go:build linux

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CurrentThreadID returns the kernel thread id of the calling goroutine's
// host thread. Only meaningful from a goroutine that has called
// runtime.LockOSThread, such as a vCPU run loop.
func CurrentThreadID() int {
	return unix.Gettid()
}

// InterruptThread signals a vCPU host thread so a blocking guest entry
// returns to the run loop. The signal itself carries no payload; the
// run loop re-checks its interrupt controller on the way back in.
func InterruptThread(tid int) error {
	if tid == 0 {
		return nil
	}
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("hv: interrupt thread %d: %w", tid, err)
	}
	return nil
}
