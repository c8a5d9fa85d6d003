//go:build unix

// Package unix provides platform-specific process helpers.
package unix

import (
	"os/signal"
	"sync"
	"syscall"
)

// sigpipeMu serializes the window in which SIGPIPE is temporarily not ignored
var sigpipeMu sync.Mutex

// WithDefaultSIGPIPE runs start, typically an exec.Cmd's Start, so that
// the child begins with the default SIGPIPE disposition.
//
// Signals the Go runtime handles are reset to their default on exec, but
// a signal ignored through signal.Ignore stays ignored in every child.
// If the caller ignores SIGPIPE the ignore is lifted around start and
// restored afterwards. Every start runs under sigpipeMu, so a concurrent
// caller never observes the lifted state and skips the reset.
func WithDefaultSIGPIPE(start func() error) error {
	sigpipeMu.Lock()
	defer sigpipeMu.Unlock()

	if !signal.Ignored(syscall.SIGPIPE) {
		return start()
	}

	signal.Reset(syscall.SIGPIPE)
	defer signal.Ignore(syscall.SIGPIPE)

	return start()
}
