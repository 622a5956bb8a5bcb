// Stub implementation of Watcher for non-Linux platforms.
//
// On Linux the real implementation in procwatch_linux.go is compiled; this
// file provides the Start and Stop methods on macOS, Windows, and other
// operating systems.
//
//go:build !linux

package procwatch

import (
	"context"
	"fmt"
	"runtime"
)

// Start always returns an error on non-Linux platforms because the kernel
// process-event connector is a Linux-specific interface.
func (w *Watcher) Start(_ context.Context) error {
	return fmt.Errorf(
		"procwatch: PROC_EVENT_EXEC process-event tracing is only "+
			"supported on Linux (current platform: %s)",
		runtime.GOOS,
	)
}

// Stop is a no-op on non-Linux platforms. It closes the Events channel
// exactly once so that callers ranging over Events() terminate cleanly.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.events)
	})
}
