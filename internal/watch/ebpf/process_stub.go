// process_stub.go — non-Linux stub for the ebpf package.
//
// On non-Linux platforms every exported symbol is available but Start
// always returns ErrNotSupported. This allows callers to import the package
// unconditionally and branch on errors rather than using build tags.

//go:build !linux

package ebpf

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jherland/depfinder/internal/trace"
)

// ErrNotSupported is returned by Start on non-Linux platforms. It is defined
// only in non-Linux builds.
var ErrNotSupported = errors.New("ebpf: eBPF execve tracing is only supported on Linux >= 5.8")

// Watcher is a no-op stub on non-Linux platforms.
type Watcher struct{}

// NewWatcher returns a stub Watcher on non-Linux platforms.
func NewWatcher(_ *slog.Logger) *Watcher {
	return &Watcher{}
}

// SetBPFObject is a no-op on non-Linux platforms.
func (w *Watcher) SetBPFObject(_ []byte) {}

// Start always returns ErrNotSupported on non-Linux platforms.
func (w *Watcher) Start(_ context.Context) error {
	return ErrNotSupported
}

// Stop is a no-op on non-Linux platforms.
func (w *Watcher) Stop() {}

// Events returns a nil channel on non-Linux platforms.
func (w *Watcher) Events() <-chan trace.Event {
	return nil
}
