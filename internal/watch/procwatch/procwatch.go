// Package procwatch implements a NETLINK_CONNECTOR-based fallback watcher for
// depfinder's continuous watch mode, used when internal/watch/ebpf is
// unavailable (kernel < 5.8, missing CAP_BPF, or no BPF object loaded).
//
// Platform support:
//
//   - Linux: NETLINK_CONNECTOR process connector (kernel-driven, zero-polling).
//   - Other: a stub that returns an error on Start.
//
// Watcher is safe for concurrent use.
package procwatch

import (
	"log/slog"
	"sync"

	"github.com/jherland/depfinder/internal/trace"
)

// Watcher monitors process execve events system-wide and emits trace.Event
// values (Fork followed by Exec) for every execve observed on the host.
//
// Start requires CAP_NET_ADMIN (or root) on Linux.
type Watcher struct {
	logger *slog.Logger

	events   chan trace.Event
	mu       sync.Mutex
	cancel   func() // non-nil while running; platform files set this
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a Watcher. If logger is nil, slog.Default() is used.
// The returned watcher is not yet started; call Start to begin monitoring.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger,
		events: make(chan trace.Event, 256),
	}
}

// Events returns a read-only channel from which callers receive trace.Event
// values. The channel is closed when the watcher stops (after Stop returns).
func (w *Watcher) Events() <-chan trace.Event {
	return w.events
}

// emit delivers ev to the events channel without blocking. If the buffer is
// full the event is dropped and a warning is logged.
func (w *Watcher) emit(ev trace.Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("procwatch: event channel full, dropping event",
			slog.Int("pid", ev.PID), slog.String("kind", ev.Kind.String()))
	}
}

// emitExecEvent constructs and delivers a Fork event (parent -> pid) followed
// by an Exec event for pid. Called by the platform-specific loop.
func (w *Watcher) emitExecEvent(pid, ppid int, exe string, argv []string) {
	w.emit(trace.Event{PID: ppid, Kind: trace.Fork, ChildPID: pid})
	w.emit(trace.Event{PID: pid, Kind: trace.Exec, Executable: exe, Argv: argv})

	w.logger.Info("procwatch: execve observed",
		slog.Int("pid", pid),
		slog.Int("ppid", ppid),
		slog.String("exe", exe),
	)
}
