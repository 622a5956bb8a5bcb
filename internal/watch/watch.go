// Package watch drives depfinder's continuous, whole-host observation mode:
// instead of tracing one invocation under strace, it watches every execve on
// the machine via the kernel (eBPF primary, NETLINK_CONNECTOR fallback) and
// periodically folds the observed activity into a trace.ProcessRecord using
// the same forest builder the one-shot tracer uses.
//
// eBPF is preferred because it captures argv, UID, GID, and PPID directly in
// the kernel, avoiding the TOCTOU window between an exec event and a
// subsequent /proc read that the NETLINK_CONNECTOR path is exposed to.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jherland/depfinder/internal/trace"
	"github.com/jherland/depfinder/internal/watch/ebpf"
	"github.com/jherland/depfinder/internal/watch/procwatch"
)

// hostRootPID is the synthetic PID assigned to the root of the forest built
// from a whole-host snapshot. No real process ever has PID 0 on Linux, so it
// is unambiguous.
const hostRootPID = 0

// eventSource is satisfied by both ebpf.Watcher and procwatch.Watcher.
type eventSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan trace.Event
}

// Watcher observes execve activity across the whole host and accumulates it
// into a Collector. It prefers the eBPF backend and falls back to the
// NETLINK_CONNECTOR backend when eBPF is unavailable.
type Watcher struct {
	logger *slog.Logger
	source eventSource

	mu   sync.Mutex
	coll *Collector
	done chan struct{}
}

// New creates a Watcher. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger,
		coll:   NewCollector(),
	}
}

// Start selects a backend (eBPF, falling back to procwatch) and begins
// accumulating events into the Watcher's Collector. It returns once the
// chosen backend has been started.
func (w *Watcher) Start(ctx context.Context) error {
	primary := ebpf.NewWatcher(w.logger)
	if err := primary.Start(ctx); err != nil {
		w.logger.Warn("watch: eBPF backend unavailable, falling back to NETLINK_CONNECTOR",
			slog.Any("error", err))

		fallback := procwatch.NewWatcher(w.logger)
		if err := fallback.Start(ctx); err != nil {
			return fmt.Errorf("watch: no backend available: %w", err)
		}
		w.source = fallback
	} else {
		w.source = primary
	}

	w.done = make(chan struct{})
	go w.drain()
	return nil
}

// Stop stops the active backend and waits for the drain loop to exit.
func (w *Watcher) Stop() {
	if w.source != nil {
		w.source.Stop()
	}
	if w.done != nil {
		<-w.done
	}
}

func (w *Watcher) drain() {
	defer close(w.done)
	for ev := range w.source.Events() {
		w.mu.Lock()
		w.coll.Add(ev)
		w.mu.Unlock()
	}
}

// Snapshot folds every event observed since the last Snapshot call into a
// trace.ProcessRecord rooted at a synthetic host PID, and resets the
// Collector so the next Snapshot only reflects new activity.
func (w *Watcher) Snapshot() (*trace.ProcessRecord, error) {
	w.mu.Lock()
	coll := w.coll
	w.coll = NewCollector()
	w.mu.Unlock()

	return coll.Build()
}

// Collector buffers trace.Event values from a live watcher and closes them
// into a single well-formed stream that trace.Build can consume: every
// process that was observed starting but never seen to exit is given a
// synthetic exit, and every process whose parent was never observed is
// attached under a synthetic host root.
type Collector struct {
	events     []trace.Event
	introduced map[int]bool // pid -> has a Fork event that introduces it
	exited     map[int]bool // pid -> has an Exit event
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		introduced: map[int]bool{hostRootPID: true},
		exited:     map[int]bool{},
	}
}

// Add appends ev to the collector's buffer.
func (c *Collector) Add(ev trace.Event) {
	if ev.Kind == trace.Fork {
		c.introduced[ev.ChildPID] = true
	}
	if ev.Kind == trace.Exit {
		c.exited[ev.PID] = true
	}
	c.events = append(c.events, ev)
}

// Build closes the buffered events into a well-formed stream — prefixing a
// synthetic Fork from the host root for every process seen without one, and
// appending a synthetic Exit for every process never seen to exit — and
// hands the result to trace.Build.
func (c *Collector) Build() (*trace.ProcessRecord, error) {
	if len(c.events) == 0 {
		return nil, fmt.Errorf("watch: no events observed in this interval")
	}

	// The first event in the closed stream becomes the forest's root PID
	// (trace.Build's contract), so the first synthetic Fork inserted below
	// — introducing the first top-level pid encountered under the host
	// root — doubles as that root-introducing event. No separate
	// self-fork is needed or well-formed: a Fork whose ChildPID equals the
	// still-running parent's own PID is rejected by trace.Build.
	var closed []trace.Event
	seenRoot := map[int]bool{}
	for _, ev := range c.events {
		if !c.introduced[ev.PID] && !seenRoot[ev.PID] {
			closed = append(closed, trace.Event{PID: hostRootPID, Kind: trace.Fork, ChildPID: ev.PID})
			seenRoot[ev.PID] = true
		}
		closed = append(closed, ev)
	}

	for pid := range c.introduced {
		if pid == hostRootPID || c.exited[pid] {
			continue
		}
		closed = append(closed, trace.Event{PID: pid, Kind: trace.Exit, ExitCode: 0})
	}
	for pid := range seenRoot {
		if !c.exited[pid] {
			closed = append(closed, trace.Event{PID: pid, Kind: trace.Exit, ExitCode: 0})
		}
	}
	closed = append(closed, trace.Event{PID: hostRootPID, Kind: trace.Exit, ExitCode: 0})

	i := 0
	return trace.Build(func() (trace.Event, bool) {
		if i >= len(closed) {
			return trace.Event{}, false
		}
		ev := closed[i]
		i++
		return ev, true
	}, "")
}
