// Package ebpf implements a Go eBPF loader and userspace event consumer for
// depfinder's continuous watch mode.
//
// The companion eBPF kernel program (process.bpf.c) attaches to the
// sys_enter_execve and sys_enter_execveat tracepoints and writes exec_event
// records to a BPF ring buffer. This package loads that pre-compiled
// program, reads events from the ring buffer, and converts them into
// trace.Event values that feed the same process forest builder used by the
// one-shot strace tracer.
//
// # Kernel requirements
//
//   - Linux >= 5.8 (BPF ring buffer: BPF_MAP_TYPE_RINGBUF)
//   - CAP_BPF (Linux >= 5.8) or CAP_SYS_ADMIN (older kernels)
//   - CONFIG_BPF_SYSCALL=y, CONFIG_DEBUG_INFO_BTF=y (for CO-RE)
//
// # Build variants
//
// Standard build — no embedded BPF object (Start returns an informative error):
//
//	go build ./internal/watch/ebpf/...
//
// Embedded build — bundles the compiled BPF object into the binary:
//
//	make -C internal/watch/ebpf   # compile process.bpf.c -> process.bpf.o
//	go build -tags bpf_embedded ./internal/watch/ebpf/...
//
//go:build linux

package ebpf

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jherland/depfinder/internal/trace"
)

// bpfObjectBytes holds the pre-compiled eBPF program object.
//
// In a standard build this is nil; Start() returns a descriptive error.
// When built with -tags bpf_embedded (after running make in the ebpf
// directory), bpfobject_embed_linux.go sets this variable via //go:embed.
var bpfObjectBytes []byte

// execEvent mirrors the C exec_event struct defined in process.h.
//
// Layout (total 544 bytes, matching the C definition exactly):
//
//	PID      uint32    4 B  — tgid (matches getpid(2))
//	PPID     uint32    4 B  — parent tgid
//	UID      uint32    4 B  — real UID
//	GID      uint32    4 B  — real GID
//	Comm     [16]byte  16 B — short task name (TASK_COMM_LEN)
//	Filename [256]byte 256 B — execve filename argument
//	Argv     [256]byte 256 B — space-joined argv[0..N]
type execEvent struct {
	PID      uint32
	PPID     uint32
	UID      uint32
	GID      uint32
	Comm     [16]byte
	Filename [256]byte
	Argv     [256]byte
}

// ExecEventSize is the expected on-wire size of an exec_event ring-buffer
// record (544 bytes). It is validated at readLoop time against the raw
// sample length.
const ExecEventSize = 4 + 4 + 4 + 4 + 16 + 256 + 256

const execEventSize = ExecEventSize

// Watcher loads the eBPF execve-tracing program and delivers trace.Event
// values (Fork followed by Exec) for every execve observed on the host.
//
// Unlike the NETLINK_CONNECTOR-based Watcher in internal/watch/procwatch,
// this implementation captures argv, UID, GID, and PPID directly in the
// kernel, avoiding the TOCTOU window between the exec event and a
// subsequent /proc read.
//
// Requires either the -tags bpf_embedded build or BPF object bytes passed to
// SetBPFObject before calling Start.
type Watcher struct {
	logger   *slog.Logger
	objBytes []byte // BPF object bytes; falls back to package-level bpfObjectBytes

	events   chan trace.Event
	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates an eBPF-backed Watcher. If logger is nil,
// slog.Default() is used. The returned watcher is not yet started; call
// Start to begin monitoring.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger,
		events: make(chan trace.Event, 256),
	}
}

// SetBPFObject supplies the compiled BPF object bytes to use when Start is
// called. Must be called before Start.
func (w *Watcher) SetBPFObject(obj []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objBytes = obj
}

// Events returns a read-only channel from which callers receive trace.Event
// values. The channel is closed when the watcher stops (after Stop returns).
func (w *Watcher) Events() <-chan trace.Event {
	return w.events
}

// Start loads the eBPF object into the kernel, attaches the execve and
// execveat tracepoints, and begins delivering trace.Event values for every
// exec observed on the host. It returns immediately after launching the
// background ring-buffer reader loop.
//
// Requires CAP_BPF (Linux >= 5.8) or CAP_SYS_ADMIN; returns a descriptive
// error otherwise.
//
// Calling Start on an already-running watcher is a no-op (returns nil).
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil // already running
	}

	objBytes := w.objBytes
	if len(objBytes) == 0 {
		objBytes = bpfObjectBytes
	}
	if len(objBytes) == 0 {
		return fmt.Errorf("ebpf watcher: no BPF object available; " +
			"either build with -tags bpf_embedded (after running " +
			"\"make -C internal/watch/ebpf\") or call SetBPFObject before Start")
	}

	obj, err := loadBPFObject(bytes.NewReader(objBytes))
	if err != nil {
		return fmt.Errorf("ebpf watcher: load BPF object: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.readLoop(ctx, obj)

	w.logger.Info("ebpf watcher started", slog.String("mechanism", "eBPF/tracepoint+ringbuf"))
	return nil
}

// Stop signals the watcher to cease monitoring, waits for the background
// loop to exit, and closes the Events channel. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.cancel = nil
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		w.wg.Wait()

		close(w.events)
		w.logger.Info("ebpf watcher stopped")
	})
}

// readLoop is the background goroutine started by Start. It reads raw
// samples from the BPF ring buffer, decodes them into execEvent structs, and
// dispatches fork+exec events. It exits when ctx is cancelled or the ring
// buffer returns an unrecoverable error.
func (w *Watcher) readLoop(ctx context.Context, obj *bpfObject) {
	defer w.wg.Done()
	defer obj.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, err := obj.ringbuf.readSample(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			w.logger.Warn("ebpf watcher: ring buffer read error", slog.Any("error", err))
			return
		}

		if len(sample) != execEventSize {
			w.logger.Warn("ebpf watcher: unexpected event size",
				slog.Int("got", len(sample)),
				slog.Int("want", execEventSize),
			)
			continue
		}

		var evt execEvent
		if err := binary.Read(bytes.NewReader(sample), binary.NativeEndian, &evt); err != nil {
			w.logger.Warn("ebpf watcher: decode event", slog.Any("error", err))
			continue
		}

		w.handleEvent(&evt)
	}
}

// handleEvent converts an execEvent into a Fork event (PPID -> PID) followed
// by an Exec event, and delivers both without blocking.
func (w *Watcher) handleEvent(evt *execEvent) {
	comm := nullTerminated(evt.Comm[:])
	filename := nullTerminated(evt.Filename[:])
	argv := splitArgv(nullTerminated(evt.Argv[:]), comm)

	w.emit(trace.Event{PID: int(evt.PPID), Kind: trace.Fork, ChildPID: int(evt.PID)})
	w.emit(trace.Event{
		PID:        int(evt.PID),
		Kind:       trace.Exec,
		Executable: filename,
		Argv:       argv,
	})

	w.logger.Info("ebpf watcher: execve observed",
		slog.Int("pid", int(evt.PID)),
		slog.Int("ppid", int(evt.PPID)),
		slog.String("exe", filename),
	)
}

func (w *Watcher) emit(ev trace.Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("ebpf watcher: event channel full, dropping event",
			slog.Int("pid", ev.PID), slog.String("kind", ev.Kind.String()))
	}
}

// nullTerminated returns the string content of buf up to and excluding the
// first NUL byte. If no NUL is present, the entire slice is returned as a
// string (this should not happen for well-formed kernel events).
func nullTerminated(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// splitArgv splits a space-joined argv string captured by the kernel program
// back into individual arguments. Falls back to []string{comm} when argv is
// empty (the kernel program truncates at 256 bytes and may drop it for very
// long command lines).
func splitArgv(argv, comm string) []string {
	if argv == "" {
		if comm == "" {
			return nil
		}
		return []string{comm}
	}
	fields := bytes.Fields([]byte(argv))
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
