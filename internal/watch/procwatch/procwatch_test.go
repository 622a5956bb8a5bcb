package procwatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jherland/depfinder/internal/trace"
)

func TestEmitExecEventEmitsForkThenExec(t *testing.T) {
	w := NewWatcher(nil)

	w.emitExecEvent(1234, 5678, "/usr/bin/cc", []string{"cc", "-O2", "main.c"})
	close(w.events)

	var got []trace.Event
	for ev := range w.events {
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("emitExecEvent produced %d events, want 2", len(got))
	}
	if got[0].Kind != trace.Fork || got[0].PID != 5678 || got[0].ChildPID != 1234 {
		t.Errorf("got[0] = %+v, want Fork{PID:5678, ChildPID:1234}", got[0])
	}
	if got[1].Kind != trace.Exec || got[1].PID != 1234 || got[1].Executable != "/usr/bin/cc" {
		t.Errorf("got[1] = %+v, want Exec{PID:1234, Executable:/usr/bin/cc}", got[1])
	}
}

func TestEmitDropsWhenChannelFull(t *testing.T) {
	w := &Watcher{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		events: make(chan trace.Event, 1),
	}

	w.emit(trace.Event{PID: 1, Kind: trace.Exec})
	w.emit(trace.Event{PID: 2, Kind: trace.Exec}) // buffer full, should be dropped (a warning is logged)

	close(w.events)
	var got []trace.Event
	for ev := range w.events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].PID != 1 {
		t.Fatalf("got %v, want exactly the first event to survive", got)
	}
}
