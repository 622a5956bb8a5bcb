package eventlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jherland/depfinder/internal/eventlog"
	"github.com/jherland/depfinder/internal/trace"
)

func openForAppendTest(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
}

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "events.jsonl")
}

func openLog(t *testing.T, path string) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("eventlog.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndReopen(t *testing.T) {
	path := tmpLog(t)
	l := openLog(t, path)

	if err := l.Append(trace.Event{PID: 1, Kind: trace.Exec, Executable: "/bin/echo", Argv: []string{"echo"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(trace.Event{PID: 1, Kind: trace.Exit, ExitCode: 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must replay the chain without error and continue it.
	l2, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if err := l2.Append(trace.Event{PID: 2, Kind: trace.Exit, ExitCode: 1}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
}

func TestOpenRejectsCorruptedChain(t *testing.T) {
	path := tmpLog(t)
	l := openLog(t, path)
	if err := l.Append(trace.Event{PID: 1, Kind: trace.Exit, ExitCode: 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	// Tamper with the file: append a bogus line breaking the chain.
	f, err := openForAppendTest(path)
	if err != nil {
		t.Fatalf("open for tamper: %v", err)
	}
	if _, err := f.WriteString(`{"seq":2,"ts":"2020-01-01T00:00:00Z","event":{"pid":9,"kind":"exit"},"prev_hash":"deadbeef","event_hash":"deadbeef"}` + "\n"); err != nil {
		t.Fatalf("tamper write: %v", err)
	}
	f.Close()

	if _, err := eventlog.Open(path); err == nil {
		t.Fatalf("expected chain-break error on reopen")
	}
}
