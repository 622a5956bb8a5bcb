// Package eventlog provides a tamper-evident, append-only log of the
// normalized trace events a depfinder session observes. Entries are
// SHA-256 hash-chained so that a downstream auditor can verify no event
// was altered or dropped after the fact, independent of the final
// collapsed summary.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, event, prev_hash}) )
//
// The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each entry is one JSON line terminated by '\n'. The file is opened with
// os.O_APPEND | os.O_CREATE | os.O_WRONLY so every write is appended
// atomically by the OS.
//
// # Thread safety
//
// Log is safe for concurrent use; a mutex serializes Append calls to
// maintain a consistent sequence number and prev_hash.
package eventlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jherland/depfinder/internal/trace"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// wireEvent is the JSON shape of a normalized trace.Event as stored in the
// log, independent of trace.Event's in-memory layout.
type wireEvent struct {
	PID        int               `json:"pid"`
	Kind       string            `json:"kind"`
	Path       string            `json:"path,omitempty"`
	Exists     bool              `json:"exists,omitempty"`
	Executable string            `json:"executable,omitempty"`
	Argv       []string          `json:"argv,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	ChildPID   int               `json:"child_pid,omitempty"`
}

func toWireEvent(ev trace.Event) wireEvent {
	return wireEvent{
		PID:        ev.PID,
		Kind:       ev.Kind.String(),
		Path:       ev.Path,
		Exists:     ev.Exists,
		Executable: ev.Executable,
		Argv:       ev.Argv,
		Env:        ev.Env,
		ExitCode:   ev.ExitCode,
		ChildPID:   ev.ChildPID,
	}
}

// entry is the wire format for one log line.
type entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     wireEvent `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     wireEvent `json:"event"`
	PrevHash  string    `json:"prev_hash"`
}

// Log is a tamper-evident, append-only event log writer. Create one with
// Open; do not copy after first use.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path. If it already contains
// entries, Open replays them to restore the chain's sequence number and
// prev_hash, returning an error if the existing chain is broken.
func Open(path string) (*Log, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("eventlog: malformed entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Event: e.Event, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("eventlog: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("eventlog: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("eventlog: scanning existing log %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open for appending %q: %w", path, err)
	}

	return &Log{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append records ev as the next entry in the chain.
func (l *Log) Append(ev trace.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Event: toWireEvent(ev), PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Event: content.Event, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventlog: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("eventlog: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("eventlog: sync: %w", err)
	}
	return l.file.Close()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("eventlog: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
