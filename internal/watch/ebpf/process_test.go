//go:build linux

package ebpf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jherland/depfinder/internal/trace"
)

// TestExecEventSize guards against accidental changes to the execEvent
// struct layout. The size must stay at 544 bytes to match the kernel-side
// C definition: 4+4+4+4+16+256+256 = 544.
func TestExecEventSize(t *testing.T) {
	const want = 544
	if execEventSize != want {
		t.Errorf("execEventSize = %d, want %d", execEventSize, want)
	}
}

func TestNullTerminated(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		want  string
	}{
		{"NUL terminated", []byte{'h', 'e', 'l', 'l', 'o', 0, 0, 0}, "hello"},
		{"no NUL (full buffer)", []byte{'a', 'b', 'c'}, "abc"},
		{"all zeros", []byte{0, 0, 0}, ""},
		{"empty slice", []byte{}, ""},
		{"NUL at first byte", []byte{0, 'x'}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nullTerminated(tc.input); got != tc.want {
				t.Errorf("nullTerminated(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSplitArgv(t *testing.T) {
	cases := []struct {
		name, argv, comm string
		want             []string
	}{
		{"normal argv", "make -j4 all", "make", []string{"make", "-j4", "all"}},
		{"empty argv falls back to comm", "", "bash", []string{"bash"}},
		{"empty argv and comm", "", "", nil},
		{"extra whitespace collapsed", "  cc   -O2  ", "cc", []string{"cc", "-O2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitArgv(tc.argv, tc.comm)
			if len(got) != len(tc.want) {
				t.Fatalf("splitArgv(%q, %q) = %v, want %v", tc.argv, tc.comm, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("splitArgv(%q, %q)[%d] = %q, want %q", tc.argv, tc.comm, i, got[i], tc.want[i])
				}
			}
		})
	}
}

// buildRawEvent constructs a 544-byte ring-buffer sample matching the
// execEvent layout, for exercising readLoop's decode path without a real
// kernel ring buffer.
func buildRawEvent(pid, ppid, uid, gid uint32, comm, filename, argv string) []byte {
	buf := make([]byte, execEventSize)
	binary.NativeEndian.PutUint32(buf[0:4], pid)
	binary.NativeEndian.PutUint32(buf[4:8], ppid)
	binary.NativeEndian.PutUint32(buf[8:12], uid)
	binary.NativeEndian.PutUint32(buf[12:16], gid)
	copy(buf[16:32], comm)
	copy(buf[32:288], filename)
	copy(buf[288:544], argv)
	return buf
}

// TestHandleEventEmitsForkThenExec verifies that one execEvent produces a
// Fork event naming the parent, immediately followed by an Exec event for
// the new pid, in that order, on the watcher's Events channel.
func TestHandleEventEmitsForkThenExec(t *testing.T) {
	raw := buildRawEvent(1234, 5678, 1000, 1000, "bash", "/usr/bin/bash", "/usr/bin/bash -c echo hello")

	var evt execEvent
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &evt); err != nil {
		t.Fatalf("decode execEvent: %v", err)
	}

	w := NewWatcher(nil)
	w.handleEvent(&evt)
	close(w.events)

	var got []trace.Event
	for ev := range w.events {
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("handleEvent produced %d events, want 2", len(got))
	}
	if got[0].Kind != trace.Fork || got[0].PID != 5678 || got[0].ChildPID != 1234 {
		t.Errorf("got[0] = %+v, want Fork{PID:5678, ChildPID:1234}", got[0])
	}
	if got[1].Kind != trace.Exec || got[1].PID != 1234 || got[1].Executable != "/usr/bin/bash" {
		t.Errorf("got[1] = %+v, want Exec{PID:1234, Executable:/usr/bin/bash}", got[1])
	}
	if len(got[1].Argv) != 4 {
		t.Errorf("got[1].Argv = %v, want 4 fields", got[1].Argv)
	}
}
