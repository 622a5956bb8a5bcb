package interp

import (
	"testing"

	"github.com/jherland/depfinder/internal/straceline"
	"github.com/jherland/depfinder/internal/trace"
)

func feedLine(t *testing.T, ip *Interpreter, line string) []trace.Event {
	t.Helper()
	evs, err := ip.Feed(straceline.Classify(line))
	if err != nil {
		t.Fatalf("Feed(%q): %v", line, err)
	}
	return evs
}

func TestAccessSuccess(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 access("/etc/ld.so.preload", R_OK) = 0`)
	if len(evs) != 1 || evs[0].Kind != trace.Check || !evs[0].Exists {
		t.Fatalf("got %+v", evs)
	}
}

func TestAccessENOENT(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 access("/etc/ld.so.preload", F_OK) = -1 ENOENT (No such file or directory)`)
	if len(evs) != 1 || evs[0].Kind != trace.Check || evs[0].Exists {
		t.Fatalf("got %+v", evs)
	}
}

func TestExecSuccess(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 execve("/bin/echo", ["echo", "Hello World"], ["PATH=/bin"]) = 0`)
	if len(evs) != 1 || evs[0].Kind != trace.Exec {
		t.Fatalf("got %+v", evs)
	}
	if evs[0].Executable != "/bin/echo" || len(evs[0].Argv) != 2 {
		t.Errorf("got %+v", evs[0])
	}
	if evs[0].Env["PATH"] != "/bin" {
		t.Errorf("env not parsed: %+v", evs[0].Env)
	}
}

func TestExecENOENT(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 execve("/usr/bin/dmesg", ["dmesg"], ["PATH=/bin"]) = -1 ENOENT (No such file or directory)`)
	if len(evs) != 1 || evs[0].Kind != trace.Check || evs[0].Exists {
		t.Fatalf("got %+v", evs)
	}
}

func TestOpenRead(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 open("/etc/ld.so.cache", O_RDONLY|O_CLOEXEC) = 3</etc/ld.so.cache>`)
	if len(evs) != 1 || evs[0].Kind != trace.Read || evs[0].Path != "/etc/ld.so.cache" {
		t.Fatalf("got %+v", evs)
	}
}

func TestOpenatWrite(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 openat(AT_FDCWD, "new_file", O_WRONLY|O_CREAT|O_TRUNC, 0666) = 3</tmp/new_file>`)
	if len(evs) != 1 || evs[0].Kind != trace.Write || evs[0].Path != "new_file" {
		t.Fatalf("got %+v", evs)
	}
}

func TestRename(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 rename("/tmp/foo", "/tmp/bar") = 0`)
	if len(evs) != 2 || evs[0].Kind != trace.Write || evs[1].Kind != trace.Write {
		t.Fatalf("got %+v", evs)
	}
	if evs[0].Path != "/tmp/foo" || evs[1].Path != "/tmp/bar" {
		t.Errorf("got %+v", evs)
	}
}

func TestUnlink(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 unlink("/tmp/foo") = 0`)
	if len(evs) != 1 || evs[0].Kind != trace.Write || evs[0].Path != "/tmp/foo" {
		t.Fatalf("got %+v", evs)
	}
}

func TestChdir(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 chdir("/tmp") = 0`)
	if len(evs) != 1 || evs[0].Kind != trace.Chdir || evs[0].Path != "/tmp" {
		t.Fatalf("got %+v", evs)
	}
}

func TestCloneWithSIGCHLDIsFork(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 clone(child_stack=NULL, flags=CLONE_CHILD_CLEARTID|CLONE_CHILD_SETTID|SIGCHLD, child_tidptr=0x7f) = 2`)
	if len(evs) != 1 || evs[0].Kind != trace.Fork || evs[0].ChildPID != 2 {
		t.Fatalf("got %+v", evs)
	}
}

func TestExitGroupIgnored(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 exit_group(0) = ?`)
	if len(evs) != 0 {
		t.Fatalf("got %+v, want no events", evs)
	}
}

func TestUnfinishedResumedStitching(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 execve("/bin/dmesg", ["dmesg"] <unfinished ...>`)
	if len(evs) != 0 {
		t.Fatalf("unfinished should yield no events, got %+v", evs)
	}
	evs = feedLine(t, ip, `1 <... execve resumed> , ["PATH=/bin"]) = 0`)
	if len(evs) != 1 || evs[0].Kind != trace.Exec || evs[0].Executable != "/bin/dmesg" {
		t.Fatalf("got %+v", evs)
	}
}

func TestExitEvent(t *testing.T) {
	ip := New()
	evs := feedLine(t, ip, `1 +++ exited with 0 +++`)
	if len(evs) != 1 || evs[0].Kind != trace.Exit || evs[0].ExitCode != 0 {
		t.Fatalf("got %+v", evs)
	}
}

func TestUnrecognizedSyscallIsParseError(t *testing.T) {
	ip := New()
	if _, err := ip.Feed(straceline.Classify(`1 mmap(NULL, 4096) = 0x7f`)); err == nil {
		t.Fatalf("expected ParseError for unrecognized syscall")
	}
}
