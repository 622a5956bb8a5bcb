// Package interp is the syscall-semantics layer: it decodes the arguments
// of a classified strace line, inspects the return value and errno tail,
// and emits zero or more normalized trace.Event values. It also holds the
// per-PID state needed to stitch "unfinished"/"resumed" syscall halves back
// into a single complete record before interpreting it.
package interp

import (
	"strconv"
	"strings"

	"github.com/jherland/depfinder/internal/straceline"
	"github.com/jherland/depfinder/internal/trace"
)

// pendingCall is the unfinished half of a syscall awaiting its "resumed"
// continuation.
type pendingCall struct {
	Func        string
	PartialArgs string
}

// Interpreter turns classified strace lines into normalized trace.Events.
// It is not safe for concurrent use: it is driven by a single pull loop,
// per the package's single-threaded design.
type Interpreter struct {
	pending map[int]pendingCall
}

// New returns an Interpreter ready to consume a fresh trace.
func New() *Interpreter {
	return &Interpreter{pending: make(map[int]pendingCall)}
}

// Feed interprets one classified line and returns the normalized events it
// produces, if any. Signal lines and recognized-but-ignored syscalls always
// return no events. Unfinished lines return no events (they are buffered
// until their matching Resumed line arrives). Unrecognized lines are not an
// error here; the caller decides how to log them (see spec.md §7).
func (ip *Interpreter) Feed(l straceline.Line) ([]trace.Event, error) {
	switch l.Kind {
	case straceline.Complete:
		return ip.interpretComplete(l.PID, l.Func, l.Args, l.Ret, l.Tail)

	case straceline.Unfinished:
		if _, exists := ip.pending[l.PID]; exists {
			return nil, &trace.ParseError{Reason: "unfinished syscall while one is already pending for this pid"}
		}
		ip.pending[l.PID] = pendingCall{Func: l.Func, PartialArgs: l.PartialArgs}
		return nil, nil

	case straceline.Resumed:
		p, exists := ip.pending[l.PID]
		if !exists {
			return nil, &trace.ParseError{Reason: "resumed syscall with no matching unfinished record"}
		}
		if p.Func != l.Func {
			return nil, &trace.ParseError{Reason: "resumed syscall name does not match its unfinished half"}
		}
		delete(ip.pending, l.PID)

		// Reconstruct the original complete-syscall line and reclassify it.
		reconstructed := strconv.Itoa(l.PID) + " " + l.Func + "(" + p.PartialArgs + l.Rest
		full := straceline.Classify(reconstructed)
		if full.Kind != straceline.Complete {
			return nil, &trace.ParseError{Line: reconstructed, Reason: "reconstructed resumed syscall did not reclassify as complete"}
		}
		return ip.interpretComplete(full.PID, full.Func, full.Args, full.Ret, full.Tail)

	case straceline.Signal:
		// SIGCHLD is the expected signal; any other signal is tolerated too.
		return nil, nil

	case straceline.Exit:
		return []trace.Event{{PID: l.PID, Kind: trace.Exit, ExitCode: l.ExitCode}}, nil

	default:
		// Unrecognized: not our call to make fatal or not; caller decides.
		return nil, nil
	}
}

// interpretComplete dispatches a fully-formed syscall record (name, raw
// args, return value literal, errno/description tail) to its handler.
func (ip *Interpreter) interpretComplete(pid int, fn, args, retLit, tail string) ([]trace.Event, error) {
	handler, ok := handlers[fn]
	if !ok {
		return nil, &trace.ParseError{Reason: "unrecognized syscall " + fn}
	}

	var ret int64
	unknownRet := retLit == "?"
	if !unknownRet {
		n, err := strconv.ParseInt(retLit, 10, 64)
		if err != nil {
			return nil, &trace.ParseError{Reason: "malformed return value for " + fn}
		}
		ret = n
	}

	events, err := handler(pid, fn, args, ret, unknownRet, strings.TrimSpace(tail))
	if err != nil {
		if _, isParseErr := err.(*trace.ParseError); isParseErr {
			return nil, err
		}
		return nil, &trace.ParseError{Reason: fn + ": " + err.Error()}
	}
	return events, nil
}

// handlerFunc decodes one complete syscall's arguments and yields the
// normalized events it implies.
type handlerFunc func(pid int, fn, args string, ret int64, unknownRet bool, tail string) ([]trace.Event, error)

var handlers = map[string]handlerFunc{
	"access":      handleAccess,
	"execve":      handleExec,
	"getxattr":    handleGetxattr,
	"lstat":       handleStat,
	"open":        handleOpen,
	"openat":      handleOpen,
	"readlink":    handleReadlink,
	"readlinkat":  handleReadlink,
	"rename":      handleRename,
	"stat":        handleStat,
	"unlink":      handleUnlink,
	"utimensat":   handleUtimensat,
	"chdir":       handleChdir,
	"clone":       handleClone,
	"vfork":       handleFork,
	"arch_prctl":  handleIgnored,
	"exit_group":  handleIgnored,
	"wait4":       handleIgnored,
	"getcwd":      handleIgnored,
}

func handleIgnored(pid int, fn, args string, ret int64, unknownRet bool, tail string) ([]trace.Event, error) {
	return nil, nil
}

func hasErrno(tail, errno string) bool {
	return strings.HasPrefix(tail, errno+" ")
}
