// Package straceline classifies a single line of strace(1) output into one
// of five recognized shapes, or reports it as unrecognized.
package straceline

import (
	"regexp"
	"strconv"
)

// Kind identifies which of the five line shapes a line matched.
type Kind int

const (
	// Unrecognized marks a line that matched none of the known shapes.
	Unrecognized Kind = iota
	// Complete is a finished syscall record: "PID name(args) = ret".
	Complete
	// Unfinished is the first half of a syscall interrupted by another
	// process's output: "PID name(partial <unfinished ...>".
	Unfinished
	// Resumed is the second half of a previously unfinished syscall:
	// "PID <... name resumed> rest".
	Resumed
	// Signal is a delivered-signal record: "PID --- NAME {...} ---".
	Signal
	// Exit is a process termination record: "PID +++ exited with N +++".
	Exit
)

// Line holds the fields extracted from a classified line. Only the fields
// relevant to Kind are populated.
type Line struct {
	Kind Kind
	PID  int

	// Complete
	Func string
	Args string
	Ret  string // literal "?" or a signed decimal
	Tail string

	// Unfinished
	PartialArgs string

	// Resumed (Func reused)
	Rest string

	// Signal
	SignalName string

	// Exit
	ExitCode int

	// Unrecognized
	Raw string
}

var (
	completePattern   = regexp.MustCompile(`^(\d+) +(\w+)\((.*)\) += (-?\d+|\?)(?:<.*?>)?(.*)$`)
	unfinishedPattern = regexp.MustCompile(`^(\d+) +(\w+)\((.*) <unfinished \.\.\.>$`)
	resumedPattern    = regexp.MustCompile(`^(\d+) +<\.\.\. (\w+) resumed> (.*)$`)
	signalPattern     = regexp.MustCompile(`^(\d+) +--- (\w+) \{(.*)\} ---$`)
	exitPattern       = regexp.MustCompile(`^(\d+) +\+\+\+ exited with (\d+) \+\+\+$`)
)

// Classify recognizes the shape of a single line of strace output. It never
// fails: a line matching none of the five known shapes yields a Line with
// Kind Unrecognized and Raw set to the input.
func Classify(line string) Line {
	if m := completePattern.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[1])
		return Line{Kind: Complete, PID: pid, Func: m[2], Args: m[3], Ret: m[4], Tail: m[5]}
	}
	if m := unfinishedPattern.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[1])
		return Line{Kind: Unfinished, PID: pid, Func: m[2], PartialArgs: m[3]}
	}
	if m := resumedPattern.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[1])
		return Line{Kind: Resumed, PID: pid, Func: m[2], Rest: m[3]}
	}
	if m := signalPattern.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[1])
		return Line{Kind: Signal, PID: pid, SignalName: m[2]}
	}
	if m := exitPattern.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[1])
		code, _ := strconv.Atoi(m[2])
		return Line{Kind: Exit, PID: pid, ExitCode: code}
	}
	return Line{Kind: Unrecognized, Raw: line}
}
