package trace

import "path/filepath"

// ProcessRecord is one node of the process forest: everything observed
// about a single PID over its lifetime.
type ProcessRecord struct {
	PID  int
	PPID int // zero for the root
	Cwd  string

	Executable string
	Argv       []string
	Env        map[string]string

	PathsRead    map[Path]struct{}
	PathsWritten map[Path]struct{}
	PathsChecked map[CheckedPath]struct{}

	ExitCode    int
	exitCodeSet bool

	Children []*ProcessRecord
}

func newProcessRecord(pid, ppid int, cwd string) *ProcessRecord {
	return &ProcessRecord{
		PID:          pid,
		PPID:         ppid,
		Cwd:          cwd,
		PathsRead:    make(map[Path]struct{}),
		PathsWritten: make(map[Path]struct{}),
		PathsChecked: make(map[CheckedPath]struct{}),
	}
}

// apply dispatches a single event onto this record. Fork and Exit are
// additionally handled by Build (fork to create the child,
// exit to retire the PID from the running set); both are still recorded
// here as far as this record's own state is concerned.
func (p *ProcessRecord) apply(ev Event) error {
	switch ev.Kind {
	case Exec:
		if p.Executable != "" {
			return &ParseError{Reason: "second exec observed for an already-exec'd process"}
		}
		p.Executable = resolve(p.Cwd, ev.Executable).Absolute
		p.Argv = ev.Argv
		p.Env = ev.Env

	case Read:
		p.PathsRead[resolve(p.Cwd, ev.Path)] = struct{}{}

	case Write:
		p.PathsWritten[resolve(p.Cwd, ev.Path)] = struct{}{}

	case Check:
		rp := resolve(p.Cwd, ev.Path)
		p.PathsChecked[CheckedPath{Path: rp, Exists: ev.Exists}] = struct{}{}

	case Chdir:
		if filepath.IsAbs(ev.Path) {
			p.Cwd = filepath.Clean(ev.Path)
		} else {
			p.Cwd = filepath.Join(p.Cwd, ev.Path)
		}

	case Exit:
		if p.exitCodeSet {
			return &ParseError{Reason: "second exit observed for an already-exited process"}
		}
		p.ExitCode = ev.ExitCode
		p.exitCodeSet = true

	case Fork:
		// Handled by Build: creating the child record and draining
		// any events it buffered before this fork was observed.

	default:
		return &ParseError{Reason: "unrecognized event kind"}
	}
	return nil
}

// Collapsed returns a new ProcessRecord with this subtree's file activity
// folded into a single, childless summary: the union of paths_read,
// paths_written, and paths_checked across every descendant, plus each
// descendant's executable inserted into the summary's paths_read (so the
// transitive dependency on the binaries that ran is not lost).
func (p *ProcessRecord) Collapsed() *ProcessRecord {
	ret := newProcessRecord(p.PID, p.PPID, p.Cwd)
	ret.Executable = p.Executable
	ret.Argv = p.Argv
	ret.Env = p.Env
	ret.ExitCode = p.ExitCode
	ret.exitCodeSet = p.exitCodeSet

	for k := range p.PathsRead {
		ret.PathsRead[k] = struct{}{}
	}
	for k := range p.PathsWritten {
		ret.PathsWritten[k] = struct{}{}
	}
	for k := range p.PathsChecked {
		ret.PathsChecked[k] = struct{}{}
	}

	// Descendants (never p itself) fold in their own paths plus their
	// executable, so a leaf's Collapsed() is identity on its own record.
	var copyActivities func(n *ProcessRecord)
	copyActivities = func(n *ProcessRecord) {
		for k := range n.PathsRead {
			ret.PathsRead[k] = struct{}{}
		}
		for k := range n.PathsWritten {
			ret.PathsWritten[k] = struct{}{}
		}
		for k := range n.PathsChecked {
			ret.PathsChecked[k] = struct{}{}
		}
		if n.Executable != "" {
			// The executable is already absolute; record it as read
			// with that absolute path as both AsRecorded and Absolute.
			ret.PathsRead[Path{AsRecorded: n.Executable, Absolute: n.Executable}] = struct{}{}
		}
		for _, c := range n.Children {
			copyActivities(c)
		}
	}
	for _, c := range p.Children {
		copyActivities(c)
	}

	return ret
}
