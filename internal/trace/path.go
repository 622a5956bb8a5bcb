package trace

import "path/filepath"

// Path is a file-system path as two related strings: the form as it
// appeared in a syscall argument, and its absolute form resolved against
// the owning process's working directory at the moment the event was
// observed. Two paths with equal Absolute but distinct AsRecorded are
// distinct members of a path set.
type Path struct {
	AsRecorded string
	Absolute   string
}

// resolve joins p (an as-recorded path, possibly relative) against cwd to
// produce the Path pair.
func resolve(cwd, p string) Path {
	abs := p
	if !filepath.IsAbs(p) {
		abs = filepath.Join(cwd, p)
	} else {
		abs = filepath.Clean(p)
	}
	return Path{AsRecorded: p, Absolute: abs}
}

// CheckedPath is a Path together with the existence bit observed for it.
type CheckedPath struct {
	Path
	Exists bool
}
