// Package libdiscovery provides test-support helpers for building the
// expected path_checked/path_read sets a trace of a real command produces.
// It is only ever imported from _test.go files: production code never
// depends on $PATH lookups or ldd(1) to decide what a trace "should" have
// seen.
package libdiscovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// ShPathLookup generates the candidate paths a POSIX shell checks while
// resolving cmd against envPath (a colon-separated $PATH string), in the
// order the shell would check them: one candidate per PATH entry, stopping
// at (and including) the first one that exists.
//
// This mirrors exactly what a trace of `sh -c cmd` records as a sequence of
// check(..., false)* followed by check(..., true) (or an exhausted list if
// cmd isn't found anywhere on envPath).
func ShPathLookup(cmd, envPath string) []string {
	var candidates []string
	for _, dir := range strings.Split(envPath, ":") {
		candidate := filepath.Join(dir, cmd)
		candidates = append(candidates, candidate)
		if _, err := os.Stat(candidate); err == nil {
			break
		}
	}
	return candidates
}

// lddLinePattern matches one line of ldd(1) output naming a resolved
// shared library: "libfoo.so.1 => /lib/x86_64-linux-gnu/libfoo.so.1 (0x...)".
// Lines for the dynamic linker itself and statically-resolved entries
// (no "=>") are not matched and are skipped by DiscoverLibraries.
var lddLinePattern = regexp.MustCompile(`^\s*(\S+)\s*=>\s*(\S+)\s*\(0x[0-9a-fA-F]+\)\s*$`)

// DiscoverLibraries shells out to ldd(1) on exe and returns the resolved
// path of every shared library dependency it names, in the order ldd
// printed them. It is used to build the expected set of shared-library
// reads a trace of exe should report, without hand-transcribing
// /etc/ld.so.cache-dependent paths per test machine.
func DiscoverLibraries(exe string) ([]string, error) {
	out, err := exec.Command("ldd", exe).Output()
	if err != nil {
		return nil, fmt.Errorf("libdiscovery: ldd %s: %w", exe, err)
	}

	var libs []string
	for _, line := range strings.Split(string(out), "\n") {
		m := lddLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		libs = append(libs, m[2])
	}
	return libs, nil
}
