// Package report renders a collapsed trace.ProcessRecord as the four
// alphabetically sorted groups spec.md §6 specifies: paths written, paths
// read, paths whose existence was confirmed, and paths whose non-existence
// was confirmed (the latter two excluding anything already written or
// read).
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jherland/depfinder/internal/trace"
)

// Write renders the report for the collapsed record p to w.
func Write(w io.Writer, p *trace.ProcessRecord) {
	written := absoluteSet(p.PathsWritten)
	read := absoluteSet(p.PathsRead)

	var present, missing []string
	for cp := range p.PathsChecked {
		if written[cp.Absolute] || read[cp.Absolute] {
			continue
		}
		if cp.Exists {
			present = append(present, cp.Absolute)
		} else {
			missing = append(missing, cp.Absolute)
		}
	}

	fmt.Fprintf(w, "The command:\n    %s\n", quoteArgv(p.Argv))

	printGroup(w, "writes these paths:", keys(written))
	printGroup(w, "reads these paths:", keys(read))
	printGroup(w, "depends on the existence of these paths:", present)
	printGroup(w, "depends on the non-existence of these paths:", missing)
}

func printGroup(w io.Writer, header string, paths []string) {
	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	fmt.Fprintln(w, header)
	for _, p := range paths {
		fmt.Fprintf(w, "    %s\n", p)
	}
}

func absoluteSet(paths map[trace.Path]struct{}) map[string]bool {
	ret := make(map[string]bool, len(paths))
	for p := range paths {
		ret[p.Absolute] = true
	}
	return ret
}

func keys(m map[string]bool) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	return ret
}

// quoteArgv reproduces shlex.quote's essential behavior: wrap any argument
// containing a shell metacharacter or whitespace in single quotes.
func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c == '_' || c == '-' || c == '.' || c == '/' || c == ':' || c == '@' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
