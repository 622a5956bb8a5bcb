// Package argscan decodes the argument list of a single strace syscall
// record: numbers, C-style quoted strings, bracketed string arrays,
// "|"-joined flag sets, and fd-with-annotated-path tokens.
//
// A Scanner consumes a schema string one token at a time; each token
// describes the shape of the next field in the raw argument text. This
// mirrors the token legend strace itself suggests by its own output shape:
//
//	,  - a literal ", " separator, yields nothing
//	n  - a number (decimal, 0x-prefixed hex, 0-prefixed octal, or NULL)
//	f  - a file descriptor: either AT_FDCWD (yields ".") or "N<path>"
//	s  - a double-quoted, backslash-escaped string (or the literal NULL)
//	|  - a set of "|"-separated flag identifiers up to the next ", "
//	a  - a ["bracketed", "array", "of", "strings"]
//	*  - marks the remaining tokens optional: absent input yields nil
package argscan

import (
	"fmt"
	"strconv"
	"strings"
)

// Scanner decodes the textual argument list of one syscall record.
type Scanner struct {
	s string
}

// New returns a Scanner positioned at the start of args.
func New(args string) *Scanner {
	return &Scanner{s: args}
}

// Done reports whether the scanner has consumed all of its input. Callers
// should check this after the last expected field to detect trailing,
// unparsed text.
func (s *Scanner) Done() bool {
	return s.s == ""
}

// Remaining returns the not-yet-consumed tail of the input, for diagnostics.
func (s *Scanner) Remaining() string {
	return s.s
}

// Sep consumes a literal ", " separator.
func (s *Scanner) Sep() error {
	if !strings.HasPrefix(s.s, ", ") {
		return fmt.Errorf("argscan: expected \", \", got %q", s.s)
	}
	s.s = s.s[2:]
	return nil
}

// Number consumes a decimal, 0x-hex, 0-octal, or NULL integer, terminated by
// a comma or end of input.
func (s *Scanner) Number() (int64, error) {
	sub := s.s
	if i := strings.IndexByte(s.s, ','); i >= 0 {
		sub = s.s[:i]
	}
	s.s = s.s[len(sub):]

	switch {
	case sub == "NULL" || sub == "0":
		return 0, nil
	case strings.HasPrefix(sub, "0x"):
		n, err := strconv.ParseInt(sub[2:], 16, 64)
		return n, err
	case strings.HasPrefix(sub, "0") && len(sub) > 1:
		n, err := strconv.ParseInt(sub[1:], 8, 64)
		return n, err
	default:
		n, err := strconv.ParseInt(sub, 10, 64)
		return n, err
	}
}

// String consumes a double-quoted, backslash-escaped C-style string, or the
// bare literal NULL (which yields ok=false).
func (s *Scanner) String() (value string, ok bool, err error) {
	if strings.HasPrefix(s.s, "NULL") {
		s.s = s.s[4:]
		return "", false, nil
	}
	if !strings.HasPrefix(s.s, "\"") {
		return "", false, fmt.Errorf("argscan: expected quoted string, got %q", s.s)
	}

	var b strings.Builder
	escape := false
	i := 0
	rest := s.s[1:]
	for ; i < len(rest); i++ {
		c := rest[i]
		switch {
		case escape:
			b.WriteByte(c)
			escape = false
		case c == '\\':
			escape = true
		case c == '"':
			s.s = rest[i+1:]
			return b.String(), true, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", false, fmt.Errorf("argscan: unterminated string in %q", s.s)
}

// Array consumes a ["bracketed", "array"] of strings.
func (s *Scanner) Array() ([]string, error) {
	if !strings.HasPrefix(s.s, "[") {
		return nil, fmt.Errorf("argscan: expected array, got %q", s.s)
	}
	s.s = s.s[1:]

	var ret []string
	for {
		if strings.HasPrefix(s.s, "]") {
			s.s = s.s[1:]
			return ret, nil
		}
		item, _, err := s.String()
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
		if strings.HasPrefix(s.s, ", ") {
			s.s = s.s[2:]
		}
	}
}

// FlagSet consumes a "|"-separated list of identifiers, up to the next
// comma or end of input.
func (s *Scanner) FlagSet() []string {
	sub := s.s
	if i := strings.IndexByte(s.s, ','); i >= 0 {
		sub = s.s[:i]
	}
	s.s = s.s[len(sub):]
	if sub == "" {
		return nil
	}
	return strings.Split(sub, "|")
}

// FD consumes a file descriptor argument: the literal AT_FDCWD (yielding the
// process-relative-CWD sentinel "."), or the fd-annotation form "N<path>"
// produced by strace's -y flag (yielding path).
func (s *Scanner) FD() (string, error) {
	const atFDCWD = "AT_FDCWD"
	if strings.HasPrefix(s.s, atFDCWD) {
		s.s = s.s[len(atFDCWD):]
		return ".", nil
	}
	lt := strings.IndexByte(s.s, '<')
	gt := strings.IndexByte(s.s, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return "", fmt.Errorf("argscan: expected annotated fd, got %q", s.s)
	}
	path := s.s[lt+1 : gt]
	s.s = s.s[gt+1:]
	return path, nil
}

// OptionalNumber consumes a trailing ", n" number field that strace omits
// entirely for some call shapes (e.g. open(2) without O_CREAT). If the
// scanner is already exhausted it yields ok=false without consuming
// anything; otherwise it consumes the separator and the number as usual.
func (s *Scanner) OptionalNumber() (value int64, ok bool, err error) {
	if s.Done() {
		return 0, false, nil
	}
	if err := s.Sep(); err != nil {
		return 0, false, err
	}
	n, err := s.Number()
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
