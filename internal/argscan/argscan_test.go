package argscan

import "testing"

func TestNumber(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"NULL", 0},
		{"0", 0},
		{"0x1b", 0x1b},
		{"0755", 0o755},
		{"42", 42},
		{"42,rest", 42},
	}
	for _, c := range cases {
		s := New(c.in)
		got, err := s.Number()
		if err != nil {
			t.Fatalf("Number(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Number(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestString(t *testing.T) {
	s := New(`"/etc/ld.so.cache", 123`)
	got, ok, err := s.String()
	if err != nil || !ok {
		t.Fatalf("String() = %q, %v, %v", got, ok, err)
	}
	if got != "/etc/ld.so.cache" {
		t.Errorf("String() = %q, want /etc/ld.so.cache", got)
	}
	if err := s.Sep(); err != nil {
		t.Fatalf("Sep(): %v", err)
	}
}

func TestStringEscapes(t *testing.T) {
	s := New(`"a\"b\\c"`)
	got, ok, err := s.String()
	if err != nil || !ok {
		t.Fatalf("String() = %q, %v, %v", got, ok, err)
	}
	if got != `a"b\c` {
		t.Errorf("String() = %q, want a\"b\\c", got)
	}
}

func TestStringNull(t *testing.T) {
	s := New("NULL, 5")
	got, ok, err := s.String()
	if err != nil {
		t.Fatalf("String(): %v", err)
	}
	if ok || got != "" {
		t.Errorf("String() = %q, %v, want \"\", false", got, ok)
	}
}

func TestArray(t *testing.T) {
	s := New(`["echo", "Hello World"], next`)
	got, err := s.Array()
	if err != nil {
		t.Fatalf("Array(): %v", err)
	}
	want := []string{"echo", "Hello World"}
	if len(got) != len(want) {
		t.Fatalf("Array() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Array()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFlagSet(t *testing.T) {
	s := New("O_RDONLY|O_CLOEXEC, 0")
	got := s.FlagSet()
	want := []string{"O_RDONLY", "O_CLOEXEC"}
	if len(got) != len(want) {
		t.Fatalf("FlagSet() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FlagSet()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFDAtFDCWD(t *testing.T) {
	s := New("AT_FDCWD, ")
	got, err := s.FD()
	if err != nil {
		t.Fatalf("FD(): %v", err)
	}
	if got != "." {
		t.Errorf("FD() = %q, want .", got)
	}
}

func TestFDAnnotated(t *testing.T) {
	s := New("3</etc/passwd>, ")
	got, err := s.FD()
	if err != nil {
		t.Fatalf("FD(): %v", err)
	}
	if got != "/etc/passwd" {
		t.Errorf("FD() = %q, want /etc/passwd", got)
	}
}

func TestOptionalNumberAbsent(t *testing.T) {
	s := New("")
	_, ok, err := s.OptionalNumber()
	if err != nil {
		t.Fatalf("OptionalNumber(): %v", err)
	}
	if ok {
		t.Errorf("OptionalNumber() ok = true, want false")
	}
}

func TestOptionalNumberPresent(t *testing.T) {
	s := New(", 0755")
	n, ok, err := s.OptionalNumber()
	if err != nil {
		t.Fatalf("OptionalNumber(): %v", err)
	}
	if !ok || n != 0o755 {
		t.Errorf("OptionalNumber() = %d, %v, want 0755, true", n, ok)
	}
}
