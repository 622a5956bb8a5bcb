package storage

import (
	"testing"
	"time"
)

func TestMarshalCommandRoundTrip(t *testing.T) {
	cmd := []string{"make", "-j8", "all"}
	raw, err := marshalCommand(cmd)
	if err != nil {
		t.Fatalf("marshalCommand: %v", err)
	}
	got, err := unmarshalCommand(raw)
	if err != nil {
		t.Fatalf("unmarshalCommand: %v", err)
	}
	if len(got) != len(cmd) {
		t.Fatalf("got %v, want %v", got, cmd)
	}
	for i := range cmd {
		if got[i] != cmd[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], cmd[i])
		}
	}
}

func TestMarshalCommandNilBecomesEmptyArray(t *testing.T) {
	raw, err := marshalCommand(nil)
	if err != nil {
		t.Fatalf("marshalCommand(nil): %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("marshalCommand(nil) = %s, want []", raw)
	}
}

func TestUnmarshalCommandEmptyInput(t *testing.T) {
	got, err := unmarshalCommand(nil)
	if err != nil {
		t.Fatalf("unmarshalCommand(nil): %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

// fakeScanner implements the scanner interface over a fixed row of column
// values, letting scanReport be exercised without a live database.
type fakeScanner struct {
	reportID, host        string
	command, record       []byte
	createdAt, receivedAt time.Time
}

func (f *fakeScanner) Scan(dest ...any) error {
	*dest[0].(*string) = f.reportID
	*dest[1].(*string) = f.host
	*dest[2].(*[]byte) = f.command
	*dest[3].(*[]byte) = f.record
	*dest[4].(*time.Time) = f.createdAt
	*dest[5].(*time.Time) = f.receivedAt
	return nil
}

func TestScanReportDecodesCommandAndRecord(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	fs := &fakeScanner{
		reportID:   "r-1",
		host:       "build-1",
		command:    []byte(`["make","all"]`),
		record:     []byte(`{"pid":1}`),
		createdAt:  now,
		receivedAt: now.Add(time.Second),
	}

	r, err := scanReport(fs)
	if err != nil {
		t.Fatalf("scanReport: %v", err)
	}
	if r.ReportID != "r-1" || r.Host != "build-1" {
		t.Errorf("r = %+v", r)
	}
	if len(r.Command) != 2 || r.Command[1] != "all" {
		t.Errorf("r.Command = %v", r.Command)
	}
	if string(r.Record) != `{"pid":1}` {
		t.Errorf("r.Record = %s", r.Record)
	}
}
