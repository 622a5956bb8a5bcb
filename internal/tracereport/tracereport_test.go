package tracereport_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jherland/depfinder/internal/trace"
	"github.com/jherland/depfinder/internal/tracereport"
)

func TestNewAssignsFieldsAndMarshalsRecord(t *testing.T) {
	rec, err := trace.Build(eventSeq([]trace.Event{
		{PID: 1, Kind: trace.Exit, ExitCode: 7},
	}), "/work")
	if err != nil {
		t.Fatalf("trace.Build: %v", err)
	}

	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("PST", -8*3600))
	rep, err := tracereport.New("report-1", "host-a", []string{"make", "all"}, rec, createdAt)
	if err != nil {
		t.Fatalf("tracereport.New: %v", err)
	}

	if rep.ReportID != "report-1" {
		t.Errorf("ReportID = %q, want report-1", rep.ReportID)
	}
	if rep.Host != "host-a" {
		t.Errorf("Host = %q, want host-a", rep.Host)
	}
	if len(rep.Command) != 2 || rep.Command[0] != "make" {
		t.Errorf("Command = %v", rep.Command)
	}
	if !rep.CreatedAt.Equal(createdAt.UTC()) || rep.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", rep.CreatedAt, createdAt.UTC())
	}

	var decoded map[string]any
	if err := json.Unmarshal(rep.Record, &decoded); err != nil {
		t.Fatalf("Record is not valid JSON: %v", err)
	}
	if decoded["exit_code"] != float64(7) {
		t.Errorf("Record[exit_code] = %v, want 7", decoded["exit_code"])
	}
}

func TestNewRoundTripsThroughJSON(t *testing.T) {
	rec, err := trace.Build(eventSeq([]trace.Event{
		{PID: 1, Kind: trace.Exit, ExitCode: 0},
	}), "")
	if err != nil {
		t.Fatalf("trace.Build: %v", err)
	}

	rep, err := tracereport.New("report-2", "host-b", []string{"true"}, rec, time.Now())
	if err != nil {
		t.Fatalf("tracereport.New: %v", err)
	}

	blob, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("json.Marshal(rep): %v", err)
	}

	var roundTripped tracereport.TraceReport
	if err := json.Unmarshal(blob, &roundTripped); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if roundTripped.ReportID != rep.ReportID || roundTripped.Host != rep.Host {
		t.Errorf("round trip = %+v, want %+v", roundTripped, rep)
	}
}

// eventSeq adapts a fixed slice of events into the pull-based iterator
// trace.Build expects.
func eventSeq(events []trace.Event) func() (trace.Event, bool) {
	i := 0
	return func() (trace.Event, bool) {
		if i >= len(events) {
			return trace.Event{}, false
		}
		ev := events[i]
		i++
		return ev, true
	}
}
