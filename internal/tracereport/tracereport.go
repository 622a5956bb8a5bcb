// Package tracereport defines the wire shape of a completed trace, shared
// by the local queue, the upload transport, and the fleet collector. It is
// the payload that crosses every one of those boundaries, so it is kept
// free of any dependency beyond trace and the standard library.
package tracereport

import (
	"encoding/json"
	"time"

	"github.com/jherland/depfinder/internal/trace"
)

// TraceReport is one completed, collapsed trace, ready for local queuing
// or upload to a collector. Record holds the collapsed summary already
// serialized by trace.ProcessRecord's own MarshalJSON, so the canonical
// sorted-set contract of spec.md §4.5 survives every hop unchanged; no
// downstream component round-trips it back into a *trace.ProcessRecord.
type TraceReport struct {
	// ReportID is a client-generated UUID, assigned once at creation so
	// retried uploads are idempotent on the collector side.
	ReportID string `json:"report_id"`

	// Host identifies the machine the trace ran on (typically os.Hostname()).
	Host string `json:"host"`

	// Command is the traced command line, argv[0] included.
	Command []string `json:"command"`

	// Record is the collapsed summary as raw JSON.
	Record json.RawMessage `json:"record"`

	// CreatedAt is when the trace completed, in UTC.
	CreatedAt time.Time `json:"created_at"`
}

// New builds a TraceReport from a freshly collapsed ProcessRecord.
func New(id, host string, command []string, record *trace.ProcessRecord, createdAt time.Time) (TraceReport, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return TraceReport{}, err
	}
	return TraceReport{
		ReportID:  id,
		Host:      host,
		Command:   command,
		Record:    raw,
		CreatedAt: createdAt.UTC(),
	}, nil
}
