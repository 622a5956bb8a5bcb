// Package storage is the PostgreSQL-backed persistence layer for the fleet
// collector: every depfinder invocation across a build fleet uploads one
// TraceReport, and this package is where those reports and the hosts that
// produced them come to rest.
package storage

import (
	"encoding/json"
	"time"
)

// Report is a persisted depfinder trace report, as stored by the collector.
// Record holds the collapsed process record exactly as uploaded, so readers
// can re-decode it into whatever shape they need without the storage layer
// having to understand its internal structure.
type Report struct {
	ReportID   string          `json:"report_id"`
	Host       string          `json:"host"`
	Command    []string        `json:"command"`
	Record     json.RawMessage `json:"record"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Host tracks one reporting build machine: when it was first seen, when it
// last uploaded a report, and how many it has uploaded in total.
type Host struct {
	Host        string    `json:"host"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	ReportCount int64     `json:"report_count"`
}

// ReportQuery selects a page of reports, optionally filtered by host and
// bounded to [From, To) on received_at.
type ReportQuery struct {
	Host   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

func marshalCommand(cmd []string) ([]byte, error) {
	if cmd == nil {
		cmd = []string{}
	}
	return json.Marshal(cmd)
}

func unmarshalCommand(raw []byte) ([]string, error) {
	var cmd []string
	if len(raw) == 0 {
		return cmd, nil
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
