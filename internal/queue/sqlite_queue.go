// Package queue provides a WAL-mode SQLite-backed queue of completed trace
// reports pending upload to a fleet collector. It adds Dequeue and Ack
// operations to support at-least-once delivery semantics: reports are
// persisted on Enqueue and are not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. This
// matters because a depfinder-collectord-bound host may run several traced
// commands concurrently, each calling Enqueue, while one delivery goroutine
// calls Dequeue and Ack.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the report is returned again by the next
// Dequeue call after restart, ensuring every trace reaches the collector
// even when the transport is temporarily unavailable.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jherland/depfinder/internal/tracereport"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed queue of pending TraceReports.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	// Seed the depth counter from existing undelivered rows so that Depth()
	// reflects the correct value immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM report_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS report_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id   TEXT    NOT NULL,
    host        TEXT    NOT NULL,
    command     TEXT    NOT NULL DEFAULT '[]',
    record      TEXT    NOT NULL,
    created_at  TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_report_queue_pending
    ON report_queue (delivered, id);
`

// Enqueue persists rep to the SQLite database. The report is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, rep tracereport.TraceReport) error {
	commandJSON, err := json.Marshal(rep.Command)
	if err != nil {
		return fmt.Errorf("queue: marshal command: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO report_queue (report_id, host, command, record, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rep.ReportID,
		rep.Host,
		string(commandJSON),
		string(rep.Record),
		rep.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingReport is an unacknowledged trace report returned by Dequeue.
// ID is the database primary key used to acknowledge the report via Ack.
type PendingReport struct {
	ID  int64
	Rep tracereport.TraceReport
}

// Dequeue returns up to n unacknowledged reports in insertion order (oldest
// first). It does not mark reports as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingReport, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, report_id, host, command, record, created_at
		 FROM   report_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var reports []PendingReport
	for rows.Next() {
		var (
			pr         PendingReport
			commandStr string
			recordStr  string
			createdAtS string
		)
		if err := rows.Scan(&pr.ID, &pr.Rep.ReportID, &pr.Rep.Host, &commandStr, &recordStr, &createdAtS); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		if err := json.Unmarshal([]byte(commandStr), &pr.Rep.Command); err != nil {
			pr.Rep.Command = nil
		}
		pr.Rep.Record = []byte(recordStr)

		ts, err := time.Parse(time.RFC3339Nano, createdAtS)
		if err != nil {
			ts, _ = time.Parse(time.RFC3339, createdAtS)
		}
		pr.Rep.CreatedAt = ts

		reports = append(reports, pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return reports, nil
}

// Ack marks the reports identified by ids as delivered. Acknowledged reports
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose delivered
// column transitions from 0 to 1 (already-acked IDs are skipped).
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE report_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) reports. It reads
// from an atomic counter that is updated by Enqueue and Ack, so it never
// blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
