package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of reports held in memory before
	// an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending reports even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the fleet collector.
//
// Report ingestion is batched: InsertReport accumulates reports in memory and
// flushes them to the database either when the buffer reaches batchSize or
// when the background ticker fires, whichever comes first. Host bookkeeping
// happens immediately alongside each flush.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Report
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Report, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// reports, and closes the connection pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// InsertReport enqueues rep for deferred batch insertion. If the internal
// buffer reaches batchSize after appending, Flush is called synchronously so
// a bursty fleet upload observes back-pressure rather than unbounded memory
// growth.
func (s *Store) InsertReport(ctx context.Context, rep Report) error {
	s.mu.Lock()
	s.batch = append(s.batch, rep)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current report buffer, writes all rows to PostgreSQL in a
// single pgx.Batch round-trip, and upserts each distinct host's bookkeeping
// row. Reports that conflict on the primary key are silently ignored
// (idempotent replay support for a depfinder client retrying after a
// crashed upload cycle).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Report, 0, s.batchSize)
	s.mu.Unlock()

	const reportQuery = `
		INSERT INTO reports
			(report_id, host, command, record, created_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_id) DO NOTHING`

	const hostQuery = `
		INSERT INTO hosts (host, first_seen, last_seen, report_count)
		VALUES ($1, $2, $2, 1)
		ON CONFLICT (host) DO UPDATE SET
			last_seen    = GREATEST(hosts.last_seen, EXCLUDED.last_seen),
			report_count = hosts.report_count + 1`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		command, err := marshalCommand(r.Command)
		if err != nil {
			return fmt.Errorf("marshal command for report %s: %w", r.ReportID, err)
		}
		b.Queue(reportQuery, r.ReportID, r.Host, command, []byte(r.Record), r.CreatedAt, r.ReceivedAt)
		b.Queue(hostQuery, r.Host, r.ReceivedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec report insert: %w", err)
		}
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec host upsert: %w", err)
		}
	}
	return nil
}

// QueryReports returns paginated reports that fall within [q.From, q.To) on
// received_at, optionally filtered by q.Host, ordered by received_at DESC.
// q.Limit defaults to 100.
func (s *Store) QueryReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	if q.Host != "" {
		where += " AND host = $5"
		args = append(args, q.Host)
	}

	sql := fmt.Sprintf(`
		SELECT report_id, host, command, record, created_at, received_at
		FROM   reports
		%s
		ORDER  BY received_at DESC, report_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// GetReport returns the report with the given ID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetReport(ctx context.Context, reportID string) (*Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT report_id, host, command, record, created_at, received_at
		FROM   reports
		WHERE  report_id = $1`, reportID)
	r, err := scanReport(row)
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", reportID, err)
	}
	return r, nil
}

// ListHosts returns all reporting hosts ordered alphabetically.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host, first_seen, last_seen, report_count
		FROM   hosts
		ORDER  BY host`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.Host, &h.FirstSeen, &h.LastSeen, &h.ReportCount); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// --- internal helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (*Report, error) {
	var r Report
	var command []byte
	var record []byte
	err := s.Scan(&r.ReportID, &r.Host, &command, &record, &r.CreatedAt, &r.ReceivedAt)
	if err != nil {
		return nil, err
	}
	cmd, err := unmarshalCommand(command)
	if err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	r.Command = cmd
	r.Record = record
	return &r, nil
}
