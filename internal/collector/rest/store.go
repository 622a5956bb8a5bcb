package rest

import (
	"context"

	"github.com/jherland/depfinder/internal/collector/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// InsertReport enqueues rep for persistence.
	InsertReport(ctx context.Context, rep storage.Report) error

	// QueryReports returns reports matching the given filter and pagination
	// params.
	QueryReports(ctx context.Context, q storage.ReportQuery) ([]storage.Report, error)

	// ListHosts returns all reporting hosts ordered alphabetically.
	ListHosts(ctx context.Context) ([]storage.Host, error)
}
