// Package transport implements the upload client that pushes completed
// trace reports from the local queue (internal/queue) to a depfinder
// fleet collector over plain HTTP.
//
// # Usage
//
//	client := transport.New(transport.Config{Endpoint: cfg.Collector.Endpoint, AuthToken: cfg.Collector.AuthToken}, logger)
//	if err := client.Run(ctx, q, cfg.Collector.PollIntervalSeconds, cfg.Collector.BatchSize); err != nil {
//	    log.Fatal(err)
//	}
//
// # Reconnection
//
// Send retries each failed upload with exponential backoff via
// github.com/cenkalti/backoff/v4, capped by Config.MaxElapsedTime. The
// backoff state resets between distinct reports: one report's exhausted
// retries does not poison the next report's budget.
//
// # Tracing
//
// Each upload attempt is wrapped in an OpenTelemetry span named
// "transport.Send" so a collector-side trace can be correlated with the
// client-side attempt that produced it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jherland/depfinder/internal/queue"
	"github.com/jherland/depfinder/internal/tracereport"
)

var tracer = otel.Tracer("github.com/jherland/depfinder/internal/transport")

// Config controls how the client dials the collector.
type Config struct {
	// Endpoint is the collector's base URL, e.g.
	// "https://depfinder-collector.example.com". Reports are POSTed to
	// Endpoint + "/api/v1/reports".
	Endpoint string

	// AuthToken is the bearer token presented on every request.
	AuthToken string

	// InitialInterval is the first retry backoff delay. Defaults to 1s.
	InitialInterval time.Duration

	// MaxElapsedTime bounds how long Send retries a single report before
	// giving up. Defaults to 2 minutes.
	MaxElapsedTime time.Duration

	// HTTPClient is the underlying client used to make requests. Defaults
	// to http.DefaultClient.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 2 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Client uploads queued trace reports to a depfinder collector.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics // nil when no instrumentation is requested
}

// Option customizes a Client constructed by New.
type Option func(*Client)

// WithMetrics wires a Metrics value into the client so upload attempts are
// recorded as Prometheus-compatible counters. A nil Metrics
// pointer (the default) is treated as a no-op.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client from cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{cfg: cfg.withDefaults(), logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drains q continuously, uploading batches of pending reports and
// acking them on success, until ctx is cancelled. It returns nil when ctx
// is cancelled cleanly.
func (c *Client) Run(ctx context.Context, q *queue.SQLiteQueue, pollInterval int, batchSize int) error {
	ticker := time.NewTicker(time.Duration(pollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.drain(ctx, q, batchSize); err != nil {
				c.logger.Warn("transport: drain cycle failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) drain(ctx context.Context, q *queue.SQLiteQueue, batchSize int) error {
	pending, err := q.Dequeue(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("transport: dequeue: %w", err)
	}

	var acked []int64
	for _, p := range pending {
		if err := c.Send(ctx, p.Rep); err != nil {
			c.logger.Warn("transport: upload failed, will retry next cycle",
				slog.String("report_id", p.Rep.ReportID), slog.Any("error", err))
			continue
		}
		acked = append(acked, p.ID)
	}

	if len(acked) > 0 {
		if err := q.Ack(ctx, acked); err != nil {
			return fmt.Errorf("transport: ack: %w", err)
		}
	}
	return nil
}

// Send uploads a single report, retrying transient failures (connection
// errors and 5xx responses) with exponential backoff up to
// Config.MaxElapsedTime. A 4xx response is treated as permanent and
// returned immediately without retry.
func (c *Client) Send(ctx context.Context, rep tracereport.TraceReport) error {
	ctx, span := tracer.Start(ctx, "transport.Send",
		trace.WithAttributes(
			attribute.String("depfinder.report_id", rep.ReportID),
			attribute.String("depfinder.host", rep.Host),
		))
	defer span.End()

	c.metricsUploadAttempt()

	body, err := json.Marshal(rep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("transport: marshal report: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxElapsedTime = c.cfg.MaxElapsedTime

	op := func() error {
		err := c.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		if permanentErr, ok := err.(*permanentError); ok {
			return backoff.Permanent(permanentErr)
		}
		c.metricsRetry()
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		c.metricsUploadError()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("transport: upload %s: %w", rep.ReportID, err)
	}

	c.metricsUploadSuccess()
	return nil
}

// permanentError marks an upload failure backoff.Retry should not retry.
type permanentError struct{ error }

func (c *Client) postOnce(ctx context.Context, body []byte) error {
	url := c.cfg.Endpoint + "/api/v1/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{fmt.Errorf("collector rejected report: status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("collector error: status %d", resp.StatusCode)
	}
}

func (c *Client) metricsUploadAttempt() {
	if c.metrics != nil {
		c.metrics.UploadAttempts.Add(1)
	}
}

func (c *Client) metricsUploadSuccess() {
	if c.metrics != nil {
		c.metrics.UploadsSucceeded.Add(1)
	}
}

func (c *Client) metricsUploadError() {
	if c.metrics != nil {
		c.metrics.UploadErrors.Add(1)
	}
}

func (c *Client) metricsRetry() {
	if c.metrics != nil {
		c.metrics.RetryAttempts.Add(1)
	}
}
