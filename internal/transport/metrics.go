// Package transport – Prometheus metrics for the collector upload client.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request. Wire
// it into your HTTP mux at /metrics:
//
//	m := transport.NewMetrics()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	transport_upload_attempts_total    – counter: upload attempts made
//	transport_uploads_succeeded_total  – counter: uploads that received a 2xx
//	transport_upload_errors_total      – counter: uploads that exhausted retries
//	transport_retry_attempts_total     – counter: individual retried POSTs
package transport

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters for the transport layer. The zero
// value is ready to use; all counters start at zero.
type Metrics struct {
	UploadAttempts   atomic.Int64
	UploadsSucceeded atomic.Int64
	UploadErrors     atomic.Int64
	RetryAttempts    atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of report upload attempts made by the transport client.",
			kind:  "counter",
			name:  "transport_upload_attempts_total",
			value: m.UploadAttempts.Load(),
		},
		{
			help:  "Total number of report uploads that received a 2xx response.",
			kind:  "counter",
			name:  "transport_uploads_succeeded_total",
			value: m.UploadsSucceeded.Load(),
		},
		{
			help:  "Total number of report uploads that exhausted their retry budget.",
			kind:  "counter",
			name:  "transport_upload_errors_total",
			value: m.UploadErrors.Load(),
		},
		{
			help:  "Total number of individual POST retries issued by the backoff policy.",
			kind:  "counter",
			name:  "transport_retry_attempts_total",
			value: m.RetryAttempts.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all transport metrics in the
// Prometheus text exposition format on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
