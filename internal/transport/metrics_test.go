package transport_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jherland/depfinder/internal/transport"
)

func TestMetricsHandlerExposesPrometheusText(t *testing.T) {
	m := transport.NewMetrics()
	m.UploadAttempts.Add(3)
	m.UploadsSucceeded.Add(2)
	m.UploadErrors.Add(1)
	m.RetryAttempts.Add(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain prefix", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"transport_upload_attempts_total 3",
		"transport_uploads_succeeded_total 2",
		"transport_upload_errors_total 1",
		"transport_retry_attempts_total 4",
		"# HELP transport_upload_attempts_total",
		"# TYPE transport_upload_attempts_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nfull body:\n%s", want, body)
		}
	}
}

func TestMetricsHandlerZeroValue(t *testing.T) {
	m := transport.NewMetrics()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "transport_upload_attempts_total 0") {
		t.Errorf("zero-value metrics not exposed: %s", rec.Body.String())
	}
}
