package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jherland/depfinder/internal/transport"
	"github.com/jherland/depfinder/internal/tracereport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReport(id string) tracereport.TraceReport {
	return tracereport.TraceReport{
		ReportID:  id,
		Host:      "build-host-1",
		Command:   []string{"make"},
		Record:    []byte(`{"pid":1}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestSend_SucceedsOn200(t *testing.T) {
	var gotAuth string
	var gotReport tracereport.TraceReport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReport)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := transport.New(transport.Config{Endpoint: srv.URL, AuthToken: "tok-123"}, discardLogger())
	if err := c.Send(context.Background(), testReport("r-1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", gotAuth)
	}
	if gotReport.ReportID != "r-1" {
		t.Errorf("ReportID = %q, want r-1", gotReport.ReportID)
	}
}

func TestSend_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := transport.New(transport.Config{
		Endpoint:        srv.URL,
		AuthToken:       "tok",
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  time.Second,
	}, discardLogger())

	if err := c.Send(context.Background(), testReport("r-2")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSend_DoesNotRetryOn4xx(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := transport.New(transport.Config{
		Endpoint:        srv.URL,
		AuthToken:       "bad",
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  time.Second,
	}, discardLogger())

	if err := c.Send(context.Background(), testReport("r-3")); err == nil {
		t.Fatalf("expected error for 401 response")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts.Load())
	}
}

func TestSend_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := transport.NewMetrics()
	c := transport.New(transport.Config{Endpoint: srv.URL, AuthToken: "tok"}, discardLogger(), transport.WithMetrics(m))

	if err := c.Send(context.Background(), testReport("r-4")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.UploadAttempts.Load() != 1 {
		t.Errorf("UploadAttempts = %d, want 1", m.UploadAttempts.Load())
	}
	if m.UploadsSucceeded.Load() != 1 {
		t.Errorf("UploadsSucceeded = %d, want 1", m.UploadsSucceeded.Load())
	}
}
