package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jherland/depfinder/internal/collector/storage"
)

// Publisher receives every successfully ingested report so it can be fanned
// out to connected dashboard clients. A nil Publisher (the default) disables
// fan-out without affecting ingestion.
type Publisher interface {
	Publish(r storage.Report)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	publisher Publisher
}

// NewServer creates a new Server with the provided storage layer. Pass a
// non-nil Publisher to broadcast each ingested report to the collector's
// WebSocket clients.
func NewServer(store Store, publisher Publisher) *Server {
	return &Server{store: store, publisher: publisher}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePostReport responds to POST /api/v1/reports.
//
// The request body must be a JSON-encoded tracereport.TraceReport (report_id,
// host, command, record, created_at). The report is assigned a server-side
// received_at timestamp and persisted. Returns HTTP 202 on success, HTTP 400
// on a malformed body, and HTTP 500 if persistence fails.
func (s *Server) handlePostReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReportID  string          `json:"report_id"`
		Host      string          `json:"host"`
		Command   []string        `json:"command"`
		Record    json.RawMessage `json:"record"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if body.ReportID == "" {
		writeError(w, http.StatusBadRequest, "'report_id' is required")
		return
	}
	if body.Host == "" {
		writeError(w, http.StatusBadRequest, "'host' is required")
		return
	}

	rep := storage.Report{
		ReportID:   body.ReportID,
		Host:       body.Host,
		Command:    body.Command,
		Record:     body.Record,
		CreatedAt:  body.CreatedAt,
		ReceivedAt: time.Now().UTC(),
	}

	if err := s.store.InsertReport(r.Context(), rep); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist report")
		return
	}

	if s.publisher != nil {
		s.publisher.Publish(rep)
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleGetReports responds to GET /api/v1/reports.
//
// Supported query parameters:
//
//	host    – exact host filter (optional)
//	from    – RFC3339 start of the received_at window (required)
//	to      – RFC3339 end of the received_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Report objects on success.
func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	q, err := parseReportQuery(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.store.QueryReports(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query reports")
		return
	}

	if reports == nil {
		reports = []storage.Report{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(reports)
}

// handleGetHosts responds to GET /api/v1/hosts.
//
// Returns HTTP 200 with a JSON array of all registered Host objects ordered
// alphabetically.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}

	if hosts == nil {
		hosts = []storage.Host{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(hosts)
}

func parseReportQuery(_ context.Context, q map[string][]string) (storage.ReportQuery, error) {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	fromStr := get("from")
	toStr := get("to")
	if fromStr == "" || toStr == "" {
		return storage.ReportQuery{}, errBadRequest("query parameters 'from' and 'to' are required (RFC3339)")
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return storage.ReportQuery{}, errBadRequest("'from' must be a valid RFC3339 timestamp")
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return storage.ReportQuery{}, errBadRequest("'to' must be a valid RFC3339 timestamp")
	}
	if !to.After(from) {
		return storage.ReportQuery{}, errBadRequest("'to' must be after 'from'")
	}

	rq := storage.ReportQuery{Host: get("host"), From: from, To: to}

	if limitStr := get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return storage.ReportQuery{}, errBadRequest("'limit' must be a positive integer")
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}

	if offsetStr := get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return storage.ReportQuery{}, errBadRequest("'offset' must be a non-negative integer")
		}
		rq.Offset = offset
	}

	return rq, nil
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }
