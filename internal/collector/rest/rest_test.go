package rest_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jherland/depfinder/internal/collector/rest"
	"github.com/jherland/depfinder/internal/collector/storage"
)

// mockStore is an in-memory Store double used to test the HTTP layer
// without a live PostgreSQL connection.
type mockStore struct {
	reports   []storage.Report
	hosts     []storage.Host
	insertErr error
	queryErr  error
	hostsErr  error
	lastQuery storage.ReportQuery
}

func (m *mockStore) InsertReport(_ context.Context, rep storage.Report) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.reports = append(m.reports, rep)
	return nil
}

func (m *mockStore) QueryReports(_ context.Context, q storage.ReportQuery) ([]storage.Report, error) {
	m.lastQuery = q
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.reports, nil
}

func (m *mockStore) ListHosts(_ context.Context) ([]storage.Host, error) {
	if m.hostsErr != nil {
		return nil, m.hostsErr
	}
	return m.hosts, nil
}

type mockPublisher struct {
	published []storage.Report
}

func (p *mockPublisher) Publish(r storage.Report) {
	p.published = append(p.published, r)
}

func TestHandleHealthz(t *testing.T) {
	srv := rest.NewServer(&mockStore{}, nil)
	r := rest.NewRouter(srv, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestPostReportPersistsAndPublishes(t *testing.T) {
	store := &mockStore{}
	pub := &mockPublisher{}
	srv := rest.NewServer(store, pub)
	r := rest.NewRouter(srv, nil, nil)

	body := `{"report_id":"r-1","host":"build-1","command":["make"],"record":{"pid":1},"created_at":"2026-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body: %s", w.Code, w.Body.String())
	}
	if len(store.reports) != 1 || store.reports[0].ReportID != "r-1" {
		t.Fatalf("store.reports = %+v, want one report with ReportID r-1", store.reports)
	}
	if len(pub.published) != 1 {
		t.Fatalf("publisher got %d reports, want 1", len(pub.published))
	}
}

func TestPostReportRejectsMissingFields(t *testing.T) {
	srv := rest.NewServer(&mockStore{}, nil)
	r := rest.NewRouter(srv, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewBufferString(`{"host":"build-1"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (missing report_id)", w.Code)
	}
}

func TestGetReportsRequiresFromAndTo(t *testing.T) {
	srv := rest.NewServer(&mockStore{}, nil)
	r := rest.NewRouter(srv, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (missing from/to)", w.Code)
	}
}

func TestGetReportsAppliesFilterAndReturnsJSON(t *testing.T) {
	store := &mockStore{
		reports: []storage.Report{{ReportID: "r-1", Host: "build-1"}},
	}
	srv := rest.NewServer(store, nil)
	r := rest.NewRouter(srv, nil, nil)

	url := "/api/v1/reports?host=build-1&from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=10"
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.lastQuery.Host != "build-1" || store.lastQuery.Limit != 10 {
		t.Errorf("lastQuery = %+v, want Host=build-1 Limit=10", store.lastQuery)
	}

	var got []storage.Report
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ReportID != "r-1" {
		t.Fatalf("got %+v, want one report r-1", got)
	}
}

func TestGetHostsReturnsEmptyArrayNotNull(t *testing.T) {
	srv := rest.NewServer(&mockStore{}, nil)
	r := rest.NewRouter(srv, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "[]\n" {
		t.Errorf("body = %q, want empty JSON array, not null", w.Body.String())
	}
}

func TestJWTMiddlewareRejectsMissingToken(t *testing.T) {
	// A non-nil pubKey (even an unused one structurally) turns on JWT
	// enforcement for /api/v1 routes; the handler under test never reaches
	// verification because the Authorization header itself is absent.
	srv := rest.NewServer(&mockStore{}, nil)
	key := mustGenerateRSAKey(t)
	r := rest.NewRouter(srv, &key.PublicKey, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHealthzBypassesJWT(t *testing.T) {
	srv := rest.NewServer(&mockStore{}, nil)
	key := mustGenerateRSAKey(t)
	r := rest.NewRouter(srv, &key.PublicKey, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (healthz is unauthenticated)", w.Code)
	}
}

func TestParseRSAPublicKeyRoundTrip(t *testing.T) {
	key := mustGenerateRSAKey(t)
	pubPEM := marshalPublicKeyPEM(t, &key.PublicKey)

	parsed, err := rest.ParseRSAPublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if parsed.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("parsed key modulus does not match the original")
	}
}

func TestParseRSAPublicKeyRejectsGarbage(t *testing.T) {
	if _, err := rest.ParseRSAPublicKey([]byte("not a pem block")); err == nil {
		t.Error("expected an error decoding a non-PEM payload")
	}
}

func mustGenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return key
}

func marshalPublicKeyPEM(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("x509.MarshalPKIXPublicKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}
