package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the depfinder fleet collector.
//
// Route layout:
//
//	GET  /healthz            – liveness probe (no authentication required)
//	GET  /ws                 – dashboard WebSocket feed (no authentication required)
//	POST /api/v1/reports     – ingest a trace report (JWT required)
//	GET  /api/v1/reports     – paginated report query (JWT required)
//	GET  /api/v1/hosts       – list all reporting hosts (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting). wsHandler is mounted at
// /ws; pass nil to disable the WebSocket feed entirely.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	if wsHandler != nil {
		r.Get("/ws", wsHandler.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Post("/reports", srv.handlePostReport)
		r.Get("/reports", srv.handleGetReports)
		r.Get("/hosts", srv.handleGetHosts)
	})

	return r
}
