// Package server exposes the audit log and the access gate over HTTP.
//
// Routes:
//
//	GET  /health                     liveness and version
//	GET  /metrics                    Prometheus exposition
//	GET  /api/logs                   list audit records (Auditor)
//	GET  /api/logs/verify            verify the hash chain (Auditor)
//	GET  /api/logs/export            export all records (Auditor, Exportar Casos)
//	GET  /api/logs/ws                live feed of appended entries (Auditor)
//	GET  /api/logs/{id}              one record (Auditor)
//	GET  /api/logs/{id}/export/csv   one record as CSV (Auditor, Exportar Casos)
//	POST /api/audit/events           record an action for the caller
//	POST /api/access/check           evaluate the caller's role against the gate
//	GET  /api/access/rules           rules that apply to the caller's role
//
// Every /api route requires a bearer token issued by the auth platform.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/socledger/socledger/internal/access"
	"github.com/socledger/socledger/internal/audit"
	"github.com/socledger/socledger/internal/metrics"
)

// AuditorRole may read, verify, and export the audit log.
const AuditorRole = "Auditor"

// Options holds the dependencies injected into the server.
type Options struct {
	Log     *audit.Log
	Gate    *access.Gate
	Feed    *Feed // optional; nil disables /api/logs/ws
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Secret verifies HS256 bearer tokens. Issuer, when set, must match
	// the token's iss claim.
	Secret []byte
	Issuer string

	Version string
}

// Server routes HTTP requests to the audit log and access gate.
type Server struct {
	log     *audit.Log
	gate    *access.Gate
	feed    *Feed
	metrics *metrics.Metrics
	logger  *slog.Logger
	auth    *Authenticator
	version string
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	s := &Server{
		log:     opts.Log,
		gate:    opts.Gate,
		feed:    opts.Feed,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		version: opts.Version,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.auth = NewAuthenticator(opts.Secret, opts.Issuer)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/logs", func(r chi.Router) {
			r.Use(RequireRole(AuditorRole))

			r.Get("/", s.handleListLogs)
			r.Get("/verify", s.handleVerify)
			r.With(s.Guard("Exportar", "Casos")).Get("/export", s.handleExport)
			r.Get("/ws", s.handleWebSocket)
			r.Get("/{id}", s.handleGetLog)
			r.With(s.Guard("Exportar", "Casos")).Get("/{id}/export/csv", s.handleExportLogCSV)
		})

		r.Post("/audit/events", s.handleRecordEvent)
		r.Post("/access/check", s.handleAccessCheck)
		r.Get("/access/rules", s.handleAccessRules)
	})

	return r
}

// Guard rejects the request with 403 unless the caller's role may perform
// action on resource at the current time.
func (s *Server) Guard(action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			d := s.gate.CheckNow(p.Role, action, resource)
			if !d.Allowed {
				s.logger.Info("access denied",
					"request_id", RequestIDFrom(r.Context()),
					"user_id", p.UserID,
					"role", p.Role,
					"action", action,
					"resource", resource,
					"reason", d.Reason,
				)
				writeError(w, http.StatusForbidden, d.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
