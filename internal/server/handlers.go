package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/socledger/socledger/internal/audit"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// handleListLogs lists audit records.
// GET /api/logs?user=<id>&action=<glob>&since=<RFC3339|duration>&limit=<n>
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := audit.Filter{
		UserID: q.Get("user"),
		Action: q.Get("action"),
		Limit:  defaultListLimit,
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	if since := q.Get("since"); since != "" {
		t, err := ParseSince(since, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Since = t
	}

	recs, err := s.log.List(r.Context(), f)
	if err != nil {
		s.storeFailure(w, r, "listing audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleVerify recomputes the chain. A broken chain is 409 with the result.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.log.Verify(r.Context())
	if err != nil {
		s.storeFailure(w, r, "verifying audit chain", err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// handleExport streams every record. GET /api/logs/export?format=jsonl|json|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	var contentType, ext string
	switch format {
	case "", "jsonl":
		contentType, ext = "application/x-ndjson", "jsonl"
	case "json":
		contentType, ext = "application/json", "json"
	case "csv":
		contentType, ext = "text/csv", "csv"
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q (use json, jsonl, or csv)", format))
		return
	}

	recs, err := s.log.Records(r.Context())
	if err != nil {
		s.storeFailure(w, r, "exporting audit log", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit_logs.%s"`, ext))
	if err := audit.Encode(w, format, recs); err != nil {
		// Headers are gone; the client sees a truncated body.
		s.logger.Error("audit export failed", "request_id", RequestIDFrom(r.Context()), "error", err)
		return
	}
	s.recordExport(r, map[string]any{"scope": "all", "format": ext})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExportLogCSV downloads one record as CSV.
func (s *Server) handleExportLogCSV(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="log_%d.csv"`, rec.ID))
	if err := audit.WriteCSV(w, []audit.Record{rec}); err != nil {
		s.logger.Error("writing csv", "request_id", RequestIDFrom(r.Context()), "error", err)
		return
	}
	s.recordExport(r, map[string]any{"scope": "entry", "id": rec.ID, "format": "csv"})
}

func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request) (audit.Record, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid log id")
		return audit.Record{}, false
	}
	rec, err := s.log.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "audit log entry not found")
		return audit.Record{}, false
	}
	if err != nil {
		s.storeFailure(w, r, "reading audit entry", err)
		return audit.Record{}, false
	}
	return rec, true
}

type recordEventRequest struct {
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details"`
}

// handleRecordEvent records an action on behalf of the caller.
// POST /api/audit/events {"action": "UPDATE_INCIDENT", "details": {...}}
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action, err := audit.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var details any
	if len(req.Details) > 0 {
		details = req.Details
	}
	s.log.Record(PrincipalFrom(r.Context()).UserID, action, details)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type accessCheckRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// handleAccessCheck evaluates the caller's role for one action now.
func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" || req.Resource == "" {
		writeError(w, http.StatusBadRequest, "action and resource are required")
		return
	}
	d := s.gate.CheckNow(PrincipalFrom(r.Context()).Role, req.Action, req.Resource)
	writeJSON(w, http.StatusOK, d)
}

// handleAccessRules lists the rules that apply to the caller.
func (s *Server) handleAccessRules(w http.ResponseWriter, r *http.Request) {
	role := PrincipalFrom(r.Context()).Role
	table := s.gate.Table()
	writeJSON(w, http.StatusOK, map[string]any{
		"role":  role,
		"rules": table.RulesFor(role),
	})
}

func (s *Server) recordExport(r *http.Request, details map[string]any) {
	s.log.Record(PrincipalFrom(r.Context()).UserID, audit.ActionExportLog, details)
}

func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op, "request_id", RequestIDFrom(r.Context()), "error", err)
	if errors.Is(err, audit.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

// ParseSince accepts an RFC 3339 timestamp or a duration ("24h") counted
// back from now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q (use RFC 3339 or a duration like 24h)", s)
	}
	return now.Add(-d), nil
}
