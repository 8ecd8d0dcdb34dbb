package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/web/templates"
)

var startedAt = time.Now()

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptimeSec": int64(time.Since(startedAt).Seconds()),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := templates.DashboardData{
		Status:   s.engine.Status(),
		Failed:   s.engine.FailedOperations(),
		Entities: s.engine.Entities(),
		Now:      time.Now(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.Dashboard(data).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Warn("render dashboard", "error", err)
	}
}

// handleStatus returns queue, breaker and limiter state plus the last cycle.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Status())
}

type failedResponse struct {
	Count      int                  `json:"count"`
	Operations []core.SyncOperation `json:"operations"`
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	ops := s.engine.FailedOperations()
	if ops == nil {
		ops = []core.SyncOperation{}
	}
	writeJSON(w, r, http.StatusOK, failedResponse{Count: len(ops), Operations: ops})
}

// handleRun starts a cycle in the background. 409 when one is running.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.TriggerCycle(cycleContext(r)); err != nil {
		respondError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("cycle triggered", "trigger", core.TriggerAPI)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n := s.engine.RetryFailed()
	logging.FromContext(r.Context()).Info("failed operations re-enqueued", "count", n)
	writeJSON(w, r, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetBreakers()
	logging.FromContext(r.Context()).Info("circuit breakers reset")
	writeJSON(w, r, http.StatusOK, map[string]any{"breakers": s.engine.Status().Breakers})
}

// handleDeletions pages through the deletion audit.
//
// Query: entity, key, run, since, until (RFC 3339), limit, offset.
func (s *Server) handleDeletions(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseAuditFilter(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	page, err := s.engine.ListDeletionAudits(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

type entityInfo struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	SheetRange string `json:"sheetRange"`
	KeyColumn  string `json:"keyColumn"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Entities()
	out := make([]entityInfo, len(defs))
	for i, d := range defs {
		out[i] = entityInfo{Name: d.Name, Table: d.Table, SheetRange: d.SheetRange, KeyColumn: d.KeyColumn}
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) parseAuditFilter(r *http.Request) (core.AuditFilter, error) {
	q := r.URL.Query()
	f := core.AuditFilter{
		Entity:    q.Get("entity"),
		EntityKey: q.Get("key"),
		RunID:     q.Get("run"),
	}

	if f.Entity != "" && !s.knownEntity(f.Entity) {
		return f, fmt.Errorf("unknown entity %q", f.Entity)
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	return f.Normalize(), nil
}

func (s *Server) knownEntity(name string) bool {
	for _, d := range s.engine.Entities() {
		if d.Name == name {
			return true
		}
	}
	return false
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be an RFC 3339 timestamp")
	}
	return t, nil
}
