package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lunarchat/parley/store"
)

// HandleHealthz responds to liveness probe requests by checking database
// connectivity. With no database attached (in-memory mode) the process being
// up is the whole check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"schema", func() error {
			if h.deps.DB == nil {
				return nil
			}
			var one int
			err := h.deps.DB.QueryRowContext(r.Context(),
				"SELECT 1 FROM identities LIMIT 1").Scan(&one)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports aggregate counters: identities, rooms, live sessions,
// uptime, and the stats job heartbeat when a database is attached.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	idents, err := h.deps.Identities.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list identities failed")
		return
	}
	rooms, err := h.deps.Rooms.ListAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list rooms failed")
		return
	}
	_, msgTotal, err := h.deps.Messages.Search(r.Context(), store.MessageFilter{PerPage: 1})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "count messages failed")
		return
	}

	out := map[string]any{
		"identities":     len(idents),
		"rooms":          len(rooms),
		"messages":       msgTotal,
		"live_sessions":  h.deps.Engine.Registry().Len(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if h.deps.DB != nil {
		var last string
		err := h.deps.DB.QueryRowContext(r.Context(),
			"SELECT value FROM kv WHERE key='job_stats_last'").Scan(&last)
		if err == nil {
			out["stats_job_last"] = last
		}
	}
	writeJSON(w, http.StatusOK, out)
}
