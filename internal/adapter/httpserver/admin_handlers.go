package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// adminActor labels operator actions in logs and audit fields when the
// gateway does not forward an identity.
func adminActor(r *http.Request) string {
	if id := UserID(r); id != "" {
		return id
	}
	return "admin"
}

// DLQListHandler pages one queue's dead-letter entries.
func (s *Server) DLQListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		entries, err := s.Admin.DLQList(r.Context(), chi.URLParam(r, "queue"), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
	}
}

// DLQReprocessHandler clones a dead-letter entry back into its queue.
func (s *Server) DLQReprocessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Admin.DLQReprocess(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "entryId"), adminActor(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":         job.ID,
			"status":     string(job.Status),
			"status_url": "/v1/jobs/" + job.ID,
		})
	}
}

// SystemHealthHandler returns the worker report, degradation state and
// breaker snapshots.
func (s *Server) SystemHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Admin.Health(r.Context()))
	}
}

// QueueStatsHandler returns per-queue stats.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Admin.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
	}
}

// MetricsQueryHandler serves the in-process series: without a name it lists
// the known series, with one it returns the windowed samples.
func (s *Server) MetricsQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeJSON(w, http.StatusOK, map[string]any{"series": s.Admin.MetricNames()})
			return
		}
		window := time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("invalid window %q: %w", raw, domain.ErrInvalidArgument), nil)
				return
			}
			window = d
		}
		points, err := s.Admin.MetricQuery(name, window)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "window": window.String(), "points": points})
	}
}

// AlertsHandler lists active alerts.
func (s *Server) AlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alerts := s.Admin.ActiveAlerts(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
	}
}

// AlertAckHandler acknowledges an active alert.
func (s *Server) AlertAckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Admin.AcknowledgeAlert(r.Context(), id, adminActor(r)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": "acknowledged"})
	}
}

// DegradationOverrideHandler pins the overall degradation level.
func (s *Server) DegradationOverrideHandler() http.HandlerFunc {
	type overrideRequest struct {
		Level  string `json:"level"`
		Reason string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Admin.SetDegradationOverride(req.Level, req.Reason, adminActor(r)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"level": req.Level, "reason": req.Reason})
	}
}

// DegradationClearHandler returns degradation control to the controller.
func (s *Server) DegradationClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Admin.ClearDegradationOverride(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"override": nil})
	}
}

// BreakerResetHandler forces a breaker closed.
func (s *Server) BreakerResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		if err := s.Admin.ResetBreaker(service, adminActor(r)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": service, "state": "closed"})
	}
}
