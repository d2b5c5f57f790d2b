package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/usecase"
)

// maxBodyBytes bounds a submission body; audio payloads are base64 inside
// JSON, so this sits above the decoded audio cap.
const maxBodyBytes = 40 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Status usecase.StatusService
	Admin  usecase.AdminService

	RedisCheck       func(ctx context.Context) error
	TranscriberCheck func(ctx context.Context) error
	AgentCheck       func(ctx context.Context) error
}

// jobResponse is the API shape of a job.
type jobResponse struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Queue         string         `json:"queue"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorCategory string         `json:"error_category,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	SessionID     string         `json:"session_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
	NextRetryAt   time.Time      `json:"next_retry_at,omitzero"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		Type:          string(j.Type),
		Status:        string(j.Status),
		Queue:         j.Queue,
		Result:        j.Result,
		ErrorMessage:  j.ErrorMessage,
		ErrorCategory: string(j.ErrorCategory),
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		SessionID:     j.SessionID,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		NextRetryAt:   j.NextRetryAt,
	}
}

// SubmitHandler accepts a job submission and returns 202 with the id and a
// polling URL.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req usecase.SubmitRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), map[string]any{"decode": err.Error()})
			return
		}
		job, err := s.Submit.Submit(r.Context(), UserID(r), req)
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

// GetJobHandler returns the caller's job.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Status.Get(r.Context(), chi.URLParam(r, "id"), UserID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ListJobsHandler pages the caller's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		jobs, err := s.Status.List(r.Context(), UserID(r), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
	}
}

// CancelJobHandler cancels a queued job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Status.Cancel(r.Context(), id, UserID(r)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(domain.JobCancelled)})
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// ReadyHandler is the readiness probe: Redis must answer; downstream
// services are reported but do not fail readiness, the queue absorbs their
// outages.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		}
		probe := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks[name] = err.Error()
			} else {
				checks[name] = "ok"
			}
		}
		probe("transcriber", s.TranscriberCheck)
		probe("agent", s.AgentCheck)

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}
