package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// jobFields flattens a Job into the hash stored at jobs:{jobId}. Timestamps
// are unix nanoseconds; payload and result are JSON blobs the core never
// inspects.
func jobFields(j domain.Job) (map[string]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.jobFields: payload: %w", err)
	}
	f := map[string]any{
		"id":          j.ID,
		"user_id":     j.UserID,
		"type":        string(j.Type),
		"status":      string(j.Status),
		"queue":       j.Queue,
		"payload":     string(payload),
		"retry_count": j.RetryCount,
		"max_retries": j.MaxRetries,
		"created_at":  j.CreatedAt.UnixNano(),
	}
	if j.SessionID != "" {
		f["session_id"] = j.SessionID
	}
	return f, nil
}

func parseJob(vals map[string]string) (domain.Job, error) {
	if len(vals) == 0 || vals["id"] == "" {
		return domain.Job{}, domain.ErrNotFound
	}
	j := domain.Job{
		ID:            vals["id"],
		UserID:        vals["user_id"],
		Type:          domain.JobType(vals["type"]),
		Status:        domain.JobStatus(vals["status"]),
		Queue:         vals["queue"],
		ErrorMessage:  vals["error_message"],
		ErrorCategory: domain.ErrorCategory(vals["error_category"]),
		SessionID:     vals["session_id"],
		WorkerID:      vals["worker_id"],
	}
	j.RetryCount, _ = strconv.Atoi(vals["retry_count"])
	j.MaxRetries, _ = strconv.Atoi(vals["max_retries"])
	j.CreatedAt = parseNanos(vals["created_at"])
	j.StartedAt = parseNanos(vals["started_at"])
	j.CompletedAt = parseNanos(vals["completed_at"])
	j.NextRetryAt = parseNanos(vals["next_retry_at"])
	if raw := vals["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("op=redisstore.parseJob: payload: %w", err)
		}
	}
	if raw := vals["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("op=redisstore.parseJob: result: %w", err)
		}
	}
	return j, nil
}

func parseNanos(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
