package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// DLQStore manages the dead-letter lists. It shares the Store's client and
// options; moving a job in and cloning one out both go through the job
// store's transition scripts so status monotonicity holds.
type DLQStore struct {
	store *Store
}

// NewDLQ returns the dead-letter store bound to s.
func NewDLQ(s *Store) *DLQStore { return &DLQStore{store: s} }

// Move retires an exhausted job into the queue's dead-letter list. The job
// must be in failed or retrying status; its record flips to dead_letter
// atomically with the list append.
func (d *DLQStore) Move(ctx context.Context, job domain.Job, failureReason string, category domain.ErrorCategory) (domain.DLQEntry, error) {
	now := d.store.now()
	entry := domain.DLQEntry{
		ID:            uuid.NewString(),
		Job:           job,
		Queue:         job.Queue,
		FailureReason: failureReason,
		ErrorCategory: category,
		MovedAt:       now,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=redisstore.DLQ.Move: %w", err)
	}
	n, err := deadLetterScript.Run(ctx, d.store.rdb,
		[]string{jobKey(job.ID), dlqKey(job.Queue), keyTerminal, delayedKey(job.Queue)},
		job.ID, string(raw), now.UnixNano(), now.UnixMilli(),
		int(d.store.opts.JobRetention.Seconds()), d.store.opts.DLQMaxLen).Int()
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=redisstore.DLQ.Move: %w", err)
	}
	if n != 1 {
		return domain.DLQEntry{}, fmt.Errorf("op=redisstore.DLQ.Move: job %s not failed/retrying: %w", job.ID, domain.ErrInvalidTransition)
	}
	d.store.publish(job, job.Status, domain.JobDeadLetter)
	observability.JobsDeadLetteredTotal.WithLabelValues(job.Queue).Inc()
	slog.Warn("job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("category", string(category)),
		slog.String("reason", failureReason))
	return entry, nil
}

// List returns a page of the queue's DLQ entries, newest first.
func (d *DLQStore) List(ctx context.Context, queue string, limit, offset int) ([]domain.DLQEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	raws, err := d.store.rdb.LRange(ctx, dlqKey(queue), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.DLQ.List: %w", err)
	}
	out := make([]domain.DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var e domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("corrupt DLQ entry skipped", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		out = append(out, e)
	}
	observability.DLQSize.WithLabelValues(queue).Set(float64(d.Size(ctx, queue)))
	return out, nil
}

// Entry finds one entry by id.
func (d *DLQStore) Entry(ctx context.Context, queue, entryID string) (domain.DLQEntry, int64, error) {
	raws, err := d.store.rdb.LRange(ctx, dlqKey(queue), 0, -1).Result()
	if err != nil {
		return domain.DLQEntry{}, 0, fmt.Errorf("op=redisstore.DLQ.Entry: %w", err)
	}
	for i, raw := range raws {
		var e domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.ID == entryID {
			return e, int64(i), nil
		}
	}
	return domain.DLQEntry{}, 0, fmt.Errorf("op=redisstore.DLQ.Entry: %s: %w", entryID, domain.ErrNotFound)
}

// Size returns the queue's DLQ length.
func (d *DLQStore) Size(ctx context.Context, queue string) int64 {
	n, err := d.store.rdb.LLen(ctx, dlqKey(queue)).Result()
	if err != nil {
		return 0
	}
	return n
}

// Reprocess clones the entry's job snapshot into a brand new queued job
// (fresh id, retry count zero) and marks the entry reprocessed. The dead
// job itself stays dead_letter; cloning preserves status monotonicity.
func (d *DLQStore) Reprocess(ctx context.Context, queue, entryID, actor string) (domain.Job, error) {
	entry, idx, err := d.Entry(ctx, queue, entryID)
	if err != nil {
		return domain.Job{}, err
	}
	if entry.ReprocessedAs != "" {
		return domain.Job{}, fmt.Errorf("op=redisstore.DLQ.Reprocess: entry %s already reprocessed as %s: %w", entryID, entry.ReprocessedAs, domain.ErrConflict)
	}

	payload := entry.Job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["reprocessed_from"] = entry.Job.ID

	job, err := d.store.Create(ctx, domain.NewJob{
		UserID:    entry.Job.UserID,
		Type:      entry.Job.Type,
		Payload:   payload,
		SessionID: entry.Job.SessionID,
	})
	if err != nil {
		return domain.Job{}, err
	}

	entry.ReprocessedAs = job.ID
	entry.ReprocessedBy = actor
	entry.ReprocessedAt = d.store.now()
	raw, err := json.Marshal(entry)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.DLQ.Reprocess: %w", err)
	}
	if err := d.store.rdb.LSet(ctx, dlqKey(queue), idx, string(raw)).Err(); err != nil {
		slog.Warn("DLQ entry rewrite failed after reprocess",
			slog.String("entry_id", entryID), slog.Any("error", err))
	}
	slog.Info("DLQ entry reprocessed",
		slog.String("entry_id", entryID),
		slog.String("new_job_id", job.ID),
		slog.String("actor", actor))
	return job, nil
}

// PruneBefore drops entries older than cutoff. Entries are LPUSHed, so the
// oldest sit at the tail; the scan walks from the tail and stops at the
// first young entry.
func (d *DLQStore) PruneBefore(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	pruned := 0
	for {
		raw, err := d.store.rdb.LIndex(ctx, dlqKey(queue), -1).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return pruned, fmt.Errorf("op=redisstore.DLQ.PruneBefore: %w", err)
		}
		var e domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil && !e.MovedAt.Before(cutoff) {
			break
		}
		if err := d.store.rdb.RPop(ctx, dlqKey(queue)).Err(); err != nil {
			return pruned, fmt.Errorf("op=redisstore.DLQ.PruneBefore: %w", err)
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("DLQ pruned", slog.String("queue", queue), slog.Int("entries", pruned))
	}
	return pruned, nil
}
