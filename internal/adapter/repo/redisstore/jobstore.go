// Package redisstore owns every durable record of the job-processing core:
// job hashes, queue lists, delayed retry sets, the per-user index, the
// terminal index, and the dead-letter lists. No other component writes
// these keys; cross-component influence goes through this package's
// operations.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
	"github.com/fairyhunter13/ai-med-transcriber/internal/retry"
)

// CircuitView is the narrow read-only breaker interface the adaptive retry
// decision consults. The circuit breaker registry satisfies it through a
// small adapter; the store never sees the registry itself.
type CircuitView interface {
	IsOpen(service string) bool
	IsHalfOpen(service string) bool
}

// HealthView reports the aggregate worker health score in [0,100].
type HealthView interface {
	HealthScore(ctx context.Context) float64
}

// Options tunes the store.
type Options struct {
	// Queues the store serves; used by Queues() and the maintenance sweeps.
	Queues []string
	// JobRetention is the TTL applied to terminal job records.
	JobRetention time.Duration
	// MaxRetriesDefault applies when the per-type policy does not override it.
	MaxRetriesDefault int
	// DLQMaxLen caps each dead-letter list.
	DLQMaxLen int64
}

func (o Options) withDefaults() Options {
	if o.JobRetention <= 0 {
		o.JobRetention = 24 * time.Hour
	}
	if o.MaxRetriesDefault <= 0 {
		o.MaxRetriesDefault = 3
	}
	if o.DLQMaxLen <= 0 {
		o.DLQMaxLen = 10000
	}
	return o
}

// Store is the Redis-backed job store.
type Store struct {
	rdb  redis.Cmdable
	opts Options
	bus  *events.Bus

	classifier *errclass.Classifier
	circuits   CircuitView
	health     HealthView

	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// New returns a Store. bus, classifier, circuits and health may be nil; the
// adaptive retry decision then degrades to pure attempt-count policy.
func New(rdb redis.Cmdable, opts Options, bus *events.Bus) *Store {
	return &Store{
		rdb:     rdb,
		opts:    opts.withDefaults(),
		bus:     bus,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // ids need uniqueness, not secrecy
	}
}

// WireAdaptive attaches the classifier and the breaker/health views used by
// IncrementRetry. Separate from New to keep construction order acyclic.
func (s *Store) WireAdaptive(c *errclass.Classifier, cv CircuitView, hv HealthView) {
	s.classifier = c
	s.circuits = cv
	s.health = hv
}

// Queues returns the configured queue names.
func (s *Store) Queues() []string { return s.opts.Queues }

// newID returns a ULID; lexical order matches creation order, which the
// user index pagination relies on.
func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Create validates the request, writes the job record, indexes it for its
// owner and pushes the id onto the tail of its queue. Returns the stored job.
func (s *Store) Create(ctx context.Context, nj domain.NewJob) (domain.Job, error) {
	if nj.UserID == "" {
		return domain.Job{}, fmt.Errorf("op=redisstore.Create: user id required: %w", domain.ErrInvalidArgument)
	}
	if !nj.Type.Valid() {
		return domain.Job{}, fmt.Errorf("op=redisstore.Create: unknown job type %q: %w", nj.Type, domain.ErrInvalidArgument)
	}
	if len(nj.Payload) == 0 {
		return domain.Job{}, fmt.Errorf("op=redisstore.Create: payload required: %w", domain.ErrInvalidArgument)
	}

	if nj.MaxRetries <= 0 {
		nj.MaxRetries = s.maxRetriesFor(nj.Type)
	}

	now := s.now()
	job := domain.Job{
		ID:         s.newID(),
		UserID:     nj.UserID,
		Type:       nj.Type,
		Status:     domain.JobQueued,
		Queue:      nj.Type.Queue(),
		Payload:    nj.Payload,
		MaxRetries: nj.MaxRetries,
		SessionID:  nj.SessionID,
		CreatedAt:  now,
	}
	fields, err := jobFields(job)
	if err != nil {
		return domain.Job{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	pipe.ZAdd(ctx, userJobsKey(job.UserID), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.RPush(ctx, queueKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.Create: %w", err)
	}

	observability.JobsCreatedTotal.WithLabelValues(string(job.Type)).Inc()
	s.publish(job, "", domain.JobQueued)
	slog.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("queue", job.Queue))
	return job, nil
}

func (s *Store) maxRetriesFor(t domain.JobType) int {
	cfg := retry.DefaultConfigFor(t)
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return s.opts.MaxRetriesDefault
}

// Get returns the job only when the stored owner matches userID. Missing
// and foreign jobs are indistinguishable to the caller.
func (s *Store) Get(ctx context.Context, jobID, userID string) (domain.Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=redisstore.Get: %w", domain.ErrNotFound)
	}
	return job, nil
}

// AdminGet skips the owner check.
func (s *Store) AdminGet(ctx context.Context, jobID string) (domain.Job, error) {
	return s.load(ctx, jobID)
}

func (s *Store) load(ctx context.Context, jobID string) (domain.Job, error) {
	vals, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.load: %w", err)
	}
	job, err := parseJob(vals)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("op=redisstore.load: job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, err
	}
	return job, nil
}

// List returns a page of the user's jobs, newest first.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := s.rdb.ZRevRange(ctx, userJobsKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.List: %w", err)
	}
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.load(ctx, id)
		if err != nil {
			// Hash expired past retention; the index entry is cleaned up by
			// the daily compaction.
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Dequeue blocks up to pollInterval for the next job id on the queue and
// loads its record. Due delayed retries are promoted opportunistically
// before blocking. Returns domain.ErrNoJob on timeout.
func (s *Store) Dequeue(ctx context.Context, queue string, pollInterval time.Duration) (domain.Job, error) {
	if _, err := s.PromoteDue(ctx, queue, 100); err != nil {
		slog.Debug("delayed promotion failed", slog.String("queue", queue), slog.Any("error", err))
	}
	res, err := s.rdb.BLPop(ctx, pollInterval, queueKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, domain.ErrNoJob
		}
		return domain.Job{}, fmt.Errorf("op=redisstore.Dequeue: %w", err)
	}
	// res[0] is the key, res[1] the popped id.
	job, err := s.load(ctx, res[1])
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, domain.ErrNoJob
		}
		return domain.Job{}, err
	}
	return job, nil
}

// MarkStarted atomically claims a queued job for a worker. Exactly one
// concurrent caller wins; everyone else gets claimed=false.
func (s *Store) MarkStarted(ctx context.Context, jobID, queue, workerID string) (bool, error) {
	n, err := markStartedScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), processingKey(queue)},
		jobID, workerID, s.now().UnixNano()).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.MarkStarted: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	s.publishID(ctx, jobID, domain.JobQueued, domain.JobProcessing)
	return true, nil
}

// Complete finishes a processing job with its result.
func (s *Store) Complete(ctx context.Context, jobID, queue string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=redisstore.Complete: result: %w", err)
	}
	now := s.now()
	n, err := completeScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), processingKey(queue), keyTerminal},
		jobID, string(raw), now.UnixNano(), now.UnixMilli(), int(s.opts.JobRetention.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("op=redisstore.Complete: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("op=redisstore.Complete: job %s not processing: %w", jobID, domain.ErrInvalidTransition)
	}
	s.publishID(ctx, jobID, domain.JobProcessing, domain.JobCompleted)
	return nil
}

// Fail records a processing failure. The job lands in failed status; the
// retry decision is a separate step (IncrementRetry).
func (s *Store) Fail(ctx context.Context, jobID, queue, errMsg string, category domain.ErrorCategory) error {
	n, err := failScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), processingKey(queue)},
		jobID, errMsg, string(category)).Int()
	if err != nil {
		return fmt.Errorf("op=redisstore.Fail: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("op=redisstore.Fail: job %s not processing: %w", jobID, domain.ErrInvalidTransition)
	}
	s.publishID(ctx, jobID, domain.JobProcessing, domain.JobFailed)
	return nil
}

// ScheduleRetry moves a failed job back toward its queue: immediately when
// delay is zero, via the delayed set otherwise. Increments retry_count.
func (s *Store) ScheduleRetry(ctx context.Context, jobID, queue string, delay time.Duration) error {
	var nextMs int64
	var nextNs int64
	if delay > 0 {
		next := s.now().Add(delay)
		nextMs = next.UnixMilli()
		nextNs = next.UnixNano()
	}
	n, err := retryScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), queueKey(queue), delayedKey(queue)},
		jobID, nextMs, nextNs).Int()
	if err != nil {
		return fmt.Errorf("op=redisstore.ScheduleRetry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=redisstore.ScheduleRetry: job %s not failed: %w", jobID, domain.ErrInvalidTransition)
	}
	if delay > 0 {
		s.publishID(ctx, jobID, domain.JobFailed, domain.JobRetrying)
	} else {
		s.publishID(ctx, jobID, domain.JobFailed, domain.JobQueued)
	}
	return nil
}

// PromoteDue moves up to limit due delayed retries onto the live list.
func (s *Store) PromoteDue(ctx context.Context, queue string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{delayedKey(queue), queueKey(queue)},
		s.now().UnixMilli(), limit, keyJobPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.PromoteDue: %w", err)
	}
	return n, nil
}

// Cancel cancels the caller's job while it is still queued.
func (s *Store) Cancel(ctx context.Context, jobID, userID string) error {
	job, err := s.Get(ctx, jobID, userID)
	if err != nil {
		return err
	}
	now := s.now()
	n, err := cancelScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), queueKey(job.Queue), keyTerminal},
		jobID, userID, now.UnixNano(), now.UnixMilli(), int(s.opts.JobRetention.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("op=redisstore.Cancel: %w", err)
	}
	switch n {
	case 1:
		s.publish(job, domain.JobQueued, domain.JobCancelled)
		return nil
	case 0:
		return fmt.Errorf("op=redisstore.Cancel: job %s is %s: %w", jobID, job.Status, domain.ErrJobNotCancellable)
	default:
		return fmt.Errorf("op=redisstore.Cancel: %w", domain.ErrNotFound)
	}
}

// ReleaseLease returns a processing job to its queue untouched. Used by the
// maintenance sweep when the claiming worker is gone.
func (s *Store) ReleaseLease(ctx context.Context, jobID, queue string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), processingKey(queue), queueKey(queue)},
		jobID).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.ReleaseLease: %w", err)
	}
	if n == 1 {
		s.publishID(ctx, jobID, domain.JobProcessing, domain.JobQueued)
	}
	return n == 1, nil
}

// ProcessingJobs lists the in-flight job ids of a queue.
func (s *Store) ProcessingJobs(ctx context.Context, queue string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, processingKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.ProcessingJobs: %w", err)
	}
	return ids, nil
}

// QueueStats summarizes one queue. The average age samples up to ten ids
// from the head of the list.
func (s *Store) QueueStats(ctx context.Context, queue string) (domain.QueueStats, error) {
	pipe := s.rdb.Pipeline()
	sizeCmd := pipe.LLen(ctx, queueKey(queue))
	procCmd := pipe.SCard(ctx, processingKey(queue))
	delayedCmd := pipe.ZCard(ctx, delayedKey(queue))
	headCmd := pipe.LRange(ctx, queueKey(queue), 0, 9)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.QueueStats{}, fmt.Errorf("op=redisstore.QueueStats: %w", err)
	}
	st := domain.QueueStats{
		Queue:      queue,
		Size:       sizeCmd.Val(),
		Processing: procCmd.Val(),
		Delayed:    delayedCmd.Val(),
	}
	now := s.now()
	var totalMs, sampled int64
	for _, id := range headCmd.Val() {
		raw, err := s.rdb.HGet(ctx, jobKey(id), "created_at").Result()
		if err != nil {
			continue
		}
		if created := parseNanos(raw); !created.IsZero() {
			totalMs += now.Sub(created).Milliseconds()
			sampled++
		}
	}
	if sampled > 0 {
		st.AvgAgeMs = totalMs / sampled
	}
	observability.QueueSize.WithLabelValues(queue).Set(float64(st.Size))
	return st, nil
}

// PurgeTerminalBefore deletes terminal jobs whose terminal timestamp is
// older than cutoff. Returns the number purged.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.rdb.ZRangeByScore(ctx, keyTerminal, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff.UnixMilli()), Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.PurgeTerminalBefore: %w", err)
	}
	purged := 0
	for _, id := range ids {
		userID, _ := s.rdb.HGet(ctx, jobKey(id), "user_id").Result()
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, keyTerminal, id)
		if userID != "" {
			pipe.ZRem(ctx, userJobsKey(userID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("op=redisstore.PurgeTerminalBefore: %w", err)
		}
		purged++
	}
	return purged, nil
}

func (s *Store) publish(job domain.Job, from, to domain.JobStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.JobStatusChanged{
		JobID:  job.ID,
		UserID: job.UserID,
		Queue:  job.Queue,
		Type:   job.Type,
		From:   from,
		To:     to,
		At:     s.now(),
	})
}

// publishID publishes a transition for a job identified only by id; the
// record is loaded best-effort for queue/type context.
func (s *Store) publishID(ctx context.Context, jobID string, from, to domain.JobStatus) {
	if s.bus == nil {
		return
	}
	job, err := s.load(ctx, jobID)
	if err != nil {
		job = domain.Job{ID: jobID}
	}
	s.publish(job, from, to)
}
