// Package workerhealth tracks worker registrations, heartbeats and outcome
// counters, and aggregates them into a single system health score.
//
// The registry is in-memory and owned by the worker process; records are
// mirrored to Redis hashes so the admin API and maintenance sweeps can see
// them from other processes. Heartbeat is O(1): per-worker fields are
// atomics, so the write lock is only taken on register/deactivate.
package workerhealth

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// QueueStatsProvider is the narrow read-only interface the registry uses to
// fold queue saturation into the health score. The job store implements it;
// the registry never sees the store itself (keeps the dependency graph
// acyclic).
type QueueStatsProvider interface {
	QueueStats(ctx context.Context, queue string) (domain.QueueStats, error)
	Queues() []string
}

// failedAfter is the consecutive-failure count at which a worker is
// considered failed and excluded from the active set.
const failedAfter = 5

// saturationFullAt is the queue depth treated as fully saturated when
// folding queue pressure into the health score.
const saturationFullAt = 1000

type record struct {
	workerID     string
	queue        string
	registeredAt time.Time

	status              atomic.Value // domain.WorkerStatus
	lastHeartbeat       atomic.Int64 // unix nanos
	endTime             atomic.Int64
	processed           atomic.Int64
	failed              atomic.Int64
	consecutiveFailures atomic.Int64
	totalProcessingNs   atomic.Int64
}

func (r *record) snapshot() domain.WorkerHealth {
	h := domain.WorkerHealth{
		WorkerID:            r.workerID,
		Queue:               r.queue,
		Status:              r.status.Load().(domain.WorkerStatus),
		RegisteredAt:        r.registeredAt,
		LastHeartbeat:       time.Unix(0, r.lastHeartbeat.Load()),
		ProcessedJobs:       r.processed.Load(),
		FailedJobs:          r.failed.Load(),
		ConsecutiveFailures: r.consecutiveFailures.Load(),
	}
	if end := r.endTime.Load(); end > 0 {
		h.EndTime = time.Unix(0, end)
	}
	if total := h.ProcessedJobs + h.FailedJobs; total > 0 {
		h.AvgProcessingTime = time.Duration(r.totalProcessingNs.Load() / total)
	}
	return h
}

// Registry tracks all workers of this process.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*record

	staleAfter time.Duration
	stats      QueueStatsProvider
	rdb        redis.Cmdable
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueStats wires the queue saturation input of the health score.
func WithQueueStats(p QueueStatsProvider) Option {
	return func(r *Registry) { r.stats = p }
}

// WithMirror enables Redis mirroring of worker records.
func WithMirror(rdb redis.Cmdable) Option {
	return func(r *Registry) { r.rdb = rdb }
}

// NewRegistry returns a registry marking workers unhealthy after staleAfter
// without a heartbeat.
func NewRegistry(staleAfter time.Duration, opts ...Option) *Registry {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	r := &Registry{
		workers:    make(map[string]*record),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates an active record for the worker.
func (r *Registry) Register(workerID, queue string) {
	rec := &record{workerID: workerID, queue: queue, registeredAt: r.now()}
	rec.status.Store(domain.WorkerActive)
	rec.lastHeartbeat.Store(r.now().UnixNano())
	r.mu.Lock()
	r.workers[workerID] = rec
	r.mu.Unlock()
	r.mirror(rec)
	r.updateActiveGauge()
	slog.Info("worker registered", slog.String("worker_id", workerID), slog.String("queue", queue))
}

// Heartbeat bumps the worker's heartbeat timestamp. O(1), lock-free after
// the record lookup. Heartbeats never move time backwards.
func (r *Registry) Heartbeat(workerID string) {
	rec := r.get(workerID)
	if rec == nil {
		return
	}
	now := r.now().UnixNano()
	for {
		prev := rec.lastHeartbeat.Load()
		if now <= prev || rec.lastHeartbeat.CompareAndSwap(prev, now) {
			break
		}
	}
	// A stale-marked worker that heartbeats again is active again.
	if rec.status.Load().(domain.WorkerStatus) == domain.WorkerUnhealthy {
		rec.status.Store(domain.WorkerActive)
		r.updateActiveGauge()
	}
	r.mirrorHeartbeat(rec, now)
}

// RecordOutcome updates the worker's counters and rolling average after one
// job. Success resets the consecutive-failure streak.
func (r *Registry) RecordOutcome(workerID string, success bool, d time.Duration) {
	rec := r.get(workerID)
	if rec == nil {
		return
	}
	rec.totalProcessingNs.Add(int64(d))
	if success {
		rec.processed.Add(1)
		rec.consecutiveFailures.Store(0)
	} else {
		rec.failed.Add(1)
		rec.consecutiveFailures.Add(1)
	}
	r.mirror(rec)
}

// ConsecutiveFailures returns the worker's current failure streak.
func (r *Registry) ConsecutiveFailures(workerID string) int64 {
	rec := r.get(workerID)
	if rec == nil {
		return 0
	}
	return rec.consecutiveFailures.Load()
}

// Deactivate moves the worker to the given terminal status and stamps its
// end time.
func (r *Registry) Deactivate(workerID string, status domain.WorkerStatus) {
	rec := r.get(workerID)
	if rec == nil {
		return
	}
	if status != domain.WorkerInactive && status != domain.WorkerFailed {
		status = domain.WorkerInactive
	}
	rec.status.Store(status)
	rec.endTime.Store(r.now().UnixNano())
	r.mirror(rec)
	r.removeFromActiveSet(workerID)
	r.updateActiveGauge()
	slog.Info("worker deactivated", slog.String("worker_id", workerID), slog.String("status", string(status)))
}

// Remove drops the record entirely (after respawn replaced the worker).
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
	r.removeFromActiveSet(workerID)
}

// Worker returns one worker's snapshot.
func (r *Registry) Worker(workerID string) (domain.WorkerHealth, bool) {
	rec := r.get(workerID)
	if rec == nil {
		return domain.WorkerHealth{}, false
	}
	return rec.snapshot(), true
}

// ActiveWorkers returns snapshots of all workers currently active, i.e.
// neither deactivated, failed, nor past the failure-streak cutoff.
func (r *Registry) ActiveWorkers() []domain.WorkerHealth {
	var out []domain.WorkerHealth
	for _, h := range r.Snapshot() {
		if h.Status == domain.WorkerActive && h.ConsecutiveFailures < failedAfter {
			out = append(out, h)
		}
	}
	return out
}

// Snapshot returns all worker snapshots sorted by worker id.
func (r *Registry) Snapshot() []domain.WorkerHealth {
	r.mu.RLock()
	out := make([]domain.WorkerHealth, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// MarkStale flips workers whose heartbeat age exceeds the cutoff to
// unhealthy and returns their ids.
func (r *Registry) MarkStale() []string {
	cutoff := r.now().Add(-r.staleAfter).UnixNano()
	var stale []string
	r.mu.RLock()
	for id, rec := range r.workers {
		hb := rec.lastHeartbeat.Load()
		observability.WorkerHeartbeatAge.Observe(float64(r.now().UnixNano()-hb) / 1e9)
		if hb < cutoff && rec.status.Load().(domain.WorkerStatus) == domain.WorkerActive {
			rec.status.Store(domain.WorkerUnhealthy)
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	if len(stale) > 0 {
		slog.Warn("stale workers marked unhealthy", slog.Int("count", len(stale)))
		r.updateActiveGauge()
	}
	return stale
}

// SystemReport aggregates the registry and queue stats into one report.
// HealthScore is in [0,100]: 40% active-worker ratio, 30% success ratio,
// 30% inverse queue saturation.
func (r *Registry) SystemReport(ctx context.Context) domain.SystemHealthReport {
	workers := r.Snapshot()
	rep := domain.SystemHealthReport{
		TotalWorkers: len(workers),
		Workers:      workers,
		QueueDepths:  make(map[string]int64),
		GeneratedAt:  r.now(),
	}
	for _, w := range workers {
		switch {
		case w.Status == domain.WorkerActive && w.ConsecutiveFailures < failedAfter:
			rep.ActiveWorkers++
		case w.Status == domain.WorkerFailed:
			rep.FailedWorkers++
		}
		rep.ProcessedJobs += w.ProcessedJobs
		rep.FailedJobs += w.FailedJobs
	}

	activeRatio := 1.0
	if rep.TotalWorkers > 0 {
		activeRatio = float64(rep.ActiveWorkers) / float64(rep.TotalWorkers)
	}
	successRatio := 1.0
	if total := rep.ProcessedJobs + rep.FailedJobs; total > 0 {
		successRatio = float64(rep.ProcessedJobs) / float64(total)
	}
	saturation := 0.0
	if r.stats != nil {
		var depth int64
		for _, q := range r.stats.Queues() {
			st, err := r.stats.QueueStats(ctx, q)
			if err != nil {
				continue
			}
			rep.QueueDepths[q] = st.Size
			depth += st.Size
		}
		saturation = float64(depth) / saturationFullAt
		if saturation > 1 {
			saturation = 1
		}
	}

	score := 100 * (0.4*activeRatio + 0.3*successRatio + 0.3*(1-saturation))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	rep.HealthScore = score
	observability.SystemHealthScore.Set(score)
	return rep
}

// UnhealthyRatio is the share of known workers that are unhealthy or
// failed; 0 when no workers are registered.
func (r *Registry) UnhealthyRatio() float64 {
	workers := r.Snapshot()
	if len(workers) == 0 {
		return 0
	}
	var bad int
	for _, w := range workers {
		if w.Status == domain.WorkerUnhealthy || w.Status == domain.WorkerFailed {
			bad++
		}
	}
	return float64(bad) / float64(len(workers))
}

func (r *Registry) get(workerID string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[workerID]
}

func (r *Registry) updateActiveGauge() {
	observability.WorkersActive.Set(float64(len(r.ActiveWorkers())))
}

func workerKey(id string) string { return "worker:" + id }

const activeSetKey = "workers:active"

// mirror writes the worker record to Redis, best effort. The hash carries a
// TTL of three staleness windows so crashed workers age out on their own.
func (r *Registry) mirror(rec *record) {
	if r.rdb == nil {
		return
	}
	h := rec.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, workerKey(h.WorkerID), map[string]any{
		"worker_id":            h.WorkerID,
		"queue":                h.Queue,
		"status":               string(h.Status),
		"registered_at":        h.RegisteredAt.UnixNano(),
		"last_heartbeat":       h.LastHeartbeat.UnixNano(),
		"processed_jobs":       h.ProcessedJobs,
		"failed_jobs":          h.FailedJobs,
		"consecutive_failures": h.ConsecutiveFailures,
		"avg_processing_ms":    h.AvgProcessingTime.Milliseconds(),
	})
	pipe.Expire(ctx, workerKey(h.WorkerID), 3*r.staleAfter)
	if h.Status == domain.WorkerActive {
		pipe.SAdd(ctx, activeSetKey, h.WorkerID)
	} else {
		pipe.SRem(ctx, activeSetKey, h.WorkerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("worker mirror write failed", slog.String("worker_id", h.WorkerID), slog.Any("error", err))
	}
}

// mirrorHeartbeat refreshes only the heartbeat field and TTL.
func (r *Registry) mirrorHeartbeat(rec *record, hb int64) {
	if r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, workerKey(rec.workerID), "last_heartbeat", hb)
	pipe.Expire(ctx, workerKey(rec.workerID), 3*r.staleAfter)
	_, _ = pipe.Exec(ctx)
}

// Hydrate replaces the in-memory records with the mirrored ones. The server
// process runs this periodically so its admin API reflects the worker
// process's registry; the worker process never calls it.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	loaded := make(map[string]*record)
	iter := r.rdb.Scan(ctx, 0, workerKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		vals, err := r.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		rec := &record{
			workerID:     vals["worker_id"],
			queue:        vals["queue"],
			registeredAt: time.Unix(0, parseI64(vals["registered_at"])),
		}
		rec.status.Store(domain.WorkerStatus(vals["status"]))
		rec.lastHeartbeat.Store(parseI64(vals["last_heartbeat"]))
		rec.processed.Store(parseI64(vals["processed_jobs"]))
		rec.failed.Store(parseI64(vals["failed_jobs"]))
		rec.consecutiveFailures.Store(parseI64(vals["consecutive_failures"]))
		rec.totalProcessingNs.Store(parseI64(vals["avg_processing_ms"]) * int64(time.Millisecond) * (rec.processed.Load() + rec.failed.Load()))
		if rec.workerID != "" {
			loaded[rec.workerID] = rec
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.workers = loaded
	r.mu.Unlock()
	return nil
}

func parseI64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *Registry) removeFromActiveSet(workerID string) {
	if r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.rdb.SRem(ctx, activeSetKey, workerID).Err()
}
