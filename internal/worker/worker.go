package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

// JobStore is the slice of the job store a worker drives.
type JobStore interface {
	Dequeue(ctx context.Context, queue string, pollInterval time.Duration) (domain.Job, error)
	MarkStarted(ctx context.Context, jobID, queue, workerID string) (bool, error)
	Complete(ctx context.Context, jobID, queue string, result map[string]any) error
	Fail(ctx context.Context, jobID, queue, errMsg string, category domain.ErrorCategory) error
	IncrementRetry(ctx context.Context, jobID, service string, procErr error) (redisstore.RetryOutcome, error)
	AdminGet(ctx context.Context, jobID string) (domain.Job, error)
}

// DeadLetter is the slice of the DLQ store a worker uses on exhaustion.
type DeadLetter interface {
	Move(ctx context.Context, job domain.Job, failureReason string, category domain.ErrorCategory) (domain.DLQEntry, error)
}

// DegradationView gates intake when the system is critically degraded.
type DegradationView interface {
	Level() domain.DegradationLevel
}

// Processor is what a worker runs per job; the Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, job domain.Job) (map[string]any, *ProcessError)
}

// exitReason reports why a worker loop returned.
type exitReason int

const (
	exitShutdown exitReason = iota
	exitFailed
)

type worker struct {
	id        string
	queue     string
	store     JobStore
	dlq       DeadLetter
	registry  *workerhealth.Registry
	processor Processor
	classify  *errclass.Classifier
	degrade   DegradationView
	metrics   MetricSink

	pollInterval time.Duration
	jobTimeout   time.Duration
	killAfter    int64
}

// run is the cooperative worker loop. It exits on context cancellation
// (finishing the in-flight job first) or after killAfter consecutive
// failures.
func (w *worker) run(ctx context.Context) exitReason {
	w.registry.Register(w.id, w.queue)
	slog.Info("worker loop started", slog.String("worker_id", w.id), slog.String("queue", w.queue))
	for {
		w.registry.Heartbeat(w.id)

		if ctx.Err() != nil {
			w.registry.Deactivate(w.id, domain.WorkerInactive)
			return exitShutdown
		}
		if w.registry.ConsecutiveFailures(w.id) >= w.killAfter {
			slog.Error("worker failure streak exceeded, exiting",
				slog.String("worker_id", w.id),
				slog.Int64("consecutive_failures", w.killAfter))
			w.registry.Deactivate(w.id, domain.WorkerFailed)
			return exitFailed
		}
		if w.degrade != nil && w.degrade.Level() >= domain.DegradationCritical {
			// Critically degraded: stop pulling work, keep heartbeating.
			sleepCtx(ctx, w.pollInterval)
			continue
		}

		job, err := w.store.Dequeue(ctx, w.queue, w.pollInterval)
		if err != nil {
			if errors.Is(err, domain.ErrNoJob) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Warn("dequeue failed",
				slog.String("worker_id", w.id), slog.Any("error", err))
			sleepCtx(ctx, w.pollInterval)
			continue
		}

		claimed, err := w.store.MarkStarted(ctx, job.ID, w.queue, w.id)
		if err != nil {
			slog.Warn("claim failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		if !claimed {
			// Lost the race (another worker or a cancellation); move on.
			continue
		}

		w.execute(ctx, job)
	}
}

// execute processes one claimed job and records the outcome. The job runs
// under a detached context so an in-flight job survives shutdown up to the
// grace window the pool enforces.
func (w *worker) execute(ctx context.Context, job domain.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	start := time.Now()
	result, perr := w.process(jobCtx, job)
	dur := time.Since(start)
	if w.metrics != nil {
		w.metrics.Record(monitoring.SeriesJobDurationMs, float64(dur.Milliseconds()),
			map[string]string{"queue": w.queue, "type": string(job.Type)})
	}

	if perr == nil {
		w.registry.RecordOutcome(w.id, true, dur)
		if err := w.complete(jobCtx, job, result); err != nil {
			slog.Error("complete failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		observability.JobsProcessedTotal.WithLabelValues(string(job.Type)).Inc()
		observability.JobDuration.WithLabelValues(string(job.Type)).Observe(dur.Seconds())
		slog.Info("job completed",
			slog.String("worker_id", w.id),
			slog.String("job_id", job.ID),
			slog.Duration("duration", dur))
		return
	}

	// Breaker-open fast-fails executed nothing; they don't count against
	// this worker's outcome streak.
	if !errors.Is(perr.Err, domain.ErrCircuitOpen) {
		w.registry.RecordOutcome(w.id, false, dur)
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Type)).Inc()
	w.handleFailure(jobCtx, job, perr)
}

// process guards the processor: a panic counts as a failure outcome, never
// escapes the loop.
func (w *worker) process(ctx context.Context, job domain.Job) (result map[string]any, perr *ProcessError) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processor panicked",
				slog.String("worker_id", w.id),
				slog.String("job_id", job.ID),
				slog.Any("recover", r))
			perr = &ProcessError{Service: errclass.ServiceAgent, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return w.processor.Process(ctx, job)
}

func (w *worker) handleFailure(ctx context.Context, job domain.Job, perr *ProcessError) {
	category := w.classify.Category(perr.Service, perr.Err)
	if err := w.store.Fail(ctx, job.ID, w.queue, perr.Err.Error(), category); err != nil {
		slog.Error("fail transition lost", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	outcome, err := w.store.IncrementRetry(ctx, job.ID, perr.Service, perr.Err)
	if err != nil {
		slog.Error("retry decision failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !outcome.Terminal {
		return
	}

	dead, err := w.store.AdminGet(ctx, job.ID)
	if err != nil {
		dead = job
		dead.Status = domain.JobFailed
		dead.ErrorMessage = perr.Err.Error()
		dead.ErrorCategory = category
	}
	if _, err := w.dlq.Move(ctx, dead, outcome.Reason+": "+perr.Err.Error(), category); err != nil {
		slog.Error("dead-letter move failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// complete retries the terminal write briefly; losing a finished result to
// a Redis blip would force a full reprocess.
func (w *worker) complete(ctx context.Context, job domain.Job, result map[string]any) error {
	op := func() error {
		err := w.store.Complete(ctx, job.ID, w.queue, result)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3), ctx)
	return backoff.Retry(op, bo)
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
