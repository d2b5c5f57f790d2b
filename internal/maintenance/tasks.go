package maintenance

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

// Deps are the components the maintenance tasks operate on.
type Deps struct {
	Cfg      config.Config
	Store    *redisstore.Store
	DLQ      *redisstore.DLQStore
	Registry *workerhealth.Registry
	Breakers *circuitbreaker.Registry
	Degrade  *degradation.Controller
	Monitor  *monitoring.Monitor
	Alerts   *monitoring.AlertEngine
}

// Tasks assembles the standard maintenance schedule.
func Tasks(d Deps) []Task {
	return []Task{
		{Name: "worker-staleness", Spec: "@every 15s", Run: d.sweepWorkers, Budget: 30 * time.Second},
		{Name: "health-metrics", Spec: fmt.Sprintf("@every %s", d.Cfg.AlertEvalInterval), Run: d.emitHealthAndEvaluate, Budget: time.Minute},
		{Name: "promote-delayed", Spec: "@every 5m", Run: d.promoteDelayed, Budget: time.Minute},
		{Name: "purge-terminal", Spec: "@hourly", Run: d.purgeTerminal, Budget: 10 * time.Minute},
		{Name: "dlq-retention", Spec: "@daily", Run: d.pruneDLQ, Budget: 30 * time.Minute},
	}
}

// retryForever retries op with capped exponential backoff until it succeeds
// or the tick budget runs out. Loss of Redis must stall maintenance, not
// crash it.
func retryForever(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// sweepWorkers marks stale workers unhealthy and requeues jobs whose
// worker is gone or unhealthy past the lease.
func (d Deps) sweepWorkers(ctx context.Context) error {
	d.Registry.MarkStale()

	healthy := make(map[string]bool)
	for _, w := range d.Registry.ActiveWorkers() {
		healthy[w.WorkerID] = true
	}

	now := time.Now()
	for _, queue := range d.Store.Queues() {
		ids, err := d.Store.ProcessingJobs(ctx, queue)
		if err != nil {
			return err
		}
		for _, id := range ids {
			job, err := d.Store.AdminGet(ctx, id)
			if err != nil {
				continue
			}
			if job.Status != domain.JobProcessing || job.StartedAt.IsZero() {
				continue
			}
			age := now.Sub(job.StartedAt)
			expired := age > d.Cfg.JobLease && !healthy[job.WorkerID]
			// Past twice the lease the job is reaped no matter what the
			// worker record claims.
			if expired || age > 2*d.Cfg.JobLease {
				released, err := d.Store.ReleaseLease(ctx, id, queue)
				if err != nil {
					return err
				}
				if released {
					slog.Warn("lease reaped",
						slog.String("job_id", id),
						slog.String("worker_id", job.WorkerID),
						slog.Duration("age", age))
				}
			}
		}
	}
	return nil
}

// emitHealthAndEvaluate publishes the system health series and runs the
// alert rules.
func (d Deps) emitHealthAndEvaluate(ctx context.Context) error {
	err := retryForever(ctx, func() error {
		rep := d.Registry.SystemReport(ctx)
		d.Monitor.Record(monitoring.SeriesHealthScore, rep.HealthScore, nil)
		d.Monitor.Record(monitoring.SeriesWorkersActive, float64(rep.ActiveWorkers), nil)
		for _, queue := range d.Store.Queues() {
			st, err := d.Store.QueueStats(ctx, queue)
			if err != nil {
				return err
			}
			d.Monitor.Record(monitoring.SeriesQueueDepth, float64(st.Size), map[string]string{"queue": queue})
			d.Monitor.Record("queue.dlq_size", float64(d.DLQ.Size(ctx, queue)), map[string]string{"queue": queue})
		}
		for _, snap := range d.Breakers.Snapshots() {
			d.Monitor.Record(monitoring.SeriesBreakerState, float64(snap.State), map[string]string{"service": snap.Service})
		}
		d.Monitor.Record(monitoring.SeriesDegradation, float64(d.Degrade.Level()), nil)
		return nil
	})
	if err != nil {
		return err
	}
	d.Alerts.Evaluate(ctx)
	return nil
}

// promoteDelayed is the backstop for delayed-retry promotion; workers also
// promote opportunistically on every dequeue.
func (d Deps) promoteDelayed(ctx context.Context) error {
	return retryForever(ctx, func() error {
		for _, queue := range d.Store.Queues() {
			n, err := d.Store.PromoteDue(ctx, queue, 500)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("delayed retries promoted", slog.String("queue", queue), slog.Int("count", n))
			}
		}
		return nil
	})
}

// purgeTerminal removes terminal jobs past retention.
func (d Deps) purgeTerminal(ctx context.Context) error {
	return retryForever(ctx, func() error {
		cutoff := time.Now().Add(-d.Cfg.JobRetention)
		n, err := d.Store.PurgeTerminalBefore(ctx, cutoff, 1000)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("terminal jobs purged", slog.Int("count", n))
		}
		return nil
	})
}

// pruneDLQ enforces DLQ retention.
func (d Deps) pruneDLQ(ctx context.Context) error {
	return retryForever(ctx, func() error {
		cutoff := time.Now().Add(-d.Cfg.DLQRetention)
		for _, queue := range d.Store.Queues() {
			if _, err := d.DLQ.PruneBefore(ctx, queue, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}
