// Package maintenance runs the periodic housekeeping of the core: worker
// staleness sweeps, lease reaping, delayed-retry promotion, retention
// purges, health metric emission, and alert rule evaluation.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one scheduled housekeeping job.
type Task struct {
	Name string
	// Spec is a robfig/cron schedule ("@every 15s", "@hourly", "@daily").
	Spec string
	Run  func(ctx context.Context) error
	// Budget bounds one run; zero means one minute.
	Budget time.Duration
}

// Scheduler drives the tasks on their cadences. Each task is single-flight
// (a slow run skips the next tick) and panic-isolated.
type Scheduler struct {
	cron *cron.Cron
}

type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { slog.Debug("cron: "+msg, kv...) }
func (cronLogger) Error(err error, msg string, kv ...any) {
	slog.Error("cron: "+msg, append(kv, slog.Any("error", err))...)
}

// NewScheduler registers the tasks. Start begins execution.
func NewScheduler(tasks []Task) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))
	for _, t := range tasks {
		t := t
		if t.Budget <= 0 {
			t.Budget = time.Minute
		}
		if _, err := c.AddFunc(t.Spec, func() { runTask(t) }); err != nil {
			return nil, err
		}
	}
	return &Scheduler{cron: c}, nil
}

func runTask(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), t.Budget)
	defer cancel()
	start := time.Now()
	err := t.Run(ctx)
	dur := time.Since(start)
	if err != nil {
		slog.Warn("maintenance task failed",
			slog.String("task", t.Name),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		return
	}
	slog.Debug("maintenance task done",
		slog.String("task", t.Name),
		slog.Duration("duration", dur))
}

// Start begins running the schedule in its own goroutines.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
