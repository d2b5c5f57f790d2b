package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/retry"
)

// RetryOutcome is the result of the adaptive retry decision for one failure.
type RetryOutcome struct {
	ShouldRetry bool
	Terminal    bool
	Delay       time.Duration
	RetryCount  int
	Category    domain.ErrorCategory
	Reason      string
}

// Delay multipliers applied on top of the policy curve. A half-open breaker
// means the downstream is being probed; a low health score means the pool
// itself is struggling — in both cases backing off harder is cheaper than
// another failure.
const (
	halfOpenDelayFactor  = 1.5
	lowHealthDelayFactor = 2.0
	lowHealthScoreCutoff = 50.0
)

// IncrementRetry runs the adaptive retry decision for a job that just
// failed against the named downstream service, and performs the requeue when
// the decision is to retry. The job must be in failed status.
//
// Decision order: fatal category → terminal; breaker open (non-validation)
// → terminal; attempts exhausted → terminal; otherwise the category-keyed
// policy computes the delay, stretched while the breaker is half-open or
// the worker pool is unhealthy.
func (s *Store) IncrementRetry(ctx context.Context, jobID, service string, procErr error) (RetryOutcome, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return RetryOutcome{}, err
	}
	if job.Status != domain.JobFailed {
		return RetryOutcome{}, fmt.Errorf("op=redisstore.IncrementRetry: job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
	}

	out := s.decide(job, service, procErr)
	if !out.ShouldRetry {
		out.Terminal = true
		return out, nil
	}

	if err := s.ScheduleRetry(ctx, jobID, job.Queue, out.Delay); err != nil {
		return RetryOutcome{}, err
	}
	out.RetryCount = job.RetryCount + 1
	observability.JobsRetriedTotal.WithLabelValues(string(job.Type)).Inc()
	slog.Info("job retry scheduled",
		slog.String("job_id", jobID),
		slog.Int("attempt", out.RetryCount),
		slog.String("category", string(out.Category)),
		slog.Duration("delay", out.Delay))
	return out, nil
}

func (s *Store) decide(job domain.Job, service string, procErr error) (out RetryOutcome) {
	// The decision must never take a job down with it: any panic inside the
	// calculation falls back to plain exponential backoff.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("adaptive retry decision panicked, using fallback",
				slog.String("job_id", job.ID), slog.Any("recover", r))
			out = s.fallbackDecision(job)
		}
	}()

	out.Category = domain.CategoryUnknown
	if s.classifier != nil {
		out.Category = s.classifier.Classify(service, procErr).Category
	}
	out.RetryCount = job.RetryCount

	if out.Category.Fatal() {
		out.Reason = "non-retryable error category"
		return out
	}
	if s.circuits != nil && s.circuits.IsOpen(service) && out.Category != domain.CategoryValidation {
		out.Reason = "circuit breaker open for " + service
		return out
	}

	cfg := retry.ConfigForCategory(job.Type, out.Category)
	if job.MaxRetries > 0 {
		cfg.MaxRetries = job.MaxRetries
	}
	dec := retry.Next(cfg, job.RetryCount, out.Category, s.now())
	if !dec.ShouldRetry {
		out.Reason = "retry attempts exhausted"
		return out
	}

	delay := dec.Delay
	if s.circuits != nil && s.circuits.IsHalfOpen(service) {
		delay = time.Duration(float64(delay) * halfOpenDelayFactor)
		out.Reason = "half-open breaker, delay stretched"
	}
	if s.health != nil {
		if score := s.health.HealthScore(context.Background()); score < lowHealthScoreCutoff {
			delay = time.Duration(float64(delay) * lowHealthDelayFactor)
			out.Reason = "degraded worker health, delay stretched"
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	out.ShouldRetry = true
	out.Delay = delay
	return out
}

// fallbackDecision is the last-resort policy when the adaptive calculation
// itself failed: exponential on the attempt count, no external inputs.
func (s *Store) fallbackDecision(job domain.Job) RetryOutcome {
	cfg := retry.Config{
		Policy:       retry.PolicyExponential,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		MaxRetries:   job.MaxRetries,
	}
	out := RetryOutcome{
		RetryCount: job.RetryCount,
		Category:   domain.CategoryUnknown,
		Reason:     "fallback exponential policy",
	}
	if job.RetryCount < cfg.MaxRetries {
		out.ShouldRetry = true
		out.Delay = retry.Delay(cfg, job.RetryCount)
	}
	return out
}
