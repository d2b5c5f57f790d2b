package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

// metricWindowMax caps admin metric queries.
const metricWindowMax = 24 * time.Hour

// AdminService exposes the operator surface: DLQ management, queue and
// health introspection, degradation overrides, breaker resets, alerts, and
// metric queries.
type AdminService struct {
	Store    *redisstore.Store
	DLQ      *redisstore.DLQStore
	Registry *workerhealth.Registry
	Breakers *circuitbreaker.Registry
	Degrade  *degradation.Controller
	Monitor  *monitoring.Monitor
	Alerts   *monitoring.AlertEngine
}

// DLQList pages one queue's dead-letter entries, newest first.
func (s AdminService) DLQList(ctx context.Context, queue string, limit, offset int) ([]domain.DLQEntry, error) {
	if !validQueue(s.Store.Queues(), queue) {
		return nil, fmt.Errorf("op=usecase.DLQList: unknown queue %q: %w", queue, domain.ErrNotFound)
	}
	if limit <= 0 || limit > listLimitMax {
		limit = listLimitMax
	}
	entries, err := s.DLQ.List(ctx, queue, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.DLQList: %w", err)
	}
	return entries, nil
}

// DLQReprocess clones a dead-letter entry back into its queue as a fresh
// job. Already-reprocessed entries conflict.
func (s AdminService) DLQReprocess(ctx context.Context, queue, entryID, actor string) (domain.Job, error) {
	if !validQueue(s.Store.Queues(), queue) {
		return domain.Job{}, fmt.Errorf("op=usecase.DLQReprocess: unknown queue %q: %w", queue, domain.ErrNotFound)
	}
	job, err := s.DLQ.Reprocess(ctx, queue, entryID, actor)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.DLQReprocess: %w", err)
	}
	slog.Info("dlq entry reprocessed",
		slog.String("queue", queue),
		slog.String("entry_id", entryID),
		slog.String("new_job_id", job.ID),
		slog.String("actor", actor))
	return job, nil
}

// QueueStats returns per-queue depth, in-flight, delayed and DLQ sizes.
func (s AdminService) QueueStats(ctx context.Context) ([]domain.QueueStats, error) {
	out := make([]domain.QueueStats, 0, len(s.Store.Queues()))
	for _, q := range s.Store.Queues() {
		st, err := s.Store.QueueStats(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("op=usecase.QueueStats: %w", err)
		}
		st.DLQSize = s.DLQ.Size(ctx, q)
		out = append(out, st)
	}
	return out, nil
}

// SystemHealth bundles the worker report, degradation state and breaker
// snapshots into one operator view.
type SystemHealth struct {
	Report      domain.SystemHealthReport   `json:"report"`
	Degradation string                      `json:"degradation"`
	Override    *degradation.Override       `json:"override,omitempty"`
	Services    []domain.ServiceDegradation `json:"services"`
	Breakers    []circuitbreaker.Snapshot   `json:"breakers"`
}

// Health assembles the system health snapshot.
func (s AdminService) Health(ctx context.Context) SystemHealth {
	return SystemHealth{
		Report:      s.Registry.SystemReport(ctx),
		Degradation: s.Degrade.Level().String(),
		Override:    s.Degrade.CurrentOverride(),
		Services:    s.Degrade.Services(),
		Breakers:    s.Breakers.Snapshots(),
	}
}

// SetDegradationOverride pins the overall degradation level.
func (s AdminService) SetDegradationOverride(level, reason, actor string) error {
	lv, ok := domain.ParseDegradationLevel(level)
	if !ok {
		return fmt.Errorf("op=usecase.SetDegradationOverride: unknown level %q: %w", level, domain.ErrInvalidArgument)
	}
	if reason == "" {
		return fmt.Errorf("op=usecase.SetDegradationOverride: reason required: %w", domain.ErrInvalidArgument)
	}
	s.Degrade.SetOverride(lv, reason, actor)
	return nil
}

// ClearDegradationOverride returns degradation control to the controller.
func (s AdminService) ClearDegradationOverride(ctx context.Context) {
	s.Degrade.ClearOverride(ctx)
}

// ResetBreaker forces a breaker closed.
func (s AdminService) ResetBreaker(service, actor string) error {
	known := false
	for _, snap := range s.Breakers.Snapshots() {
		if snap.Service == service {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("op=usecase.ResetBreaker: unknown service %q: %w", service, domain.ErrNotFound)
	}
	s.Breakers.Reset(service)
	slog.Warn("breaker reset by operator",
		slog.String("service", service),
		slog.String("actor", actor))
	return nil
}

// ActiveAlerts returns the firing and acknowledged alerts, including ones
// mirrored by the worker process.
func (s AdminService) ActiveAlerts(ctx context.Context) []monitoring.Alert {
	return s.Alerts.ActiveAll(ctx)
}

// AcknowledgeAlert marks an active alert acknowledged.
func (s AdminService) AcknowledgeAlert(ctx context.Context, alertID, actor string) error {
	if err := s.Alerts.Acknowledge(ctx, alertID, actor); err != nil {
		return fmt.Errorf("op=usecase.AcknowledgeAlert: %w", err)
	}
	return nil
}

// MetricNames lists the known series.
func (s AdminService) MetricNames() []string { return s.Monitor.Names() }

// MetricQuery returns the samples of one series over the window.
func (s AdminService) MetricQuery(name string, window time.Duration) ([]monitoring.Point, error) {
	if name == "" {
		return nil, fmt.Errorf("op=usecase.MetricQuery: name required: %w", domain.ErrInvalidArgument)
	}
	if window <= 0 || window > metricWindowMax {
		window = time.Hour
	}
	return s.Monitor.Query(name, window), nil
}

func validQueue(queues []string, q string) bool {
	for _, known := range queues {
		if known == q {
			return true
		}
	}
	return false
}
