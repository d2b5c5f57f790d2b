package app

import (
	"context"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

// BreakerView adapts the breaker registry to the narrow read-only views the
// store and the degradation controller consume.
type BreakerView struct {
	Registry *circuitbreaker.Registry
}

// IsOpen reports whether the named breaker is open.
func (v BreakerView) IsOpen(service string) bool {
	return v.Registry.Get(service).Snapshot().State == circuitbreaker.StateOpen
}

// IsHalfOpen reports whether the named breaker is half-open.
func (v BreakerView) IsHalfOpen(service string) bool {
	return v.Registry.Get(service).Snapshot().State == circuitbreaker.StateHalfOpen
}

// BreakerInfos summarizes every known breaker for degradation mapping.
func (v BreakerView) BreakerInfos() []degradation.BreakerInfo {
	snaps := v.Registry.Snapshots()
	out := make([]degradation.BreakerInfo, 0, len(snaps))
	for _, s := range snaps {
		info := degradation.BreakerInfo{
			Service:     s.Service,
			Open:        s.State == circuitbreaker.StateOpen,
			FailureRate: s.FailureRate,
		}
		if info.Open && !s.OpenedAt.IsZero() {
			info.OpenFor = time.Since(s.OpenedAt)
		}
		out = append(out, info)
	}
	return out
}

// HealthScoreView adapts the worker registry to the store's health view.
type HealthScoreView struct {
	Registry *workerhealth.Registry
}

// HealthScore returns the aggregate system health score in [0,100].
func (v HealthScoreView) HealthScore(ctx context.Context) float64 {
	return v.Registry.SystemReport(ctx).HealthScore
}
