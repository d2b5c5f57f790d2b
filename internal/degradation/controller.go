// Package degradation derives the graded system posture from circuit
// breaker and worker health signals. The controller recomputes periodically;
// reads are lock-free snapshots so the submission gate costs one atomic load.
package degradation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
)

// BreakerInfo is one service's breaker posture as the controller sees it.
type BreakerInfo struct {
	Service     string
	Open        bool
	OpenFor     time.Duration
	FailureRate float64
}

// BreakerSource feeds breaker snapshots into the recomputation.
type BreakerSource interface {
	BreakerInfos() []BreakerInfo
}

// HealthSource feeds worker pool health into the recomputation.
type HealthSource interface {
	SystemReport(ctx context.Context) domain.SystemHealthReport
	UnhealthyRatio() float64
}

// Thresholds for the level mapping.
const (
	majorOpenDuration   = time.Minute
	majorUnhealthyRatio = 0.5
	moderateFailureRate = 0.5
	minorFailureRate    = 0.2
)

// Override pins the overall level manually.
type Override struct {
	Level  domain.DegradationLevel `json:"level"`
	Reason string                  `json:"reason"`
	Actor  string                  `json:"actor"`
	SetAt  time.Time               `json:"set_at"`
}

// Controller recomputes and exposes degradation state.
type Controller struct {
	breakers BreakerSource
	health   HealthSource
	bus      *events.Bus
	interval time.Duration

	overall atomic.Int32

	mu        sync.RWMutex
	services  map[string]*domain.ServiceDegradation
	override  *Override
	lastError string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewController wires the controller; Run starts the recompute loop.
func NewController(breakers BreakerSource, health HealthSource, bus *events.Bus, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		breakers: breakers,
		health:   health,
		bus:      bus,
		interval: interval,
		services: make(map[string]*domain.ServiceDegradation),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run recomputes on the configured interval until ctx is cancelled or Stop
// is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Recompute(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Recompute(ctx)
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// Recompute derives per-service levels from the current signals and updates
// the overall level. Safe to call concurrently with reads.
func (c *Controller) Recompute(ctx context.Context) {
	unhealthyRatio := 0.0
	if c.health != nil {
		unhealthyRatio = c.health.UnhealthyRatio()
	}

	now := time.Now()
	levels := make(map[string]domain.DegradationLevel)
	reasons := make(map[string]string)
	if c.breakers != nil {
		for _, bi := range c.breakers.BreakerInfos() {
			level, reason := serviceLevel(bi, unhealthyRatio)
			levels[bi.Service] = level
			reasons[bi.Service] = reason
		}
	}

	c.mu.Lock()
	for svc, level := range levels {
		sd := c.services[svc]
		if sd == nil {
			sd = &domain.ServiceDegradation{Service: svc, LastHealthyTime: now}
			c.services[svc] = sd
		}
		sd.Level = level
		sd.Reason = reasons[svc]
		sd.UpdatedAt = now
		if level == domain.DegradationNormal {
			sd.LastHealthyTime = now
		}
	}
	override := c.override
	c.mu.Unlock()

	overall := domain.DegradationNormal
	for _, l := range levels {
		if l > overall {
			overall = l
		}
	}
	// critical: everything is major-or-worse and nobody is working.
	if c.health != nil && overall >= domain.DegradationMajor {
		rep := c.health.SystemReport(ctx)
		if rep.ActiveWorkers == 0 && allAtLeast(levels, domain.DegradationMajor) {
			overall = domain.DegradationCritical
		}
	}
	if override != nil && override.Level > overall {
		overall = override.Level
	}

	c.setOverall(overall, reasonFor(reasons, override))
}

func allAtLeast(levels map[string]domain.DegradationLevel, min domain.DegradationLevel) bool {
	if len(levels) == 0 {
		return false
	}
	for _, l := range levels {
		if l < min {
			return false
		}
	}
	return true
}

func serviceLevel(bi BreakerInfo, unhealthyRatio float64) (domain.DegradationLevel, string) {
	switch {
	case bi.Open && bi.OpenFor > majorOpenDuration && unhealthyRatio >= majorUnhealthyRatio:
		return domain.DegradationMajor, "breaker open >1m with unhealthy worker pool"
	case bi.Open:
		return domain.DegradationModerate, "circuit breaker open"
	case bi.FailureRate >= moderateFailureRate:
		return domain.DegradationModerate, "elevated failure rate"
	case bi.FailureRate >= minorFailureRate:
		return domain.DegradationMinor, "minor failure rate"
	default:
		return domain.DegradationNormal, ""
	}
}

func reasonFor(reasons map[string]string, o *Override) string {
	if o != nil {
		return "override: " + o.Reason
	}
	keys := make([]string, 0, len(reasons))
	for svc, r := range reasons {
		if r != "" {
			keys = append(keys, svc+": "+r)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func (c *Controller) setOverall(level domain.DegradationLevel, reason string) {
	prev := domain.DegradationLevel(c.overall.Swap(int32(level)))
	observability.DegradationLevel.Set(float64(level))
	if prev == level {
		return
	}
	slog.Warn("degradation level changed",
		slog.String("from", prev.String()),
		slog.String("to", level.String()),
		slog.String("reason", reason))
	if c.bus != nil {
		c.bus.Publish(domain.DegradationChanged{From: prev, To: level, Reason: reason, At: time.Now()})
	}
}

// Level returns the overall level. Lock-free.
func (c *Controller) Level() domain.DegradationLevel {
	return domain.DegradationLevel(c.overall.Load())
}

// ServiceLevel returns one service's level.
func (c *Controller) ServiceLevel(service string) domain.DegradationLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sd := c.services[service]; sd != nil {
		return sd.Level
	}
	return domain.DegradationNormal
}

// Services returns the per-service views sorted by name.
func (c *Controller) Services() []domain.ServiceDegradation {
	c.mu.RLock()
	out := make([]domain.ServiceDegradation, 0, len(c.services))
	for _, sd := range c.services {
		out = append(out, *sd)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// SetOverride pins the overall level until cleared. maintenance is only
// reachable this way.
func (c *Controller) SetOverride(level domain.DegradationLevel, reason, actor string) {
	c.mu.Lock()
	c.override = &Override{Level: level, Reason: reason, Actor: actor, SetAt: time.Now()}
	c.mu.Unlock()
	slog.Warn("degradation override set",
		slog.String("level", level.String()),
		slog.String("reason", reason),
		slog.String("actor", actor))
	if level > c.Level() {
		c.setOverall(level, "override: "+reason)
	}
}

// ClearOverride removes the pin; the next recompute restores the derived
// level.
func (c *Controller) ClearOverride(ctx context.Context) {
	c.mu.Lock()
	c.override = nil
	c.mu.Unlock()
	slog.Info("degradation override cleared")
	c.Recompute(ctx)
}

// CurrentOverride returns the active override, if any.
func (c *Controller) CurrentOverride() *Override {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override == nil {
		return nil
	}
	cp := *c.override
	return &cp
}

// GateSubmission enforces the admission policy: at major and critical the
// submitter gets a retryable rejection, at maintenance an outright refusal.
func (c *Controller) GateSubmission() error {
	switch l := c.Level(); {
	case l == domain.DegradationMaintenance:
		return domain.ErrMaintenance
	case l >= domain.DegradationMajor:
		return domain.ErrServiceDegraded
	}
	return nil
}
