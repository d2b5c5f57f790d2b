package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertState lifecycle.
type AlertState string

const (
	AlertFiring       AlertState = "firing"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Op compares an aggregate against a threshold.
type Op string

const (
	OpGreater   Op = ">"
	OpLess      Op = "<"
	OpGreaterEq Op = ">="
	OpLessEq    Op = "<="
)

func (o Op) apply(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEq:
		return value >= threshold
	case OpLessEq:
		return value <= threshold
	}
	return false
}

// Rule evaluates one metric aggregate against a threshold. A rule fires
// after ConsecutiveBreaches evaluations in breach, re-fires at most once per
// Cooldown while the breach holds, and auto-resolves when it clears.
type Rule struct {
	Name                string        `yaml:"name"`
	Metric              string        `yaml:"metric"`
	Aggregate           AggFunc       `yaml:"aggregate"`
	Window              time.Duration `yaml:"window"`
	Op                  Op            `yaml:"op"`
	Threshold           float64       `yaml:"threshold"`
	ConsecutiveBreaches int           `yaml:"consecutive_breaches"`
	Severity            Severity      `yaml:"severity"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

func (r Rule) withDefaults() Rule {
	if r.Aggregate == "" {
		r.Aggregate = AggAvg
	}
	if r.Window <= 0 {
		r.Window = 5 * time.Minute
	}
	if r.Op == "" {
		r.Op = OpGreater
	}
	if r.ConsecutiveBreaches <= 0 {
		r.ConsecutiveBreaches = 1
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if r.Cooldown <= 0 {
		r.Cooldown = 5 * time.Minute
	}
	return r
}

// Alert is one fired rule instance.
type Alert struct {
	ID             string     `json:"id"`
	RuleName       string     `json:"rule_name"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	MetricName     string     `json:"metric_name"`
	Message        string     `json:"message"`
	Threshold      float64    `json:"threshold"`
	ActualValue    float64    `json:"actual_value"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	LastEvalAt     time.Time  `json:"last_eval_at"`
	ResolvedAt     time.Time  `json:"resolved_at,omitzero"`
	TriggerCount   int        `json:"trigger_count"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time  `json:"acknowledged_at,omitzero"`
}

const alertsKey = "alerts:active"

type ruleState struct {
	rule     Rule
	breaches int
	lastFire time.Time
	alert    *Alert
}

// AlertEngine evaluates rules against the monitor.
type AlertEngine struct {
	monitor *Monitor
	rdb     redis.Cmdable
	now     func() time.Time

	mu       sync.Mutex
	rules    map[string]*ruleState
	resolved []Alert // bounded history of resolved alerts
}

// NewAlertEngine returns an engine over the monitor's series. rdb may be
// nil (no mirroring).
func NewAlertEngine(monitor *Monitor, rules []Rule, rdb redis.Cmdable) *AlertEngine {
	e := &AlertEngine{
		monitor: monitor,
		rdb:     rdb,
		now:     time.Now,
		rules:   make(map[string]*ruleState, len(rules)),
	}
	for _, r := range rules {
		r = r.withDefaults()
		e.rules[r.Name] = &ruleState{rule: r}
	}
	return e
}

// Evaluate runs every rule once. Called by the maintenance scheduler.
func (e *AlertEngine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, rs := range e.rules {
		value, ok := e.monitor.Aggregate(rs.rule.Metric, rs.rule.Window, rs.rule.Aggregate)
		breached := ok && rs.rule.Op.apply(value, rs.rule.Threshold)
		if breached {
			rs.breaches++
		} else {
			rs.breaches = 0
		}

		switch {
		case breached && rs.breaches >= rs.rule.ConsecutiveBreaches:
			e.fire(ctx, rs, value, now)
		case !breached && rs.alert != nil:
			e.resolve(ctx, rs, now)
		case rs.alert != nil:
			rs.alert.LastEvalAt = now
		}
	}
}

// fire creates or re-triggers the rule's alert. Firing is idempotent per
// rule; re-triggering respects the cooldown and bumps the trigger count.
func (e *AlertEngine) fire(ctx context.Context, rs *ruleState, value float64, now time.Time) {
	if rs.alert != nil {
		rs.alert.LastEvalAt = now
		rs.alert.ActualValue = value
		if now.Sub(rs.lastFire) >= rs.rule.Cooldown {
			rs.alert.TriggerCount++
			rs.lastFire = now
			e.logAlert(rs.alert, "alert re-triggered")
			e.mirror(ctx, rs.alert)
		}
		return
	}
	a := &Alert{
		ID:           uuid.NewString(),
		RuleName:     rs.rule.Name,
		Severity:     rs.rule.Severity,
		State:        AlertFiring,
		MetricName:   rs.rule.Metric,
		Message:      fmt.Sprintf("%s: %s(%s) %s %.2f (actual %.2f)", rs.rule.Name, rs.rule.Aggregate, rs.rule.Metric, rs.rule.Op, rs.rule.Threshold, value),
		Threshold:    rs.rule.Threshold,
		ActualValue:  value,
		TriggeredAt:  now,
		LastEvalAt:   now,
		TriggerCount: 1,
	}
	rs.alert = a
	rs.lastFire = now
	e.logAlert(a, "alert fired")
	e.mirror(ctx, a)
}

func (e *AlertEngine) resolve(ctx context.Context, rs *ruleState, now time.Time) {
	a := rs.alert
	a.State = AlertResolved
	a.ResolvedAt = now
	a.LastEvalAt = now
	rs.alert = nil
	e.resolved = append(e.resolved, *a)
	if len(e.resolved) > 100 {
		e.resolved = e.resolved[len(e.resolved)-100:]
	}
	slog.Info("alert resolved", slog.String("rule", a.RuleName), slog.String("alert_id", a.ID))
	e.unmirror(ctx, a.ID)
}

// Acknowledge records actor and timestamp on a firing alert.
func (e *AlertEngine) Acknowledge(ctx context.Context, alertID, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.rules {
		if rs.alert != nil && rs.alert.ID == alertID {
			rs.alert.State = AlertAcknowledged
			rs.alert.AcknowledgedBy = actor
			rs.alert.AcknowledgedAt = e.now()
			slog.Info("alert acknowledged",
				slog.String("alert_id", alertID),
				slog.String("actor", actor))
			e.mirror(ctx, rs.alert)
			return nil
		}
	}
	return e.acknowledgeMirrored(ctx, alertID, actor)
}

// Active returns the currently firing or acknowledged alerts, newest first.
func (e *AlertEngine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.rules))
	for _, rs := range e.rules {
		if rs.alert != nil {
			out = append(out, *rs.alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// ActiveAll merges the in-memory active alerts with the Redis mirror so the
// server process sees alerts the worker's engine fired. In-memory copies win
// on id collisions.
func (e *AlertEngine) ActiveAll(ctx context.Context) []Alert {
	out := e.Active()
	if e.rdb == nil {
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, a := range out {
		seen[a.ID] = true
	}
	vals, err := e.rdb.HGetAll(ctx, alertsKey).Result()
	if err != nil {
		slog.Debug("alert mirror read failed", slog.Any("error", err))
		return out
	}
	for id, raw := range vals {
		if seen[id] {
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// acknowledgeMirrored updates a mirrored alert this process's engine does
// not own. The worker's engine keeps its own copy; the ack survives in the
// mirror, which is what operators read.
func (e *AlertEngine) acknowledgeMirrored(ctx context.Context, alertID, actor string) error {
	if e.rdb == nil {
		return fmt.Errorf("op=monitoring.Acknowledge: alert %s: %w", alertID, domain.ErrNotFound)
	}
	raw, err := e.rdb.HGet(ctx, alertsKey, alertID).Result()
	if err != nil {
		return fmt.Errorf("op=monitoring.Acknowledge: alert %s: %w", alertID, domain.ErrNotFound)
	}
	var a Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return fmt.Errorf("op=monitoring.Acknowledge: corrupt mirror entry %s: %w", alertID, domain.ErrInternal)
	}
	a.State = AlertAcknowledged
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = e.now()
	e.mirror(ctx, &a)
	slog.Info("alert acknowledged", slog.String("alert_id", alertID), slog.String("actor", actor))
	return nil
}

func (e *AlertEngine) logAlert(a *Alert, msg string) {
	attrs := []any{
		slog.String("rule", a.RuleName),
		slog.String("alert_id", a.ID),
		slog.String("metric", a.MetricName),
		slog.Float64("threshold", a.Threshold),
		slog.Float64("actual", a.ActualValue),
		slog.Int("trigger_count", a.TriggerCount),
	}
	if a.Severity == SeverityCritical {
		slog.Error(msg, attrs...)
	} else {
		slog.Warn(msg, attrs...)
	}
}

func (e *AlertEngine) mirror(ctx context.Context, a *Alert) {
	if e.rdb == nil {
		return
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := e.rdb.HSet(ctx, alertsKey, a.ID, string(raw)).Err(); err != nil {
		slog.Debug("alert mirror write failed", slog.String("alert_id", a.ID), slog.Any("error", err))
	}
}

func (e *AlertEngine) unmirror(ctx context.Context, id string) {
	if e.rdb == nil {
		return
	}
	_ = e.rdb.HDel(ctx, alertsKey, id).Err()
}
