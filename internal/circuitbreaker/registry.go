package circuitbreaker

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
)

// Listener is informed of every breaker state transition. Listeners run
// outside any lock and must not block.
type Listener func(service string, from, to State)

// Registry holds one breaker per downstream service, created lazily.
// Breaker state is mirrored to Redis on transitions (best effort) so a
// restarted process does not start blind against a failing downstream.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	overrides map[string]Config
	defaults  Config
	listeners []Listener

	rdb redis.Cmdable
}

// NewRegistry returns a registry using defaults for every service without an
// explicit override. rdb may be nil (no mirroring; used in tests).
func NewRegistry(defaults Config, rdb redis.Cmdable) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		overrides: make(map[string]Config),
		defaults:  defaults.withDefaults(),
		rdb:       rdb,
	}
}

// Configure sets a per-service threshold override. Takes effect for
// breakers created afterwards.
func (r *Registry) Configure(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = cfg.withDefaults()
}

// OnStateChange registers a transition listener.
func (r *Registry) OnStateChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b := r.breakers[service]
	r.mu.RUnlock()
	if b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[service]; b != nil {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[service]; ok {
		cfg = o
	}
	b = newBreaker(service, cfg, r.dispatch)
	r.breakers[service] = b
	return b
}

// Execute runs fn under the named service's breaker.
func (r *Registry) Execute(ctx context.Context, service string, fn func(context.Context) error, fallback func(context.Context) error) error {
	return r.Get(service).Execute(ctx, fn, fallback)
}

// Reset forces the named breaker closed. Admin operation.
func (r *Registry) Reset(service string) {
	r.Get(service).reset()
}

// Snapshots returns the state of every known breaker, sorted by service.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (r *Registry) dispatch(service string, from, to State) {
	slog.Warn("circuit breaker transition",
		slog.String("service", service),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	observability.CircuitState.WithLabelValues(service).Set(float64(gaugeValue(to)))
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, l := range listeners {
		l(service, from, to)
	}
	r.mirror(service)
}

func gaugeValue(s State) int {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func mirrorKey(service string) string { return "circuit:" + service }

// mirror writes the breaker snapshot to Redis with a short capped-backoff
// retry. Failures are logged and swallowed; the mirror is advisory.
func (r *Registry) mirror(service string) {
	if r.rdb == nil {
		return
	}
	snap := r.Get(service).Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op := func() error {
		return r.rdb.HSet(ctx, mirrorKey(service), map[string]any{
			"state":                 snap.StateName,
			"consecutive_failures":  snap.ConsecutiveFailures,
			"consecutive_successes": snap.ConsecutiveSuccesses,
			"opened_at":             snap.OpenedAt.UnixNano(),
			"last_error":            snap.LastError,
			"updated_at":            time.Now().UnixNano(),
		}).Err()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		slog.Warn("circuit mirror write failed", slog.String("service", service), slog.Any("error", err))
	}
}

// Restore loads mirrored breaker state for the given services. An open
// state older than the open timeout restores as half_open so the first call
// probes instead of fast-failing.
func (r *Registry) Restore(ctx context.Context, services ...string) {
	if r.rdb == nil {
		return
	}
	for _, service := range services {
		vals, err := r.rdb.HGetAll(ctx, mirrorKey(service)).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		st, ok := ParseState(vals["state"])
		if !ok || st == StateClosed {
			continue
		}
		b := r.Get(service)
		openedAt, _ := strconv.ParseInt(vals["opened_at"], 10, 64)
		if st == StateOpen && time.Since(time.Unix(0, openedAt)) >= b.cfg.OpenTimeout {
			st = StateHalfOpen
		}
		b.state.Store(int32(st))
		b.openedAt.Store(openedAt)
		if n, err := strconv.ParseInt(vals["consecutive_failures"], 10, 64); err == nil {
			b.consecutiveFailures.Store(n)
		}
		slog.Info("circuit state restored",
			slog.String("service", service),
			slog.String("state", st.String()))
		observability.CircuitState.WithLabelValues(service).Set(float64(gaugeValue(st)))
	}
}
