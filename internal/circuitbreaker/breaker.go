// Package circuitbreaker implements per-downstream-service circuit breakers
// with a lock-free hot path. State is an atomic integer and every transition
// is a compare-and-set; losers of a transition race simply observe the
// winner's state and proceed.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// State of one breaker.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// ParseState maps a state name back to its value.
func ParseState(s string) (State, bool) {
	switch s {
	case "closed":
		return StateClosed, true
	case "half_open":
		return StateHalfOpen, true
	case "open":
		return StateOpen, true
	}
	return StateClosed, false
}

// Config holds the thresholds of one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures closing → open
	SuccessThreshold int           // consecutive probe successes half_open → closed
	OpenTimeout      time.Duration // open → half_open delay
	HalfOpenProbes   int           // concurrent probes admitted while half_open
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeout: 30 * time.Second, HalfOpenProbes: 2}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// rate window granularity: failure rate is computed over windowBuckets
// rotating buckets of windowBucketDur each.
const (
	windowBucketDur = 10 * time.Second
	windowBuckets   = 6
	rateMinSamples  = 20
)

type rateBucket struct {
	epoch    atomic.Int64
	total    atomic.Int64
	failures atomic.Int64
}

// Breaker is one service's circuit breaker.
type Breaker struct {
	service string
	cfg     Config

	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	openedAt             atomic.Int64 // unix nanos
	halfOpenInflight     atomic.Int64
	lastError            atomic.Value // string

	buckets [windowBuckets]rateBucket

	now      func() time.Time
	onChange func(service string, from, to State)
}

func newBreaker(service string, cfg Config, onChange func(service string, from, to State)) *Breaker {
	b := &Breaker{service: service, cfg: cfg.withDefaults(), now: time.Now, onChange: onChange}
	b.lastError.Store("")
	return b
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.service, from, to)
	}
}

// Service returns the downstream service name this breaker guards.
func (b *Breaker) Service() string { return b.service }

// State returns the current state without blocking.
func (b *Breaker) State() State { return State(b.state.Load()) }

// OpenedAt returns when the breaker last opened (zero time if never).
func (b *Breaker) OpenedAt() time.Time {
	ns := b.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot captures the breaker's observable state.
type Snapshot struct {
	Service              string    `json:"service"`
	State                State     `json:"-"`
	StateName            string    `json:"state"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
	FailureRate          float64   `json:"failure_rate"`
	LastError            string    `json:"last_error,omitempty"`
}

// Snapshot returns a lock-free copy of the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	st := b.State()
	return Snapshot{
		Service:              b.service,
		State:                st,
		StateName:            st.String(),
		ConsecutiveFailures:  b.consecutiveFailures.Load(),
		ConsecutiveSuccesses: b.consecutiveSuccesses.Load(),
		OpenedAt:             b.OpenedAt(),
		FailureRate:          b.FailureRate(),
		LastError:            b.lastError.Load().(string),
	}
}

// Allow reports whether a call may proceed. While open it flips to
// half_open once the open timeout has elapsed (CAS; one winner). While
// half_open it admits at most HalfOpenProbes concurrent probes.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateOpen:
		opened := b.openedAt.Load()
		if b.now().UnixNano()-opened < int64(b.cfg.OpenTimeout) {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.consecutiveSuccesses.Store(0)
			b.halfOpenInflight.Store(0)
			b.notify(StateOpen, StateHalfOpen)
		}
		// Winner or not, fall through to half-open admission.
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInflight.Add(1) > int64(b.cfg.HalfOpenProbes) {
			b.halfOpenInflight.Add(-1)
			return false
		}
		return true
	}
	return false
}

// OnSuccess records a successful call and drives transitions.
func (b *Breaker) OnSuccess() {
	b.observe(false)
	b.consecutiveFailures.Store(0)
	switch b.State() {
	case StateHalfOpen:
		b.halfOpenInflight.Add(-1)
		if b.consecutiveSuccesses.Add(1) >= int64(b.cfg.SuccessThreshold) {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.consecutiveFailures.Store(0)
				b.consecutiveSuccesses.Store(0)
				b.notify(StateHalfOpen, StateClosed)
			}
		}
	default:
		b.consecutiveSuccesses.Add(1)
	}
}

// OnFailure records a failed call and drives transitions.
func (b *Breaker) OnFailure(err error) {
	b.observe(true)
	if err != nil {
		b.lastError.Store(err.Error())
	}
	b.consecutiveSuccesses.Store(0)
	switch b.State() {
	case StateHalfOpen:
		b.halfOpenInflight.Add(-1)
		// Any probe failure reopens.
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			b.openedAt.Store(b.now().UnixNano())
			b.notify(StateHalfOpen, StateOpen)
		}
	case StateClosed:
		if b.consecutiveFailures.Add(1) >= int64(b.cfg.FailureThreshold) {
			if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				b.openedAt.Store(b.now().UnixNano())
				b.notify(StateClosed, StateOpen)
			}
		}
	default:
		b.consecutiveFailures.Add(1)
	}
}

// Execute runs fn under the breaker. When the breaker rejects the call the
// fallback (if any) runs instead; with no fallback a wrapped
// domain.ErrCircuitOpen is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(context.Context) error) error {
	if !b.Allow() {
		if fallback != nil {
			return fallback(ctx)
		}
		return fmt.Errorf("service %s: %w", b.service, domain.ErrCircuitOpen)
	}
	err := fn(ctx)
	if err != nil {
		b.OnFailure(err)
		return err
	}
	b.OnSuccess()
	return nil
}

// reset forces the breaker closed and clears all counters.
func (b *Breaker) reset() {
	prev := State(b.state.Swap(int32(StateClosed)))
	b.consecutiveFailures.Store(0)
	b.consecutiveSuccesses.Store(0)
	b.halfOpenInflight.Store(0)
	b.openedAt.Store(0)
	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// FailureRate returns the fraction of failed calls over the rolling window;
// 0 until rateMinSamples calls have been observed.
func (b *Breaker) FailureRate() float64 {
	nowEpoch := b.now().UnixNano() / int64(windowBucketDur)
	var total, failures int64
	for i := range b.buckets {
		bk := &b.buckets[i]
		if nowEpoch-bk.epoch.Load() < windowBuckets {
			total += bk.total.Load()
			failures += bk.failures.Load()
		}
	}
	if total < rateMinSamples {
		return 0
	}
	return float64(failures) / float64(total)
}

func (b *Breaker) observe(failed bool) {
	nowEpoch := b.now().UnixNano() / int64(windowBucketDur)
	bk := &b.buckets[nowEpoch%windowBuckets]
	if e := bk.epoch.Load(); e != nowEpoch {
		if bk.epoch.CompareAndSwap(e, nowEpoch) {
			bk.total.Store(0)
			bk.failures.Store(0)
		}
	}
	bk.total.Add(1)
	if failed {
		bk.failures.Add(1)
	}
}
