package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// fakeClock lets tests drive the open-timeout without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newBreaker("svc", cfg, nil)
	b.now = clk.now
	return b, clk
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		b.OnFailure(boom)
		assert.Equal(t, StateClosed, b.State(), "still closed after %d failures", i+1)
	}
	b.OnFailure(boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	boom := errors.New("boom")
	b.OnFailure(boom)
	b.OnFailure(boom)
	b.OnSuccess()
	b.OnFailure(boom)
	b.OnFailure(boom)
	assert.Equal(t, StateClosed, b.State(), "streak restarted after the success")
}

func TestBreaker_OpenRejectsUntilTimeout(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: 30 * time.Second, HalfOpenProbes: 2})

	b.OnFailure(errors.New("boom"))
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	clk.advance(29 * time.Second)
	assert.False(t, b.Allow())

	clk.advance(2 * time.Second)
	assert.True(t, b.Allow(), "first call after the timeout probes")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenProbeAdmission(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Second, HalfOpenProbes: 2})

	b.OnFailure(errors.New("boom"))
	clk.advance(2 * time.Second)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "third concurrent probe rejected")

	// Finishing a probe frees its slot.
	b.OnSuccess()
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 3, OpenTimeout: time.Second, HalfOpenProbes: 1})

	b.OnFailure(errors.New("boom"))
	clk.advance(2 * time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow(), "probe %d", i+1)
		b.OnSuccess()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 3, OpenTimeout: time.Second, HalfOpenProbes: 1})

	b.OnFailure(errors.New("boom"))
	clk.advance(2 * time.Second)
	require.True(t, b.Allow())

	b.OnFailure(errors.New("still down"))
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "timeout restarts from the reopen")
}

func TestBreaker_ExecuteFastFailAndFallback(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})
	b.OnFailure(errors.New("boom"))

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called, "open breaker never invokes fn")

	err = b.Execute(context.Background(), func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("fallback ran") })
	assert.EqualError(t, err, "fallback ran")
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	b.OnFailure(errors.New("boom"))
	require.Equal(t, StateOpen, b.State())

	b.reset()
	assert.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.True(t, snap.OpenedAt.IsZero())
}

func TestBreaker_FailureRateNeedsMinSamples(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 100})

	for i := 0; i < 10; i++ {
		b.OnFailure(errors.New("boom"))
	}
	assert.Zero(t, b.FailureRate(), "below the sample floor the rate reads zero")

	for i := 0; i < 10; i++ {
		b.OnFailure(errors.New("boom"))
	}
	assert.InDelta(t, 1.0, b.FailureRate(), 0.001)

	for i := 0; i < 20; i++ {
		b.OnSuccess()
	}
	assert.InDelta(t, 0.5, b.FailureRate(), 0.001)
}

func TestBreaker_NotifiesTransitions(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var transitions []string
	b := newBreaker("svc", Config{FailureThreshold: 1, OpenTimeout: time.Second, SuccessThreshold: 1, HalfOpenProbes: 1}, func(_ string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clk.now

	b.OnFailure(errors.New("boom"))
	clk.advance(2 * time.Second)
	require.True(t, b.Allow())
	b.OnSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, transitions)
}

func TestRegistry_PerServiceIsolationAndConfigure(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 5}, nil)
	r.Configure("fragile", Config{FailureThreshold: 1})

	r.Get("fragile").OnFailure(errors.New("boom"))
	r.Get("sturdy").OnFailure(errors.New("boom"))

	assert.Equal(t, StateOpen, r.Get("fragile").State())
	assert.Equal(t, StateClosed, r.Get("sturdy").State())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "fragile", snaps[0].Service, "snapshots sorted by service")

	r.Reset("fragile")
	assert.Equal(t, StateClosed, r.Get("fragile").State())
}
