package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/retry"
)

func TestDelay_Policies(t *testing.T) {
	t.Parallel()
	base := retry.Config{InitialDelay: time.Second, MaxDelay: time.Hour, Multiplier: 2.0}

	tests := []struct {
		name    string
		policy  retry.Policy
		attempt int
		want    time.Duration
	}{
		{"immediate", retry.PolicyImmediate, 3, 0},
		{"fixed first", retry.PolicyFixed, 0, time.Second},
		{"fixed later", retry.PolicyFixed, 5, time.Second},
		{"linear first", retry.PolicyLinear, 0, time.Second},
		{"linear third", retry.PolicyLinear, 2, 3 * time.Second},
		{"exponential first", retry.PolicyExponential, 0, time.Second},
		{"exponential third", retry.PolicyExponential, 2, 4 * time.Second},
		{"fibonacci 1", retry.PolicyFibonacci, 0, time.Second},
		{"fibonacci 2", retry.PolicyFibonacci, 1, time.Second},
		{"fibonacci 3", retry.PolicyFibonacci, 2, 2 * time.Second},
		{"fibonacci 4", retry.PolicyFibonacci, 3, 3 * time.Second},
		{"fibonacci 5", retry.PolicyFibonacci, 4, 5 * time.Second},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Policy = tc.policy
			assert.Equal(t, tc.want, retry.Delay(cfg, tc.attempt))
		})
	}
}

func TestDelay_BackoffMonotonicUntilClamp(t *testing.T) {
	t.Parallel()
	cfg := retry.Config{Policy: retry.PolicyExponential, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0}
	prev := time.Duration(-1)
	for attempt := 0; attempt < 10; attempt++ {
		d := retry.Delay(cfg, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
	assert.Equal(t, time.Minute, retry.Delay(cfg, 20), "large attempts clamp at MaxDelay")
}

func TestDelay_JitterStaysWithinFactorBounds(t *testing.T) {
	t.Parallel()
	cfg := retry.Config{
		Policy:       retry.PolicyFixed,
		InitialDelay: 10 * time.Second,
		MaxDelay:     time.Hour,
		Jitter:       true,
		JitterFactor: 0.1,
	}
	lo := time.Duration(float64(cfg.InitialDelay) * 0.9)
	hi := time.Duration(float64(cfg.InitialDelay) * 1.1)
	for i := 0; i < 200; i++ {
		d := retry.Delay(cfg, 0)
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}
}

func TestNext_FatalCategoriesNeverRetry(t *testing.T) {
	t.Parallel()
	cfg := retry.DefaultConfigFor(domain.JobTypeAudioProcessing)
	for _, cat := range []domain.ErrorCategory{
		domain.CategoryValidation,
		domain.CategoryAuthentication,
	} {
		d := retry.Next(cfg, 0, cat, time.Now())
		assert.False(t, d.ShouldRetry, "category %s", cat)
	}

	// Data errors retry on the default exponential schedule: the input may
	// be re-uploaded or the object store copy repaired between attempts.
	d := retry.Next(cfg, 1, domain.CategoryDataError, time.Now())
	assert.True(t, d.ShouldRetry)
	assert.Positive(t, d.Delay)
}

func TestNext_RespectsMaxRetries(t *testing.T) {
	t.Parallel()
	cfg := retry.Config{Policy: retry.PolicyFixed, InitialDelay: time.Second, MaxRetries: 3}
	now := time.Now()

	d := retry.Next(cfg, 2, domain.CategoryTransientNetwork, now)
	require.True(t, d.ShouldRetry)
	assert.Equal(t, now.Add(d.Delay), d.NextAt)

	d = retry.Next(cfg, 3, domain.CategoryTransientNetwork, now)
	assert.False(t, d.ShouldRetry)
}

func TestNext_UnknownCategoryCapped(t *testing.T) {
	t.Parallel()
	cfg := retry.Config{Policy: retry.PolicyFixed, InitialDelay: time.Second, MaxRetries: 10}
	now := time.Now()

	assert.True(t, retry.Next(cfg, 1, domain.CategoryUnknown, now).ShouldRetry)
	assert.False(t, retry.Next(cfg, 2, domain.CategoryUnknown, now).ShouldRetry,
		"unknown errors stop after two attempts even with a generous MaxRetries")
}

func TestConfigForCategory_Overrides(t *testing.T) {
	t.Parallel()

	cfg := retry.ConfigForCategory(domain.JobTypeTextProcessing, domain.CategoryRateLimited)
	assert.Equal(t, retry.PolicyLinear, cfg.Policy)
	assert.Equal(t, 60*time.Second, cfg.InitialDelay, "rate-limited retries wait at least a minute")

	cfg = retry.ConfigForCategory(domain.JobTypeTextProcessing, domain.CategoryServiceUnavailable)
	assert.Equal(t, retry.PolicyFibonacci, cfg.Policy)

	cfg = retry.ConfigForCategory(domain.JobTypeAudioProcessing, domain.CategoryTranscription)
	assert.Equal(t, retry.DefaultConfigFor(domain.JobTypeAudioProcessing), cfg,
		"categories without overrides keep the job-type defaults")
}

func TestDefaultConfigFor_PerType(t *testing.T) {
	t.Parallel()
	audio := retry.DefaultConfigFor(domain.JobTypeAudioProcessing)
	assert.Equal(t, 5, audio.MaxRetries)
	assert.Equal(t, 2*time.Second, audio.InitialDelay)

	text := retry.DefaultConfigFor(domain.JobTypeTextProcessing)
	assert.Equal(t, 3, text.MaxRetries)
	assert.Equal(t, 10*time.Second, text.InitialDelay)

	other := retry.DefaultConfigFor(domain.JobTypeTranscriptionOnly)
	assert.Zero(t, other.MaxRetries, "budget comes from the store's configured default")
}
