// Package retry is the pure backoff calculator: given a policy, a config and
// a zero-indexed attempt it yields the next delay. It holds no state and
// touches no I/O; the adaptive integration that consults breaker and worker
// health lives in the job store.
package retry

import (
	"math/rand"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// Policy enumerates the backoff shapes.
type Policy string

const (
	PolicyImmediate   Policy = "immediate"
	PolicyFixed       Policy = "fixed"
	PolicyLinear      Policy = "linear"
	PolicyExponential Policy = "exponential"
	PolicyFibonacci   Policy = "fibonacci"
	PolicyAdaptive    Policy = "adaptive"
)

// Config parameterizes a policy.
type Config struct {
	Policy       Policy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	JitterFactor float64 // in [0,1]
	Jitter       bool
}

// unknownRetryCap bounds attempts for errors the classifier could not place.
const unknownRetryCap = 2

// Decision is the calculator's output for one attempt.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	NextAt      time.Time
}

// DefaultConfigFor returns the per-job-type defaults. Audio and text jobs
// carry tuned budgets; for any other type MaxRetries is zero and the job
// store fills it in from its configured default.
func DefaultConfigFor(t domain.JobType) Config {
	switch t {
	case domain.JobTypeAudioProcessing:
		return Config{Policy: PolicyExponential, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2.0, MaxRetries: 5, JitterFactor: 0.1, Jitter: true}
	case domain.JobTypeTextProcessing:
		return Config{Policy: PolicyExponential, InitialDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2.0, MaxRetries: 3, JitterFactor: 0.1, Jitter: true}
	default:
		return Config{Policy: PolicyExponential, InitialDelay: 5 * time.Second, MaxDelay: 2 * time.Minute, Multiplier: 2.0, JitterFactor: 0.1, Jitter: true}
	}
}

// ConfigForCategory returns the category override when one applies, falling
// back to the job-type default otherwise.
func ConfigForCategory(t domain.JobType, cat domain.ErrorCategory) Config {
	cfg := DefaultConfigFor(t)
	switch cat {
	case domain.CategoryTransientNetwork:
		cfg.Policy = PolicyExponential
		cfg.InitialDelay = time.Second
		cfg.MaxDelay = time.Minute
		cfg.MaxRetries = 4
	case domain.CategoryRateLimited:
		cfg.Policy = PolicyLinear
		cfg.InitialDelay = 60 * time.Second
		cfg.MaxDelay = 10 * time.Minute
	case domain.CategoryServiceUnavailable:
		cfg.Policy = PolicyFibonacci
	case domain.CategoryResourceExhaustion:
		cfg.Policy = PolicyExponential
		cfg.InitialDelay = 30 * time.Second
		cfg.MaxDelay = 30 * time.Minute
		cfg.MaxRetries = 3
	}
	return cfg
}

// Next computes the decision for the given zero-indexed attempt. The
// classification gates retryability: fatal categories never retry, unknown
// is capped at unknownRetryCap attempts.
func Next(cfg Config, attempt int, cat domain.ErrorCategory, now time.Time) Decision {
	if !shouldRetry(cfg, attempt, cat) {
		return Decision{}
	}
	d := Delay(cfg, attempt)
	return Decision{ShouldRetry: true, Delay: d, NextAt: now.Add(d)}
}

func shouldRetry(cfg Config, attempt int, cat domain.ErrorCategory) bool {
	if cat.Fatal() {
		return false
	}
	max := cfg.MaxRetries
	if cat == domain.CategoryUnknown && max > unknownRetryCap {
		max = unknownRetryCap
	}
	return attempt < max
}

// Delay computes the raw backoff for one attempt: policy curve, MaxDelay
// clamp, then jitter.
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch cfg.Policy {
	case PolicyImmediate:
		return 0
	case PolicyFixed:
		d = cfg.InitialDelay
	case PolicyLinear:
		d = cfg.InitialDelay * time.Duration(attempt+1)
	case PolicyFibonacci:
		d = scale(cfg.InitialDelay, float64(fib(attempt+1)))
	case PolicyExponential, PolicyAdaptive, "":
		d = scale(cfg.InitialDelay, pow(cfg.Multiplier, attempt))
	default:
		d = scale(cfg.InitialDelay, pow(cfg.Multiplier, attempt))
	}
	d = clamp(d, cfg.MaxDelay)
	if cfg.Jitter {
		d = jitter(d, cfg.JitterFactor)
	}
	return d
}

// jitter perturbs d uniformly within ±factor×d, floored at zero.
func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	if factor > 1 {
		factor = 1
	}
	span := float64(d) * factor
	// uniform in [-span, +span]
	off := (rand.Float64()*2 - 1) * span
	out := time.Duration(float64(d) + off)
	if out < 0 {
		out = 0
	}
	return out
}

func clamp(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

func scale(base time.Duration, factor float64) time.Duration {
	out := float64(base) * factor
	// Saturate instead of overflowing for large attempts.
	if out > float64(1<<62) {
		return time.Duration(1 << 62)
	}
	return time.Duration(out)
}

func pow(base float64, exp int) float64 {
	if base <= 0 {
		base = 2.0
	}
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
		if out > 1e18 {
			return 1e18
		}
	}
	return out
}

// fib returns the n-th Fibonacci number (fib(1) = fib(2) = 1), saturating
// well past any useful retry count.
func fib(n int) uint64 {
	if n <= 0 {
		return 0
	}
	a, b := uint64(0), uint64(1)
	for i := 1; i < n; i++ {
		if a+b < b {
			return b // saturated
		}
		a, b = b, a+b
	}
	return b
}
