// Package errclass maps downstream and processing errors onto the
// domain.ErrorCategory taxonomy. Classification is a case-insensitive
// substring scan over ordered pattern tables, preceded by typed checks;
// the first matching rule wins and service-specific rules run before the
// generic ones.
package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// Classification is the result of classifying one error.
type Classification struct {
	Category  domain.ErrorCategory
	Retryable bool
	Fatal     bool
}

func classificationFor(cat domain.ErrorCategory) Classification {
	return Classification{Category: cat, Retryable: cat.Retryable(), Fatal: cat.Fatal()}
}

// Downstream service names the classifier knows service-specific rules for.
const (
	ServiceTranscription = "transcription"
	ServiceAgent         = "agent"
)

type rule struct {
	patterns []string
	category domain.ErrorCategory
}

// serviceRules are evaluated before genericRules, only for the named service.
var serviceRules = map[string][]rule{
	ServiceTranscription: {
		{[]string{"whisper", "transcription", "audio decode", "sample rate"}, domain.CategoryTranscription},
	},
	ServiceAgent: {
		{[]string{"openai", "gpt", "model", "completion"}, domain.CategoryAgentService},
	},
}

// genericRules is the ordered generic pattern table. Order matters: the
// first rule whose pattern appears in the lowercased message wins.
var genericRules = []rule{
	{[]string{"rate limit", "too many requests", "429", "quota exceeded"}, domain.CategoryRateLimited},
	{[]string{"503", "502", "504", "service unavailable", "unavailable", "overloaded", "bad gateway"}, domain.CategoryServiceUnavailable},
	{[]string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "broken pipe", "no such host", "unexpected eof", "eof", "network is unreachable"}, domain.CategoryTransientNetwork},
	{[]string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication"}, domain.CategoryAuthentication},
	{[]string{"out of memory", "disk full", "no space", "resource exhausted", "insufficient"}, domain.CategoryResourceExhaustion},
	{[]string{"invalid", "parse", "format", "validation", "bad request", "unsupported", "schema"}, domain.CategoryValidation},
	{[]string{"not found", "corrupt", "malformed", "decode error", "unexpected end"}, domain.CategoryDataError},
}

// fingerprintLen bounds the message prefix used as the cache key, so cache
// entries stay stable for errors carrying variable suffixes (ids, offsets).
const fingerprintLen = 80

const defaultCacheCap = 2048

// Classifier memoizes classifications per (service, message prefix) and
// keeps per-service per-category counters for monitoring.
type Classifier struct {
	mu    sync.Mutex
	cache map[string]Classification
	order []string // FIFO eviction order
	cap   int

	countMu sync.Mutex
	counts  map[string]map[domain.ErrorCategory]int64
}

// New returns a classifier with the default cache capacity.
func New() *Classifier { return NewWithCapacity(defaultCacheCap) }

// NewWithCapacity returns a classifier whose memoization cache holds at most
// cap entries.
func NewWithCapacity(cap int) *Classifier {
	if cap <= 0 {
		cap = defaultCacheCap
	}
	return &Classifier{
		cache:  make(map[string]Classification, cap),
		cap:    cap,
		counts: make(map[string]map[domain.ErrorCategory]int64),
	}
}

// Classify maps (service, err) to a Classification. A nil error yields
// the unknown category. Results are deterministic for a fixed input.
func (c *Classifier) Classify(service string, err error) Classification {
	if err == nil {
		return classificationFor(domain.CategoryUnknown)
	}

	// Typed checks first; these beat any substring rule. Connection and
	// timeout failures are both transient-network: the job will see the
	// same service again on the next attempt.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return c.count(service, classificationFor(domain.CategoryTransientNetwork))
	case errors.Is(err, domain.ErrCircuitOpen):
		return c.count(service, classificationFor(domain.CategoryServiceUnavailable))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return c.count(service, classificationFor(domain.CategoryTransientNetwork))
	}

	key := cacheKey(service, err)
	c.mu.Lock()
	if cl, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return c.count(service, cl)
	}
	c.mu.Unlock()

	cl := classificationFor(match(service, err.Error()))
	c.store(key, cl)
	return c.count(service, cl)
}

// Category is a convenience wrapper returning only the category.
func (c *Classifier) Category(service string, err error) domain.ErrorCategory {
	return c.Classify(service, err).Category
}

func match(service, msg string) domain.ErrorCategory {
	lower := strings.ToLower(msg)
	for _, r := range serviceRules[service] {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
	}
	for _, r := range genericRules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
	}
	return domain.CategoryUnknown
}

func cacheKey(service string, err error) string {
	msg := err.Error()
	if len(msg) > fingerprintLen {
		msg = msg[:fingerprintLen]
	}
	return service + "\x00" + msg
}

func (c *Classifier) store(key string, cl Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; ok {
		return
	}
	if len(c.cache) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[key] = cl
	c.order = append(c.order, key)
}

func (c *Classifier) count(service string, cl Classification) Classification {
	c.countMu.Lock()
	per := c.counts[service]
	if per == nil {
		per = make(map[domain.ErrorCategory]int64)
		c.counts[service] = per
	}
	per[cl.Category]++
	c.countMu.Unlock()
	observability.ErrorCategoryTotal.WithLabelValues(service, string(cl.Category)).Inc()
	return cl
}

// Counts returns a copy of the per-service per-category counters.
func (c *Classifier) Counts() map[string]map[domain.ErrorCategory]int64 {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	out := make(map[string]map[domain.ErrorCategory]int64, len(c.counts))
	for svc, per := range c.counts {
		cp := make(map[domain.ErrorCategory]int64, len(per))
		for cat, n := range per {
			cp[cat] = n
		}
		out[svc] = cp
	}
	return out
}

// CacheLen reports the current memoization cache size.
func (c *Classifier) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
