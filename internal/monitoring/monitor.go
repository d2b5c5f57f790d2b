// Package monitoring keeps an in-process metrics pipeline: named
// time-series in bounded ring buffers, counter shortcuts, windowed
// aggregation, and a rule-driven alert engine with cooldown and
// acknowledgment. Prometheus remains the scrape surface; these series back
// the admin metrics API and alert evaluation.
package monitoring

import (
	"sort"
	"sync"
	"time"
)

// Core series names the core publishes.
const (
	SeriesJobsSubmitted    = "jobs.submitted"
	SeriesJobsCompleted    = "jobs.completed"
	SeriesJobsFailed       = "jobs.failed"
	SeriesJobsRetried      = "jobs.retried"
	SeriesJobsDeadLettered = "jobs.dead_lettered"
	SeriesJobDurationMs    = "job.duration_ms"
	SeriesQueueDepth       = "queue.depth"
	SeriesWorkersActive    = "workers.active"
	SeriesHealthScore      = "workers.health_score"
	SeriesBreakerState     = "breaker.state"
	SeriesDegradation      = "degradation.level"
	SeriesDownstreamMs     = "downstream.latency_ms"
	SeriesDownstreamTokens = "downstream.tokens"
)

// Point is one sample of a series.
type Point struct {
	Ts    time.Time         `json:"ts"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// series is a bounded ring of points. Writes overwrite the oldest sample
// once the ring is full.
type series struct {
	name string
	unit string
	desc string

	mu    sync.RWMutex
	buf   []Point
	head  int
	count int

	counter float64 // cumulative value for Incr-style series
}

func (s *series) append(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = p
		s.count++
		return
	}
	s.buf[s.head] = p
	s.head = (s.head + 1) % len(s.buf)
}

func (s *series) incr(delta float64, tags map[string]string, now time.Time) {
	s.mu.Lock()
	s.counter += delta
	v := s.counter
	s.mu.Unlock()
	s.append(Point{Ts: now, Value: v, Tags: tags})
}

// window returns the points newer than cutoff, oldest first.
func (s *series) window(cutoff time.Time) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, 0, s.count)
	for i := 0; i < s.count; i++ {
		p := s.buf[(s.head+i)%len(s.buf)]
		if !p.Ts.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Monitor is the series registry.
type Monitor struct {
	mu      sync.RWMutex
	series  map[string]*series
	ringCap int
	now     func() time.Time
}

// NewMonitor returns a monitor whose series hold at most ringCap points.
func NewMonitor(ringCap int) *Monitor {
	if ringCap <= 0 {
		ringCap = 10000
	}
	return &Monitor{series: make(map[string]*series), ringCap: ringCap, now: time.Now}
}

// Register declares a series up front with unit and description. Recording
// to an unregistered name auto-registers it with empty metadata.
func (m *Monitor) Register(name, unit, desc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[name]; !ok {
		m.series[name] = &series{name: name, unit: unit, desc: desc, buf: make([]Point, m.ringCap)}
	}
}

func (m *Monitor) get(name string) *series {
	m.mu.RLock()
	s := m.series[name]
	m.mu.RUnlock()
	if s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.series[name]; s == nil {
		s = &series{name: name, buf: make([]Point, m.ringCap)}
		m.series[name] = s
	}
	return s
}

// Record appends one sample to the named series.
func (m *Monitor) Record(name string, value float64, tags map[string]string) {
	m.get(name).append(Point{Ts: m.now(), Value: value, Tags: tags})
}

// Incr bumps a counter series by delta; the stored samples are cumulative,
// so windowed rates come out of Aggregate with AggRate.
func (m *Monitor) Incr(name string, delta float64, tags map[string]string) {
	m.get(name).incr(delta, tags, m.now())
}

// Query returns the samples of the named series within the window, oldest
// first.
func (m *Monitor) Query(name string, window time.Duration) []Point {
	return m.get(name).window(m.now().Add(-window))
}

// Names lists the registered series, sorted.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.series))
	for n := range m.series {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Aggregate functions.
type AggFunc string

const (
	AggAvg   AggFunc = "avg"
	AggSum   AggFunc = "sum"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggCount AggFunc = "count"
	AggLast  AggFunc = "last"
	// AggRate is the per-minute increase of a cumulative counter series
	// over the window.
	AggRate AggFunc = "rate"
)

// Aggregate folds the named series over the window. ok is false when the
// window holds no samples.
func (m *Monitor) Aggregate(name string, window time.Duration, fn AggFunc) (float64, bool) {
	pts := m.Query(name, window)
	if len(pts) == 0 {
		return 0, false
	}
	switch fn {
	case AggSum:
		var sum float64
		for _, p := range pts {
			sum += p.Value
		}
		return sum, true
	case AggMin:
		min := pts[0].Value
		for _, p := range pts[1:] {
			if p.Value < min {
				min = p.Value
			}
		}
		return min, true
	case AggMax:
		max := pts[0].Value
		for _, p := range pts[1:] {
			if p.Value > max {
				max = p.Value
			}
		}
		return max, true
	case AggCount:
		return float64(len(pts)), true
	case AggLast:
		return pts[len(pts)-1].Value, true
	case AggRate:
		delta := pts[len(pts)-1].Value - pts[0].Value
		span := pts[len(pts)-1].Ts.Sub(pts[0].Ts)
		if span <= 0 {
			return 0, len(pts) > 1
		}
		return delta / span.Minutes(), true
	default: // AggAvg
		var sum float64
		for _, p := range pts {
			sum += p.Value
		}
		return sum / float64(len(pts)), true
	}
}
