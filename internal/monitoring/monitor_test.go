package monitoring

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestMonitor(ringCap int) (*Monitor, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor(ringCap)
	m.now = clk.now
	return m, clk
}

func TestMonitor_RingOverwritesOldest(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor(4)

	for i := 1; i <= 6; i++ {
		m.Record("s", float64(i), nil)
		clk.advance(time.Second)
	}

	pts := m.Query("s", time.Hour)
	require.Len(t, pts, 4)
	assert.Equal(t, 3.0, pts[0].Value, "oldest surviving sample")
	assert.Equal(t, 6.0, pts[3].Value)
}

func TestMonitor_QueryHonorsWindow(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor(100)

	m.Record("s", 1, nil)
	clk.advance(10 * time.Minute)
	m.Record("s", 2, nil)
	clk.advance(time.Minute)

	pts := m.Query("s", 5*time.Minute)
	require.Len(t, pts, 1)
	assert.Equal(t, 2.0, pts[0].Value)
}

func TestMonitor_AggregateFunctions(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor(100)
	for _, v := range []float64{4, 1, 3} {
		m.Record("s", v, nil)
		clk.advance(time.Second)
	}

	tests := []struct {
		fn   AggFunc
		want float64
	}{
		{AggAvg, 8.0 / 3},
		{AggSum, 8},
		{AggMin, 1},
		{AggMax, 4},
		{AggCount, 3},
		{AggLast, 3},
	}
	for _, tc := range tests {
		got, ok := m.Aggregate("s", time.Hour, tc.fn)
		require.True(t, ok, "%s", tc.fn)
		assert.InDelta(t, tc.want, got, 0.001, "%s", tc.fn)
	}

	_, ok := m.Aggregate("empty", time.Hour, AggAvg)
	assert.False(t, ok, "no samples in the window")
}

func TestMonitor_IncrAndRate(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor(100)

	// 10 increments over 2 minutes: rate = 5/min.
	for i := 0; i < 10; i++ {
		m.Incr(SeriesJobsDeadLettered, 1, nil)
		if i < 9 {
			clk.advance(2 * time.Minute / 9)
		}
	}

	last, ok := m.Aggregate(SeriesJobsDeadLettered, time.Hour, AggLast)
	require.True(t, ok)
	assert.Equal(t, 10.0, last, "samples are cumulative")

	rate, ok := m.Aggregate(SeriesJobsDeadLettered, time.Hour, AggRate)
	require.True(t, ok)
	assert.InDelta(t, 4.5, rate, 0.01, "9 increments after the first sample over 2 minutes")
}

func TestMonitor_NamesSorted(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(10)
	m.Register("zeta", "count", "")
	m.Record("alpha", 1, nil)

	assert.Equal(t, []string{"alpha", "zeta"}, m.Names())
}

func TestLoadRules_DefaultsAndFile(t *testing.T) {
	t.Parallel()

	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.NotEmpty(t, rules, "empty path falls back to the built-ins")

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: custom-depth
    metric: queue.depth
    aggregate: last
    op: ">"
    threshold: 50
    severity: critical
`), 0o600))

	rules, err = LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "custom-depth", rules[0].Name)
	assert.Equal(t, 50.0, rules[0].Threshold)
	assert.Equal(t, SeverityCritical, rules[0].Severity)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o600))
	_, err = LoadRules(path)
	assert.Error(t, err, "a rules file must define at least one rule")
}
