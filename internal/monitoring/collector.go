package monitoring

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
)

// Collector feeds the monitor's jobs.* counter series from the job event
// bus, keeping the store decoupled from the monitor.
type Collector struct {
	monitor *Monitor
	sub     *events.Subscription
	done    chan struct{}
}

// NewCollector subscribes to bus and starts consuming.
func NewCollector(monitor *Monitor, bus *events.Bus) *Collector {
	c := &Collector{
		monitor: monitor,
		sub:     bus.Subscribe(256),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Collector) run() {
	defer close(c.done)
	for ev := range c.sub.C {
		switch e := ev.(type) {
		case domain.JobStatusChanged:
			c.onJobStatus(e)
		case domain.DegradationChanged:
			c.monitor.Record(SeriesDegradation, float64(e.To), nil)
		}
	}
}

func (c *Collector) onJobStatus(e domain.JobStatusChanged) {
	tags := map[string]string{"queue": e.Queue, "type": string(e.Type)}
	switch {
	case e.From == "" && e.To == domain.JobQueued:
		c.monitor.Incr(SeriesJobsSubmitted, 1, tags)
	case e.To == domain.JobCompleted:
		c.monitor.Incr(SeriesJobsCompleted, 1, tags)
	case e.To == domain.JobFailed:
		c.monitor.Incr(SeriesJobsFailed, 1, tags)
	case e.From == domain.JobFailed && (e.To == domain.JobRetrying || e.To == domain.JobQueued):
		c.monitor.Incr(SeriesJobsRetried, 1, tags)
	case e.To == domain.JobDeadLetter:
		c.monitor.Incr(SeriesJobsDeadLettered, 1, tags)
	}
}

// Close detaches from the bus and waits for the consumer to drain.
func (c *Collector) Close(ctx context.Context) {
	c.sub.Close()
	select {
	case <-c.done:
	case <-ctx.Done():
		slog.Warn("monitoring collector close timed out")
	}
}
