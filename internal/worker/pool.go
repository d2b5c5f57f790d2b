package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

// Pool supervises the worker loops: a fixed number per queue, respawned
// after a failure streak kills one, drained cooperatively on shutdown.
type Pool struct {
	cfg       config.Config
	store     JobStore
	dlq       DeadLetter
	registry  *workerhealth.Registry
	processor Processor
	classify  *errclass.Classifier
	degrade   DegradationView
	metrics   MetricSink

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// NewPool wires a pool; Start launches it.
func NewPool(cfg config.Config, store JobStore, dlq DeadLetter, registry *workerhealth.Registry, processor Processor, classify *errclass.Classifier, degrade DegradationView, metrics MetricSink) *Pool {
	return &Pool{
		cfg:       cfg,
		store:     store,
		dlq:       dlq,
		registry:  registry,
		processor: processor,
		classify:  classify,
		degrade:   degrade,
		metrics:   metrics,
		stopped:   make(chan struct{}),
	}
}

// Start launches WorkersPerQueue supervised workers for every configured
// queue.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, queue := range p.cfg.Queues {
		for i := 0; i < p.cfg.WorkersPerQueue; i++ {
			p.wg.Add(1)
			go p.supervise(ctx, queue, i)
		}
	}
	slog.Info("worker pool started",
		slog.Int("queues", len(p.cfg.Queues)),
		slog.Int("workers_per_queue", p.cfg.WorkersPerQueue))
}

// supervise runs one worker slot: when the loop exits on a failure streak,
// a replacement spawns after the respawn delay; shutdown ends the slot.
func (p *Pool) supervise(ctx context.Context, queue string, slot int) {
	defer p.wg.Done()
	for {
		w := p.newWorker(queue, slot)
		reason := w.run(ctx)
		p.registry.Remove(w.id)
		if reason == exitShutdown || ctx.Err() != nil {
			return
		}
		slog.Warn("respawning failed worker",
			slog.String("queue", queue),
			slog.Int("slot", slot),
			slog.Duration("delay", p.cfg.RespawnDelay))
		if !sleepCtx(ctx, p.cfg.RespawnDelay) {
			return
		}
	}
}

func (p *Pool) newWorker(queue string, slot int) *worker {
	suffix := uuid.NewString()[:8]
	return &worker{
		id:           fmt.Sprintf("w-%s-%d-%s", queue, slot, suffix),
		queue:        queue,
		store:        p.store,
		dlq:          p.dlq,
		registry:     p.registry,
		processor:    p.processor,
		classify:     p.classify,
		degrade:      p.degrade,
		metrics:      p.metrics,
		pollInterval: p.cfg.PollInterval,
		jobTimeout:   p.cfg.JobLease,
		killAfter:    int64(p.cfg.ConsecutiveFailureKill),
	}
}

// Stop signals the workers and waits up to the shutdown grace window for
// in-flight jobs to finish. Reports whether the drain completed in time.
func (p *Pool) Stop() bool {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		go func() {
			p.wg.Wait()
			close(p.stopped)
		}()
	})
	select {
	case <-p.stopped:
		slog.Info("worker pool drained")
		return true
	case <-time.After(p.cfg.ShutdownGrace):
		slog.Error("worker pool drain timed out", slog.Duration("grace", p.cfg.ShutdownGrace))
		return false
	}
}
