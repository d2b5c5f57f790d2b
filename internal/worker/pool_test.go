package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

type idleProcessor struct{}

func (idleProcessor) Process(context.Context, domain.Job) (map[string]any, *ProcessError) {
	return map[string]any{"ok": true}, nil
}

func poolConfig() config.Config {
	return config.Config{
		Queues:                 []string{"audio_processing", "text_processing"},
		WorkersPerQueue:        2,
		PollInterval:           10 * time.Millisecond,
		JobLease:               time.Second,
		ConsecutiveFailureKill: 2,
		RespawnDelay:           10 * time.Millisecond,
		ShutdownGrace:          time.Second,
	}
}

func TestPool_StartRegistersWorkersAndStopDrains(t *testing.T) {
	t.Parallel()
	registry := workerhealth.NewRegistry(time.Minute)
	p := NewPool(poolConfig(), &fakeJobStore{}, &fakeDLQ{}, registry, idleProcessor{}, errclass.New(), nil, nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(registry.Snapshot()) == 4
	}, time.Second, 5*time.Millisecond, "two workers per queue register themselves")

	assert.True(t, p.Stop(), "idle workers drain inside the grace window")
	assert.Empty(t, registry.Snapshot(), "drained workers leave the registry")
}

func TestPool_RespawnsAfterFailureStreak(t *testing.T) {
	t.Parallel()
	registry := workerhealth.NewRegistry(time.Minute)
	cfg := poolConfig()
	cfg.Queues = []string{"audio_processing"}
	cfg.WorkersPerQueue = 1

	job := domain.Job{ID: "j1", Queue: "audio_processing", Type: domain.JobTypeAudioProcessing}
	store := &fakeJobStore{dequeueJob: &job, outcome: redisstore.RetryOutcome{ShouldRetry: true}}
	p := NewPool(cfg, store, &fakeDLQ{}, registry, panickyProcessor{}, errclass.New(), nil, nil)

	p.Start(context.Background())

	// The first worker dies after two failures; the supervisor replaces it.
	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		for _, w := range registry.Snapshot() {
			seen[w.WorkerID] = true
		}
		return len(seen) >= 2
	}, 2*time.Second, 5*time.Millisecond, "a replacement worker id shows up")

	assert.True(t, p.Stop())
}

func TestPool_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	p := NewPool(poolConfig(), &fakeJobStore{}, &fakeDLQ{}, workerhealth.NewRegistry(time.Minute), idleProcessor{}, errclass.New(), nil, nil)
	p.Start(context.Background())

	assert.True(t, p.Stop())
	assert.True(t, p.Stop(), "second Stop observes the already-closed drain")
}
