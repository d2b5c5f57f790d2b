package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/usecase"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

func newTestAdmin(t *testing.T) (usecase.AdminService, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(rdb, redisstore.Options{
		Queues:       []string{"audio_processing", "text_processing", "transcription_only"},
		JobRetention: time.Hour,
	}, nil)
	monitor := monitoring.NewMonitor(100)
	svc := usecase.AdminService{
		Store:    store,
		DLQ:      redisstore.NewDLQ(store),
		Registry: workerhealth.NewRegistry(time.Minute),
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1}, nil),
		Degrade:  degradation.NewController(nil, nil, nil, time.Minute),
		Monitor:  monitor,
		Alerts:   monitoring.NewAlertEngine(monitor, nil, rdb),
	}
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return svc, cleanup
}

func TestAdmin_DLQListValidatesQueue(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.DLQList(ctx, "no_such_queue", 10, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := svc.DLQList(ctx, "audio_processing", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdmin_DLQReprocessFlow(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.DLQReprocess(ctx, "no_such_queue", "e1", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Drive a job into the DLQ, then reprocess it through the admin surface.
	job, err := svc.Store.Create(ctx, domain.NewJob{
		UserID:  "u1",
		Type:    domain.JobTypeAudioProcessing,
		Payload: map[string]any{"audio": "UklGRg=="},
	})
	require.NoError(t, err)
	claimed, err := svc.Store.MarkStarted(ctx, job.ID, job.Queue, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, svc.Store.Fail(ctx, job.ID, job.Queue, "exhausted", domain.CategoryTranscription))
	dead, err := svc.Store.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	entry, err := svc.DLQ.Move(ctx, dead, "exhausted", domain.CategoryTranscription)
	require.NoError(t, err)

	clone, err := svc.DLQReprocess(ctx, job.Queue, entry.ID, "admin@ops")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, clone.ID)
	assert.Equal(t, domain.JobQueued, clone.Status)
}

func TestAdmin_QueueStatsIncludesDLQSize(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()

	stats, err := svc.QueueStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 3)
	for _, st := range stats {
		assert.Zero(t, st.Size)
		assert.Zero(t, st.DLQSize)
	}
}

func TestAdmin_DegradationOverrideValidation(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()

	err := svc.SetDegradationOverride("catastrophic", "because", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = svc.SetDegradationOverride("maintenance", "", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "a reason is mandatory")

	require.NoError(t, svc.SetDegradationOverride("maintenance", "redis upgrade", "admin@ops"))
	assert.Equal(t, domain.DegradationMaintenance, svc.Degrade.Level())

	health := svc.Health(context.Background())
	assert.Equal(t, "maintenance", health.Degradation)
	require.NotNil(t, health.Override)
	assert.Equal(t, "redis upgrade", health.Override.Reason)

	svc.ClearDegradationOverride(context.Background())
	assert.Nil(t, svc.Degrade.CurrentOverride())
}

func TestAdmin_ResetBreaker(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()

	err := svc.ResetBreaker("unknown-service", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	svc.Breakers.Get("transcription").OnFailure(errors.New("boom"))
	require.Equal(t, circuitbreaker.StateOpen, svc.Breakers.Get("transcription").State())

	require.NoError(t, svc.ResetBreaker("transcription", "admin@ops"))
	assert.Equal(t, circuitbreaker.StateClosed, svc.Breakers.Get("transcription").State())
}

func TestAdmin_MetricQuery(t *testing.T) {
	t.Parallel()
	svc, cleanup := newTestAdmin(t)
	defer cleanup()

	_, err := svc.MetricQuery("", time.Hour)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	svc.Monitor.Record(monitoring.SeriesQueueDepth, 7, nil)
	pts, err := svc.MetricQuery(monitoring.SeriesQueueDepth, 0) // clamps to the default window
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 7.0, pts[0].Value)

	assert.Contains(t, svc.MetricNames(), monitoring.SeriesQueueDepth)
}
