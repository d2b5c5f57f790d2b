package redisstore_test

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
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
)

func newTestStore(t *testing.T) (*redisstore.Store, func()) {
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
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return store, cleanup
}

func audioJob(t *testing.T, s *redisstore.Store, userID string) domain.Job {
	t.Helper()
	job, err := s.Create(context.Background(), domain.NewJob{
		UserID:  userID,
		Type:    domain.JobTypeAudioProcessing,
		Payload: map[string]any{"audio": "UklGRg=="},
	})
	require.NoError(t, err)
	return job
}

// claim moves a fresh job to processing the way a worker would.
func claim(t *testing.T, s *redisstore.Store, job domain.Job) {
	t.Helper()
	got, err := s.Dequeue(context.Background(), job.Queue, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	claimed, err := s.MarkStarted(context.Background(), job.ID, job.Queue, "w-test-1")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestCreate_DefaultsAndValidation(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, "audio_processing", job.Queue)
	assert.Equal(t, 5, job.MaxRetries, "audio jobs inherit the per-type retry budget")

	_, err := s.Create(ctx, domain.NewJob{Type: domain.JobTypeAudioProcessing, Payload: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "user id required")

	_, err = s.Create(ctx, domain.NewJob{UserID: "u1", Type: "video_processing", Payload: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "unknown type")

	_, err = s.Create(ctx, domain.NewJob{UserID: "u1", Type: domain.JobTypeAudioProcessing})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "payload required")
}

func TestCreate_MaxRetriesOverride(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()

	job, err := s.Create(context.Background(), domain.NewJob{
		UserID:     "u1",
		Type:       domain.JobTypeTextProcessing,
		Payload:    map[string]any{"text": "hi"},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, job.MaxRetries)
}

func TestCreate_ConfiguredDefaultBudget(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := redisstore.New(rdb, redisstore.Options{
		Queues:            []string{"transcription_only"},
		MaxRetriesDefault: 7,
	}, nil)

	// Types without a tuned per-type budget take the store's default.
	job, err := s.Create(context.Background(), domain.NewJob{
		UserID:  "u1",
		Type:    domain.JobTypeTranscriptionOnly,
		Payload: map[string]any{"audio": "UklGRg=="},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, job.MaxRetries)

	// Tuned types keep their own budget regardless of the knob.
	audio, err := s.Create(context.Background(), domain.NewJob{
		UserID:  "u1",
		Type:    domain.JobTypeAudioProcessing,
		Payload: map[string]any{"audio": "UklGRg=="},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, audio.MaxRetries)
}

func TestGet_OwnerScoped(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")

	got, err := s.Get(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = s.Get(ctx, job.ID, "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign jobs read as missing")

	_, err = s.Get(ctx, "no-such-id", "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err = s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestList_NewestFirstAndScoped(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()

	first := audioJob(t, s, "u1")
	second := audioJob(t, s, "u1")
	third := audioJob(t, s, "u1")
	foreign := audioJob(t, s, "u2")

	jobs, err := s.List(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, third.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)
	assert.Equal(t, first.ID, jobs[2].ID)
	for _, j := range jobs {
		assert.NotEqual(t, foreign.ID, j.ID)
	}

	page, err := s.List(context.Background(), "u1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, second.ID, page[0].ID)
}

func TestDequeue_EmptyQueueTimesOut(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, err := s.Dequeue(context.Background(), "audio_processing", 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrNoJob)
}

func TestMarkStarted_SingleWinner(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")

	claimed, err := s.MarkStarted(ctx, job.ID, job.Queue, "w-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.MarkStarted(ctx, job.ID, job.Queue, "w-b")
	require.NoError(t, err)
	assert.False(t, claimed, "second claimant loses the CAS")

	got, err := s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.Equal(t, "w-a", got.WorkerID)
	assert.False(t, got.StartedAt.IsZero())
}

func TestComplete_StoresResultOnce(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	claim(t, s, job)

	err := s.Complete(ctx, job.ID, job.Queue, map[string]any{"note": "SOAP text"})
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "SOAP text", got.Result["note"])
	assert.False(t, got.CompletedAt.IsZero())

	err = s.Complete(ctx, job.ID, job.Queue, map[string]any{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal jobs reject further transitions")
}

func TestFail_ThenImmediateRetryRequeues(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	claim(t, s, job)

	require.NoError(t, s.Fail(ctx, job.ID, job.Queue, "connection refused", domain.CategoryTransientNetwork))

	got, err := s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	assert.Equal(t, domain.CategoryTransientNetwork, got.ErrorCategory)

	require.NoError(t, s.ScheduleRetry(ctx, job.ID, job.Queue, 0))

	got, err = s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)

	// The id is back on the live list and claimable again.
	requeued, err := s.Dequeue(ctx, job.Queue, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job.ID, requeued.ID)
}

func TestScheduleRetry_DelayedThenPromoted(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	claim(t, s, job)
	require.NoError(t, s.Fail(ctx, job.ID, job.Queue, "503", domain.CategoryServiceUnavailable))

	require.NoError(t, s.ScheduleRetry(ctx, job.ID, job.Queue, 30*time.Millisecond))

	got, err := s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRetrying, got.Status)
	assert.False(t, got.NextRetryAt.IsZero())

	n, err := s.PromoteDue(ctx, job.Queue, 100)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	time.Sleep(50 * time.Millisecond)

	n, err = s.PromoteDue(ctx, job.Queue, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
}

func TestScheduleRetry_RequiresFailedStatus(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()

	job := audioJob(t, s, "u1")
	err := s.ScheduleRetry(context.Background(), job.ID, job.Queue, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel_Semantics(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")

	err := s.Cancel(ctx, job.ID, "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign cancel reads as missing")

	require.NoError(t, s.Cancel(ctx, job.ID, "u1"))
	got, err := s.Get(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	// Cancelled jobs never surface on the queue again.
	_, err = s.Dequeue(ctx, job.Queue, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrNoJob)

	processing := audioJob(t, s, "u1")
	claim(t, s, processing)
	err = s.Cancel(ctx, processing.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable, "processing jobs cannot be cancelled")
}

func TestReleaseLease_RequeuesProcessingJob(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	claim(t, s, job)

	released, err := s.ReleaseLease(ctx, job.ID, job.Queue)
	require.NoError(t, err)
	assert.True(t, released)

	got, err := s.AdminGet(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, job.RetryCount, got.RetryCount, "reaping does not burn a retry attempt")

	ids, err := s.ProcessingJobs(ctx, job.Queue)
	require.NoError(t, err)
	assert.Empty(t, ids)

	released, err = s.ReleaseLease(ctx, job.ID, job.Queue)
	require.NoError(t, err)
	assert.False(t, released, "only processing jobs can be released")
}

func TestQueueStats_Counts(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	inflight := audioJob(t, s, "u1")
	claim(t, s, inflight)
	_ = audioJob(t, s, "u1") // stays queued

	st, err := s.QueueStats(ctx, "audio_processing")
	require.NoError(t, err)
	assert.Equal(t, "audio_processing", st.Queue)
	assert.Equal(t, int64(1), st.Size)
	assert.Equal(t, int64(1), st.Processing)
	assert.Zero(t, st.Delayed)
}

func TestPurgeTerminalBefore_DropsRecordAndIndex(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := audioJob(t, s, "u1")
	claim(t, s, job)
	require.NoError(t, s.Complete(ctx, job.ID, job.Queue, map[string]any{"ok": true}))

	keep := audioJob(t, s, "u1")

	purged, err := s.PurgeTerminalBefore(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, purged, "only terminal jobs are purge candidates")

	_, err = s.Get(ctx, job.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	jobs, err := s.List(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, keep.ID, jobs[0].ID)
}

type fakeCircuits struct{ open, halfOpen bool }

func (f fakeCircuits) IsOpen(string) bool     { return f.open }
func (f fakeCircuits) IsHalfOpen(string) bool { return f.halfOpen }

type fakeHealth struct{ score float64 }

func (f fakeHealth) HealthScore(context.Context) float64 { return f.score }

func failJob(t *testing.T, s *redisstore.Store, msg string, category domain.ErrorCategory) domain.Job {
	t.Helper()
	job := audioJob(t, s, "u1")
	claim(t, s, job)
	require.NoError(t, s.Fail(context.Background(), job.ID, job.Queue, msg, category))
	return job
}

func TestIncrementRetry_RetryableSchedulesRequeue(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	s.WireAdaptive(errclass.New(), fakeCircuits{}, fakeHealth{score: 100})

	job := failJob(t, s, "dial tcp: connection refused", domain.CategoryTransientNetwork)

	out, err := s.IncrementRetry(context.Background(), job.ID, errclass.ServiceTranscription, errors.New("dial tcp: connection refused"))
	require.NoError(t, err)
	assert.True(t, out.ShouldRetry)
	assert.False(t, out.Terminal)
	assert.Equal(t, domain.CategoryTransientNetwork, out.Category)
	assert.Equal(t, 1, out.RetryCount)

	got, err := s.AdminGet(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, []domain.JobStatus{domain.JobQueued, domain.JobRetrying}, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestIncrementRetry_FatalCategoryIsTerminal(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	s.WireAdaptive(errclass.New(), fakeCircuits{}, fakeHealth{score: 100})

	job := failJob(t, s, "validation failed on field audio", domain.CategoryValidation)

	out, err := s.IncrementRetry(context.Background(), job.ID, errclass.ServiceTranscription, errors.New("validation failed on field audio"))
	require.NoError(t, err)
	assert.False(t, out.ShouldRetry)
	assert.True(t, out.Terminal)

	got, err := s.AdminGet(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status, "the dead-letter move is the caller's decision")
}

func TestIncrementRetry_OpenBreakerIsTerminal(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	s.WireAdaptive(errclass.New(), fakeCircuits{open: true}, fakeHealth{score: 100})

	job := failJob(t, s, "503 service unavailable", domain.CategoryServiceUnavailable)

	out, err := s.IncrementRetry(context.Background(), job.ID, errclass.ServiceTranscription, errors.New("503 service unavailable"))
	require.NoError(t, err)
	assert.False(t, out.ShouldRetry)
	assert.True(t, out.Terminal)
	assert.Contains(t, out.Reason, "circuit breaker open")
}

func TestIncrementRetry_ExhaustedAttemptsAreTerminal(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestStore(t)
	defer cleanup()
	s.WireAdaptive(errclass.New(), fakeCircuits{}, fakeHealth{score: 100})
	ctx := context.Background()

	job, err := s.Create(ctx, domain.NewJob{
		UserID:     "u1",
		Type:       domain.JobTypeAudioProcessing,
		Payload:    map[string]any{"audio": "UklGRg=="},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	claim(t, s, job)
	require.NoError(t, s.Fail(ctx, job.ID, job.Queue, "connection refused", domain.CategoryTransientNetwork))

	// Burn the single attempt with an immediate requeue, then fail again.
	require.NoError(t, s.ScheduleRetry(ctx, job.ID, job.Queue, 0))
	claim(t, s, job)
	require.NoError(t, s.Fail(ctx, job.ID, job.Queue, "connection refused", domain.CategoryTransientNetwork))

	out, err := s.IncrementRetry(ctx, job.ID, errclass.ServiceTranscription, errors.New("connection refused"))
	require.NoError(t, err)
	assert.False(t, out.ShouldRetry)
	assert.True(t, out.Terminal)
	assert.Contains(t, out.Reason, "exhausted")
}
