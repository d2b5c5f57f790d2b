package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

func TestCanTransition_Graph(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to domain.JobStatus }{
		{domain.JobQueued, domain.JobProcessing},
		{domain.JobQueued, domain.JobCancelled},
		{domain.JobProcessing, domain.JobCompleted},
		{domain.JobProcessing, domain.JobFailed},
		{domain.JobProcessing, domain.JobQueued}, // lease reaping
		{domain.JobFailed, domain.JobRetrying},
		{domain.JobFailed, domain.JobQueued}, // zero-delay retry requeues directly
		{domain.JobFailed, domain.JobDeadLetter},
		{domain.JobRetrying, domain.JobQueued},
		{domain.JobRetrying, domain.JobDeadLetter},
	}
	for _, tc := range allowed {
		assert.True(t, domain.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to domain.JobStatus }{
		{domain.JobCompleted, domain.JobQueued},
		{domain.JobCancelled, domain.JobProcessing},
		{domain.JobDeadLetter, domain.JobQueued},
		{domain.JobProcessing, domain.JobCancelled},
		{domain.JobQueued, domain.JobCompleted},
		{domain.JobFailed, domain.JobProcessing},
	}
	for _, tc := range denied {
		assert.False(t, domain.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobStatus_TerminalStatesAdmitNothing(t *testing.T) {
	t.Parallel()
	all := []domain.JobStatus{
		domain.JobQueued, domain.JobProcessing, domain.JobCompleted,
		domain.JobFailed, domain.JobCancelled, domain.JobRetrying, domain.JobDeadLetter,
	}
	for _, s := range all {
		if !s.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, domain.CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
	assert.True(t, domain.JobDeadLetter.Terminal())
	assert.False(t, domain.JobRetrying.Terminal())
}

func TestJobType_ValidAndQueue(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.JobTypeAudioProcessing.Valid())
	assert.True(t, domain.JobTypeTextProcessing.Valid())
	assert.True(t, domain.JobTypeTranscriptionOnly.Valid())
	assert.False(t, domain.JobType("video_processing").Valid())

	assert.Equal(t, "audio_processing", domain.JobTypeAudioProcessing.Queue())
}

func TestErrorCategory_FatalSet(t *testing.T) {
	t.Parallel()
	fatal := []domain.ErrorCategory{
		domain.CategoryValidation,
		domain.CategoryAuthentication,
	}
	for _, c := range fatal {
		assert.True(t, c.Fatal(), "%s", c)
		assert.False(t, c.Retryable(), "%s", c)
	}
	retryable := []domain.ErrorCategory{
		domain.CategoryTransientNetwork,
		domain.CategoryRateLimited,
		domain.CategoryServiceUnavailable,
		domain.CategoryResourceExhaustion,
		domain.CategoryTranscription,
		domain.CategoryAgentService,
		domain.CategoryDataError,
		domain.CategoryUnknown,
	}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), "%s", c)
	}
}
