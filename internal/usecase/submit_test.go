package usecase_test

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/usecase"
)

type fakeCreator struct {
	created *domain.NewJob
	err     error
}

func (f *fakeCreator) Create(_ context.Context, nj domain.NewJob) (domain.Job, error) {
	f.created = &nj
	if f.err != nil {
		return domain.Job{}, f.err
	}
	return domain.Job{
		ID:     "01JTESTJOB",
		UserID: nj.UserID,
		Type:   nj.Type,
		Status: domain.JobQueued,
		Queue:  nj.Type.Queue(),
	}, nil
}

type fakeGate struct{ err error }

func (f fakeGate) GateSubmission() error { return f.err }

func audioRequest() usecase.SubmitRequest {
	return usecase.SubmitRequest{
		Type:    "audio_processing",
		Payload: map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte("RIFF wav bytes"))},
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	t.Parallel()
	store := &fakeCreator{}
	svc := usecase.NewSubmitService(store, fakeGate{})

	req := audioRequest()
	req.SessionID = "sess-9"
	req.MaxRetries = 2

	job, err := svc.Submit(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)

	require.NotNil(t, store.created)
	assert.Equal(t, "u1", store.created.UserID)
	assert.Equal(t, domain.JobTypeAudioProcessing, store.created.Type)
	assert.Equal(t, "sess-9", store.created.SessionID)
	assert.Equal(t, 2, store.created.MaxRetries)
}

func TestSubmit_MissingUserIsUnauthorized(t *testing.T) {
	t.Parallel()
	svc := usecase.NewSubmitService(&fakeCreator{}, nil)

	_, err := svc.Submit(context.Background(), "", audioRequest())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSubmit_RequestValidation(t *testing.T) {
	t.Parallel()
	svc := usecase.NewSubmitService(&fakeCreator{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  usecase.SubmitRequest
	}{
		{"missing type", usecase.SubmitRequest{Payload: map[string]any{"audio": "QQ=="}}},
		{"unknown type", usecase.SubmitRequest{Type: "video_processing", Payload: map[string]any{"audio": "QQ=="}}},
		{"missing payload", usecase.SubmitRequest{Type: "audio_processing"}},
		{"retry budget too large", func() usecase.SubmitRequest {
			r := audioRequest()
			r.MaxRetries = 11
			return r
		}()},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Submit(ctx, "u1", tc.req)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestSubmit_PayloadContractPerType(t *testing.T) {
	t.Parallel()
	svc := usecase.NewSubmitService(&fakeCreator{}, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "u1", usecase.SubmitRequest{
		Type:    "audio_processing",
		Payload: map[string]any{"text": "no audio here"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(ctx, "u1", usecase.SubmitRequest{
		Type:    "transcription_only",
		Payload: map[string]any{"audio": "not//valid==base64!!"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "audio must be base64")

	_, err = svc.Submit(ctx, "u1", usecase.SubmitRequest{
		Type:    "text_processing",
		Payload: map[string]any{"audio": "QQ=="},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "text jobs need payload.text")

	_, err = svc.Submit(ctx, "u1", usecase.SubmitRequest{
		Type:    "text_processing",
		Payload: map[string]any{"text": strings.Repeat("x", 100_001)},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "inline text is bounded")

	_, err = svc.Submit(ctx, "u1", usecase.SubmitRequest{
		Type:    "text_processing",
		Payload: map[string]any{"text": "patient presented with..."},
	})
	assert.NoError(t, err)
}

func TestSubmit_GateRejectsBeforeStore(t *testing.T) {
	t.Parallel()
	store := &fakeCreator{}
	svc := usecase.NewSubmitService(store, fakeGate{err: domain.ErrServiceDegraded})

	_, err := svc.Submit(context.Background(), "u1", audioRequest())
	assert.ErrorIs(t, err, domain.ErrServiceDegraded)
	assert.Nil(t, store.created, "gated submissions never reach the store")

	svc = usecase.NewSubmitService(store, fakeGate{err: domain.ErrMaintenance})
	_, err = svc.Submit(context.Background(), "u1", audioRequest())
	assert.ErrorIs(t, err, domain.ErrMaintenance)
}
