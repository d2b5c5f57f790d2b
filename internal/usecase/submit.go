// Package usecase holds the application services the transports call into:
// job submission, status and lifecycle queries, and admin operations. The
// services validate input, enforce degradation gating, and delegate
// persistence to the Redis store.
package usecase

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// maxAudioBytes bounds the decoded audio payload (25 MiB).
const maxAudioBytes = 25 << 20

// maxTextChars bounds inline text payloads.
const maxTextChars = 100_000

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Type      string         `json:"type" validate:"required,oneof=audio_processing text_processing transcription_only"`
	Payload   map[string]any `json:"payload" validate:"required"`
	SessionID string         `json:"session_id" validate:"omitempty,max=128"`
	// MaxRetries overrides the per-type default when positive.
	MaxRetries int `json:"max_retries" validate:"omitempty,min=0,max=10"`
}

// SubmissionGate rejects new work while the system is degraded.
type SubmissionGate interface {
	GateSubmission() error
}

// JobCreator is the slice of the store submission needs.
type JobCreator interface {
	Create(ctx context.Context, nj domain.NewJob) (domain.Job, error)
}

// SubmitService accepts jobs into the system.
type SubmitService struct {
	Store    JobCreator
	Gate     SubmissionGate
	validate *validator.Validate
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(store JobCreator, gate SubmissionGate) SubmitService {
	return SubmitService{Store: store, Gate: gate, validate: validator.New()}
}

// Submit validates the request, applies the degradation gate, and enqueues
// the job. The returned job is in status queued.
func (s SubmitService) Submit(ctx context.Context, userID string, req SubmitRequest) (domain.Job, error) {
	if userID == "" {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: missing user id: %w", domain.ErrUnauthorized)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %s: %w", validationDetail(err), domain.ErrInvalidArgument)
	}
	jt := domain.JobType(req.Type)
	if err := validatePayload(jt, req.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	if s.Gate != nil {
		if err := s.Gate.GateSubmission(); err != nil {
			return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w", err)
		}
	}

	job, err := s.Store.Create(ctx, domain.NewJob{
		UserID:     userID,
		Type:       jt,
		Payload:    req.Payload,
		SessionID:  req.SessionID,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	slog.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.String("type", string(job.Type)))
	return job, nil
}

// validatePayload enforces the per-type payload contract at the intake
// boundary; the store and queues treat payloads as opaque after this point.
func validatePayload(jt domain.JobType, payload map[string]any) error {
	switch jt {
	case domain.JobTypeAudioProcessing, domain.JobTypeTranscriptionOnly:
		audio, _ := payload["audio"].(string)
		if audio == "" {
			return fmt.Errorf("payload.audio is required for %s: %w", jt, domain.ErrInvalidArgument)
		}
		n := base64.StdEncoding.DecodedLen(len(audio))
		if n > maxAudioBytes {
			return fmt.Errorf("payload.audio exceeds %d bytes: %w", maxAudioBytes, domain.ErrInvalidArgument)
		}
		if _, err := base64.StdEncoding.DecodeString(audio[:min(len(audio), 512)]); err != nil {
			return fmt.Errorf("payload.audio is not valid base64: %w", domain.ErrInvalidArgument)
		}
	case domain.JobTypeTextProcessing:
		text, _ := payload["text"].(string)
		if text == "" {
			return fmt.Errorf("payload.text is required for %s: %w", jt, domain.ErrInvalidArgument)
		}
		if len(text) > maxTextChars {
			return fmt.Errorf("payload.text exceeds %d characters: %w", maxTextChars, domain.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown job type %q: %w", jt, domain.ErrInvalidArgument)
	}
	return nil
}

// validationDetail flattens validator errors into one readable line.
func validationDetail(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}
