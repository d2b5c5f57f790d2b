package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
)

// listLimitMax caps one page of the job list.
const listLimitMax = 100

// JobReader is the owner-scoped read/cancel slice of the store.
type JobReader interface {
	Get(ctx context.Context, jobID, userID string) (domain.Job, error)
	List(ctx context.Context, userID string, limit, offset int) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID, userID string) error
}

// StatusService answers producer-side job queries.
type StatusService struct {
	Store JobReader
}

// NewStatusService constructs a StatusService.
func NewStatusService(store JobReader) StatusService {
	return StatusService{Store: store}
}

// Get returns the caller's job. A job owned by someone else reads as not
// found.
func (s StatusService) Get(ctx context.Context, jobID, userID string) (domain.Job, error) {
	if userID == "" {
		return domain.Job{}, fmt.Errorf("op=usecase.Get: missing user id: %w", domain.ErrUnauthorized)
	}
	job, err := s.Store.Get(ctx, jobID, userID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	return job, nil
}

// List pages the caller's jobs, newest first.
func (s StatusService) List(ctx context.Context, userID string, limit, offset int) ([]domain.Job, error) {
	if userID == "" {
		return nil, fmt.Errorf("op=usecase.List: missing user id: %w", domain.ErrUnauthorized)
	}
	if limit <= 0 || limit > listLimitMax {
		limit = listLimitMax
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.Store.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.List: %w", err)
	}
	return jobs, nil
}

// Cancel cancels the caller's queued job. Processing and terminal jobs are
// not cancellable.
func (s StatusService) Cancel(ctx context.Context, jobID, userID string) error {
	if userID == "" {
		return fmt.Errorf("op=usecase.Cancel: missing user id: %w", domain.ErrUnauthorized)
	}
	if err := s.Store.Cancel(ctx, jobID, userID); err != nil {
		return fmt.Errorf("op=usecase.Cancel: %w", err)
	}
	slog.Info("job cancelled", slog.String("job_id", jobID), slog.String("user_id", userID))
	return nil
}
