package domain

import "errors"

// Error taxonomy (sentinels). Adapters map driver errors to these at the
// boundary; the HTTP layer maps them to status codes in one place.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrNoJob              = errors.New("no job available")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrServiceDegraded    = errors.New("service degraded")
	ErrMaintenance        = errors.New("maintenance mode")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrJobNotCancellable  = errors.New("job not cancellable")
	ErrInternal           = errors.New("internal error")
)
