package domain

// ErrorCategory is the classified cause of a downstream or processing
// failure. The retry calculator keys its policy choice on it.
type ErrorCategory string

const (
	CategoryTransientNetwork   ErrorCategory = "transient_network"
	CategoryRateLimited        ErrorCategory = "rate_limited"
	CategoryServiceUnavailable ErrorCategory = "service_unavailable"
	CategoryValidation         ErrorCategory = "validation_error"
	CategoryAuthentication     ErrorCategory = "authentication_error"
	CategoryResourceExhaustion ErrorCategory = "resource_exhaustion"
	CategoryTranscription      ErrorCategory = "transcription_error"
	CategoryAgentService       ErrorCategory = "agent_service_error"
	CategoryDataError          ErrorCategory = "data_error"
	CategoryUnknown            ErrorCategory = "unknown_error"
)

// Retryable reports whether a failure of this category is worth retrying at
// all. Only validation and authentication failures are hopeless regardless
// of attempt count; everything else, a missing or corrupt input included,
// may succeed once the upstream copy is repaired or the service recovers.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryValidation, CategoryAuthentication:
		return false
	}
	return true
}

// Fatal reports whether the category can never succeed on retry.
func (c ErrorCategory) Fatal() bool { return !c.Retryable() }
