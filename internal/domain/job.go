// Package domain defines the entities and invariants of the job-processing
// core: jobs and their lifecycle, worker health, error categories, retry
// policies, degradation levels, and dead-letter entries.
package domain

import "time"

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetrying   JobStatus = "retrying"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
// dead_letter is terminal for the job record itself; a DLQ reprocess clones
// the snapshot into a brand new job id.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobDeadLetter:
		return true
	}
	return false
}

// jobTransitions is the allowed status graph. Every mutation of a job's
// status goes through a compare-and-set against this table.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobQueued},
	JobFailed:     {JobRetrying, JobQueued, JobDeadLetter},
	JobRetrying:   {JobQueued, JobDeadLetter},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to JobStatus) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobType enumerates the kinds of work the pool services.
type JobType string

const (
	JobTypeAudioProcessing   JobType = "audio_processing"
	JobTypeTextProcessing    JobType = "text_processing"
	JobTypeTranscriptionOnly JobType = "transcription_only"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeAudioProcessing, JobTypeTextProcessing, JobTypeTranscriptionOnly:
		return true
	}
	return false
}

// Queue returns the queue a job of this type is enqueued on. Queue names
// mirror job types one-to-one.
func (t JobType) Queue() string { return string(t) }

// Job is a unit of asynchronous work owned by a user.
//
// Invariants: once Terminal(), status never changes (DLQ reprocess creates a
// new id); RetryCount <= MaxRetries; a job id sits on at most one queue list
// at a time.
type Job struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Type          JobType        `json:"type"`
	Status        JobStatus      `json:"status"`
	Queue         string         `json:"queue"`
	Payload       map[string]any `json:"payload,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorCategory ErrorCategory  `json:"error_category,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	SessionID     string         `json:"session_id,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
	NextRetryAt   time.Time      `json:"next_retry_at,omitzero"`
}

// NewJob carries the submitter-provided fields of a job.
type NewJob struct {
	UserID    string
	Type      JobType
	Payload   map[string]any
	SessionID string
	// MaxRetries overrides the per-type default when positive.
	MaxRetries int
}

// QueueStats summarizes one queue for monitoring and admission decisions.
type QueueStats struct {
	Queue      string `json:"queue"`
	Size       int64  `json:"size"`
	Processing int64  `json:"processing"`
	Delayed    int64  `json:"delayed"`
	DLQSize    int64  `json:"dlq_size"`
	AvgAgeMs   int64  `json:"avg_age_ms"`
}

// DLQEntry wraps a job that exhausted its retries.
type DLQEntry struct {
	ID            string        `json:"id"`
	Job           Job           `json:"job"`
	Queue         string        `json:"queue"`
	FailureReason string        `json:"failure_reason"`
	ErrorCategory ErrorCategory `json:"error_category"`
	MovedAt       time.Time     `json:"moved_at"`
	ReprocessedAs string        `json:"reprocessed_as,omitempty"`
	ReprocessedBy string        `json:"reprocessed_by,omitempty"`
	ReprocessedAt time.Time     `json:"reprocessed_at,omitzero"`
}

// JobStatusChanged is published on the in-process event bus for every status
// transition the store performs.
type JobStatusChanged struct {
	JobID  string
	UserID string
	Queue  string
	Type   JobType
	From   JobStatus
	To     JobStatus
	At     time.Time
}
