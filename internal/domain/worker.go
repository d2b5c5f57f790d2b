package domain

import "time"

// WorkerStatus enumerates worker lifecycle states.
type WorkerStatus string

const (
	WorkerActive    WorkerStatus = "active"
	WorkerInactive  WorkerStatus = "inactive"
	WorkerFailed    WorkerStatus = "failed"
	WorkerUnhealthy WorkerStatus = "unhealthy"
)

// WorkerHealth is a snapshot of one worker's registration record.
//
// Invariant: LastHeartbeat is monotonically non-decreasing. A worker whose
// heartbeat age exceeds the staleness cutoff is marked unhealthy by the
// maintenance sweep.
type WorkerHealth struct {
	WorkerID            string        `json:"worker_id"`
	Queue               string        `json:"queue"`
	Status              WorkerStatus  `json:"status"`
	RegisteredAt        time.Time     `json:"registered_at"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	EndTime             time.Time     `json:"end_time,omitzero"`
	ProcessedJobs       int64         `json:"processed_jobs"`
	FailedJobs          int64         `json:"failed_jobs"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time_ms"`
}

// SystemHealthReport aggregates the registry into one score.
// HealthScore is in [0,100]: 40% active-worker ratio, 30% success ratio,
// 30% inverse queue saturation.
type SystemHealthReport struct {
	HealthScore    float64            `json:"health_score"`
	TotalWorkers   int                `json:"total_workers"`
	ActiveWorkers  int                `json:"active_workers"`
	FailedWorkers  int                `json:"failed_workers"`
	ProcessedJobs  int64              `json:"processed_jobs"`
	FailedJobs     int64              `json:"failed_jobs"`
	QueueDepths    map[string]int64   `json:"queue_depths"`
	Workers        []WorkerHealth     `json:"workers"`
	GeneratedAt    time.Time          `json:"generated_at"`
}
