package redisstore

// Redis key conventions. Every durable record of the core lives under one
// of these keys; no other component writes them.
const (
	keyJobPrefix        = "jobs:"             // jobs:{jobId} hash
	keyUserJobsPrefix   = "user_jobs:"        // user_jobs:{userId} zset scored by createdAt ms
	keyQueuePrefix      = "queue:"            // queue:{queue} list (FIFO)
	keyDelayedPrefix    = "queue_delayed:"    // queue_delayed:{queue} zset scored by nextRetryAt ms
	keyProcessingPrefix = "queue_processing:" // queue_processing:{queue} set of in-flight ids
	keyTerminal         = "jobs:terminal"     // zset of terminal ids scored by terminal-at ms
	keyDLQPrefix        = "dlq:"              // dlq:{queue} list of DLQEntry JSON
)

func jobKey(jobID string) string        { return keyJobPrefix + jobID }
func userJobsKey(userID string) string  { return keyUserJobsPrefix + userID }
func queueKey(queue string) string      { return keyQueuePrefix + queue }
func delayedKey(queue string) string    { return keyDelayedPrefix + queue }
func processingKey(queue string) string { return keyProcessingPrefix + queue }
func dlqKey(queue string) string        { return keyDLQPrefix + queue }
