package redisstore

import "github.com/redis/go-redis/v9"

// Every status mutation is one of these scripts: a compare-and-set on the
// job's status field plus the bookkeeping that must land atomically with it.
// Two workers racing on the same id therefore observe exactly one winner.

// markStartedScript claims a queued job for a worker.
// KEYS[1] = jobs:{id}, KEYS[2] = queue_processing:{queue}
// ARGV[1] = jobID, ARGV[2] = workerID, ARGV[3] = startedAt nanos
// Returns 1 when claimed, 0 when the job is gone or no longer queued.
var markStartedScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'queued' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'processing', 'worker_id', ARGV[2], 'started_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// completeScript finishes a processing job.
// KEYS[1] = jobs:{id}, KEYS[2] = queue_processing:{queue}, KEYS[3] = jobs:terminal
// ARGV[1] = jobID, ARGV[2] = result JSON, ARGV[3] = completedAt nanos,
// ARGV[4] = terminal score ms, ARGV[5] = retention seconds
var completeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[2], 'completed_at', ARGV[3])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// failScript records a processing failure (pre-retry-decision).
// KEYS[1] = jobs:{id}, KEYS[2] = queue_processing:{queue}
// ARGV[1] = jobID, ARGV[2] = error message, ARGV[3] = error category
var failScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error_message', ARGV[2], 'error_category', ARGV[3])
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// retryScript moves a failed job back toward the queue: failed -> retrying,
// bumps retry_count, then either requeues immediately (delay 0) or parks the
// id on the delayed set.
// KEYS[1] = jobs:{id}, KEYS[2] = queue:{queue}, KEYS[3] = queue_delayed:{queue}
// ARGV[1] = jobID, ARGV[2] = nextRetryAt ms (0 = immediate), ARGV[3] = nextRetryAt nanos
// Returns the new retry_count, or 0 when the CAS lost.
var retryScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'failed' then return 0 end
local n = redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
if ARGV[2] == '0' then
  redis.call('HSET', KEYS[1], 'status', 'queued', 'next_retry_at', '0', 'worker_id', '')
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'status', 'retrying', 'next_retry_at', ARGV[3])
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
end
return n
`)

// promoteScript moves due delayed retries onto the live list, preserving
// due-time order. retrying -> queued per member; ids whose record vanished
// are dropped from the set.
// KEYS[1] = queue_delayed:{queue}, KEYS[2] = queue:{queue}
// ARGV[1] = now ms, ARGV[2] = limit, ARGV[3] = job key prefix
// Returns the number promoted.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[3] .. id
  local cur = redis.call('HGET', jk, 'status')
  if cur == 'retrying' then
    redis.call('HSET', jk, 'status', 'queued', 'worker_id', '')
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// cancelScript cancels a queued job owned by the caller.
// KEYS[1] = jobs:{id}, KEYS[2] = queue:{queue}, KEYS[3] = jobs:terminal
// ARGV[1] = jobID, ARGV[2] = userID, ARGV[3] = completedAt nanos,
// ARGV[4] = terminal score ms, ARGV[5] = retention seconds
// Returns 1 cancelled, 0 not cancellable, -1 not found / foreign owner.
var cancelScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if not owner or owner ~= ARGV[2] then return -1 end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'queued' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'completed_at', ARGV[3])
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// deadLetterScript retires an exhausted job: failed|retrying -> dead_letter,
// appends the DLQ entry, caps the DLQ list length.
// KEYS[1] = jobs:{id}, KEYS[2] = dlq:{queue}, KEYS[3] = jobs:terminal,
// KEYS[4] = queue_delayed:{queue}
// ARGV[1] = jobID, ARGV[2] = entry JSON, ARGV[3] = completedAt nanos,
// ARGV[4] = terminal score ms, ARGV[5] = retention seconds, ARGV[6] = dlq max len
var deadLetterScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'failed' and cur ~= 'retrying' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'dead_letter', 'completed_at', ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[6]) - 1)
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// releaseScript returns a processing job to its queue (lease reaping after
// a worker died mid-job). retryCount is left untouched.
// KEYS[1] = jobs:{id}, KEYS[2] = queue_processing:{queue}, KEYS[3] = queue:{queue}
// ARGV[1] = jobID
var releaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'queued', 'worker_id', '', 'started_at', '0')
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
