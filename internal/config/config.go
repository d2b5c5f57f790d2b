// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// It is loaded once in main and passed by value; nothing mutates it afterwards.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"ai-med-transcriber"`
	Port        int    `env:"PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Queues the worker pool services; queue names mirror job types.
	Queues          []string      `env:"QUEUES" envSeparator:"," envDefault:"audio_processing,text_processing,transcription_only"`
	WorkersPerQueue int           `env:"WORKERS_PER_QUEUE" envDefault:"2"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	WorkerStaleAfter  time.Duration `env:"WORKER_STALE_AFTER" envDefault:"60s"`
	// ConsecutiveFailureKill: a worker with this many consecutive failures
	// marks itself failed and exits; the pool respawns a replacement.
	ConsecutiveFailureKill int           `env:"CONSECUTIVE_FAILURE_KILL" envDefault:"5"`
	RespawnDelay           time.Duration `env:"RESPAWN_DELAY" envDefault:"30s"`
	ShutdownGrace          time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// JobLease bounds how long a processing job may sit without its worker
	// finishing before the maintenance sweep requeues it.
	JobLease          time.Duration `env:"JOB_LEASE" envDefault:"5m"`
	MaxRetriesDefault int           `env:"MAX_RETRIES_DEFAULT" envDefault:"3"`
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"24h"`
	DLQRetention      time.Duration `env:"DLQ_RETENTION" envDefault:"168h"`
	DLQMaxLen         int64         `env:"DLQ_MAX_LEN" envDefault:"10000"`

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	BreakerHalfOpenProbes   int           `env:"BREAKER_HALF_OPEN_PROBES" envDefault:"2"`

	DegradeRecomputeInterval time.Duration `env:"DEGRADE_RECOMPUTE_INTERVAL" envDefault:"30s"`
	MetricRingCapacity       int           `env:"METRIC_RING_CAPACITY" envDefault:"10000"`
	AlertEvalInterval        time.Duration `env:"ALERT_EVAL_INTERVAL" envDefault:"60s"`
	// AlertRulesPath optionally points at a YAML file replacing the built-in
	// alert rules.
	AlertRulesPath string `env:"ALERT_RULES_PATH"`

	TranscriberURL    string        `env:"TRANSCRIBER_URL" envDefault:"http://localhost:8081"`
	AgentURL          string        `env:"AGENT_URL" envDefault:"http://localhost:8082"`
	DownstreamTimeout time.Duration `env:"DOWNSTREAM_TIMEOUT" envDefault:"30s"`

	// AdminTokenHash is the argon2id hash the X-Admin-Token header is
	// verified against. Admin routes are disabled when empty.
	AdminTokenHash   string        `env:"ADMIN_TOKEN_HASH"`
	CORSAllowOrigins string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.WorkersPerQueue < 1 {
		return Config{}, fmt.Errorf("op=config.Load: WORKERS_PER_QUEUE must be >= 1")
	}
	if len(cfg.Queues) == 0 {
		return Config{}, fmt.Errorf("op=config.Load: QUEUES must not be empty")
	}
	return cfg, nil
}

// AdminEnabled reports whether admin routes should be mounted.
func (c Config) AdminEnabled() bool { return c.AdminTokenHash != "" }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
