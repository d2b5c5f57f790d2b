package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"audio_processing", "text_processing", "transcription_only"}, cfg.Queues)
	assert.Equal(t, 2, cfg.WorkersPerQueue)
	assert.Equal(t, 5*time.Minute, cfg.JobLease)
	assert.Equal(t, 24*time.Hour, cfg.JobRetention)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.DownstreamTimeout)

	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.False(t, cfg.AdminEnabled(), "admin routes stay off without a token hash")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9999")
	t.Setenv("QUEUES", "audio_processing,text_processing")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("ADMIN_TOKEN_HASH", "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, []string{"audio_processing", "text_processing"}, cfg.Queues)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.AdminEnabled())
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("WORKERS_PER_QUEUE", "0")
	_, err := config.Load()
	assert.Error(t, err)

	t.Setenv("WORKERS_PER_QUEUE", "2")
	t.Setenv("JOB_LEASE", "not-a-duration")
	_, err = config.Load()
	assert.Error(t, err)
}
