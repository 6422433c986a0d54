package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"ENV", "WORKER_CONCURRENCY", "QUEUE_BACKEND", "EMBEDDING_DIMENSION", "LOG_FORMAT", "OTEL_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	assert.Equal(t, "development", cfg.Server.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BaseBackoff)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 1536, cfg.Gemini.EmbeddingDimension)
	assert.Equal(t, 512, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 64, cfg.Ingestion.ChunkOverlap)
	assert.False(t, cfg.Log.JSON)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("RETRY_MAX_DELAY", "30s")
	t.Setenv("OTEL_ENABLED", "yes")
	t.Setenv("DB_SSLMODE", "require")

	cfg := FromEnv()

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.True(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.Log.JSON)
	assert.Contains(t, cfg.GetDatabaseDSN(), "sslmode=require")
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("WORKER_POLL_INTERVAL", "soon")

	cfg := FromEnv()

	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
}
