package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sfgonsio/AI-Legal-Service/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "GOVCORE_SQLITE_PATH", "GOVCORE_DATA_DIR", "POLICY_DIR",
		"ARTIFACT_STORAGE_TYPE", "ARTIFACT_S3_BUCKET", "REDIS_ADDR", "JWT_HS256_SECRET",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TOOL_TIMEOUT", "WASM_TOOLS_DIR",
	} {
		t.Setenv(k, "")
	}
}

// The server boots in lite mode with no environment at all.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "data/govcore.db", cfg.SQLitePath)
	assert.Equal(t, "fs", cfg.ArtifactStorageType)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.InDelta(t, 20.0, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "evidence")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("TOOL_TIMEOUT", "750ms")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "s3", cfg.ArtifactStorageType)
	assert.Equal(t, "evidence", cfg.S3Bucket)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, 750*time.Millisecond, cfg.ToolTimeout)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_RPS", "fast")
	t.Setenv("RATE_LIMIT_BURST", "many")
	t.Setenv("TOOL_TIMEOUT", "-1s")

	cfg := config.Load()

	assert.InDelta(t, 20.0, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
}
