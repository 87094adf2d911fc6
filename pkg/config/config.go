// Package config loads server configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	PolicyDir   string
	DataDir     string

	// SQLitePath is used when DatabaseURL is empty (lite mode).
	SQLitePath string

	ArtifactStorageType string
	S3Bucket            string
	S3Region            string
	S3Endpoint          string
	S3Prefix            string
	GCSBucket           string
	GCSPrefix           string

	ToolTimeout time.Duration

	// WASMToolsDir holds <tool_name>.wasm modules served by the sandbox adapter.
	WASMToolsDir string

	RedisAddr      string
	JWTSecret      string
	OTLPEndpoint   string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := env("GOVCORE_DATA_DIR", "data")
	return &Config{
		Port:        env("PORT", "8080"),
		LogLevel:    env("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  env("GOVCORE_SQLITE_PATH", dataDir+"/govcore.db"),
		PolicyDir:   env("POLICY_DIR", "policy"),
		DataDir:     dataDir,

		ArtifactStorageType: env("ARTIFACT_STORAGE_TYPE", "fs"),
		S3Bucket:            os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:            env("ARTIFACT_S3_REGION", "us-east-1"),
		S3Endpoint:          os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:            os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:           os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:           os.Getenv("ARTIFACT_GCS_PREFIX"),

		WASMToolsDir: os.Getenv("WASM_TOOLS_DIR"),
		ToolTimeout:  envDuration("TOOL_TIMEOUT", 30*time.Second),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		JWTSecret:      os.Getenv("JWT_HS256_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 40),
	}
}

// LiteMode reports whether runs and events are kept in SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel maps LogLevel onto slog levels. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
