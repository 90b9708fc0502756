/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	BaseURL       string // Public base URL (e.g., http://rooms.example.com)
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MetricsBind   string

	// Catalog lookup (external track metadata resolver)
	CatalogBaseURL string
	CatalogTimeout time.Duration

	// Default room policy, applied when a room is created without overrides.
	DefaultMaxPerContributor int
	DefaultMuteDuration      time.Duration
	DefaultFallbackEnabled   bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	InstanceID    string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("BRAGI_ENV", "development"),
		HTTPBind:      getEnv("BRAGI_HTTP_BIND", "0.0.0.0"),
		HTTPPort:      getEnvInt("BRAGI_HTTP_PORT", 8080),
		BaseURL:       getEnv("BRAGI_BASE_URL", ""),
		DBBackend:     DatabaseBackend(getEnv("BRAGI_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:         getEnv("BRAGI_DB_DSN", ""),
		JWTSigningKey: getEnv("BRAGI_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("BRAGI_METRICS_BIND", "127.0.0.1:9000"),

		CatalogBaseURL: getEnv("BRAGI_CATALOG_BASE_URL", ""),
		CatalogTimeout: time.Duration(getEnvInt("BRAGI_CATALOG_TIMEOUT_MS", 3000)) * time.Millisecond,

		DefaultMaxPerContributor: getEnvInt("BRAGI_DEFAULT_MAX_PER_CONTRIBUTOR", 3),
		DefaultMuteDuration:      time.Duration(getEnvInt("BRAGI_DEFAULT_MUTE_MINUTES", 10)) * time.Minute,
		DefaultFallbackEnabled:   getEnvBool("BRAGI_DEFAULT_FALLBACK_ENABLED", true),

		TracingEnabled:    getEnvBool("BRAGI_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("BRAGI_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("BRAGI_TRACING_SAMPLE_RATE", 1.0),

		RedisAddr:     getEnv("BRAGI_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("BRAGI_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("BRAGI_REDIS_DB", 0),
		NATSURL:       getEnv("BRAGI_NATS_URL", ""),
		InstanceID:    getEnv("BRAGI_INSTANCE_ID", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("BRAGI_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("BRAGI_JWT_SIGNING_KEY must be provided")
	}

	if cfg.DefaultMaxPerContributor <= 0 {
		return nil, fmt.Errorf("BRAGI_DEFAULT_MAX_PER_CONTRIBUTOR must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("BRAGI_JWT_SIGNING_KEY must be at least 32 bytes in production")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
