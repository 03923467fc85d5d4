// Package config loads and validates the watch-party server's environment
// configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/watchsync/party-server/internal/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration.
type Config struct {
	// Required (RedisAddr is read only when Redis is enabled, and defaulted)
	Port      string
	RedisAddr string

	// Optional, defaulted
	GoEnv           string
	LogLevel        string
	RedisEnabled    bool
	RedisPassword   string
	AllowedOrigins  string
	DevelopmentMode bool

	// Domain tuning
	ChatHistoryLimit     int
	SignalingCap         int
	RoomTTLSeconds       int
	IdentityTTLSeconds   int
	CleanupGracePeriodMS int
	ResolverProbeTimeout int // seconds, per HEAD/range probe
	ResolverTotalTimeout int // seconds, total resolution budget

	// Rate limits (ulule/limiter format, e.g. "100-M")
	RateLimitWSConnectIP string
	RateLimitChatUser    string
	RateLimitReactUser   string

	// Tracing
	TracingEnabled  bool
	TracingExporter string
	OTLPEndpoint    string
}

// ValidateEnv reads and validates all environment configuration, returning
// an error listing every problem found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	cfg.ChatHistoryLimit = getEnvIntOrDefault("CHAT_HISTORY_LIMIT", 50)
	cfg.SignalingCap = getEnvIntOrDefault("SIGNALING_CAP", 5)
	cfg.RoomTTLSeconds = getEnvIntOrDefault("ROOM_TTL_SECONDS", 24*60*60)
	cfg.IdentityTTLSeconds = getEnvIntOrDefault("IDENTITY_TTL_SECONDS", 2*60*60)
	cfg.CleanupGracePeriodMS = getEnvIntOrDefault("CLEANUP_GRACE_PERIOD_MS", 5000)
	cfg.ResolverProbeTimeout = getEnvIntOrDefault("RESOLVER_PROBE_TIMEOUT_SECONDS", 5)
	cfg.ResolverTotalTimeout = getEnvIntOrDefault("RESOLVER_TOTAL_TIMEOUT_SECONDS", 10)

	cfg.RateLimitWSConnectIP = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_IP", "100-M")
	cfg.RateLimitChatUser = getEnvOrDefault("RATE_LIMIT_CHAT_USER", "10-M")
	cfg.RateLimitReactUser = getEnvOrDefault("RATE_LIMIT_REACT_USER", "30-M")

	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.TracingExporter = getEnvOrDefault("TRACING_EXPORTER", "stdout")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Int("chat_history_limit", cfg.ChatHistoryLimit),
		zap.Int("signaling_cap", cfg.SignalingCap),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
