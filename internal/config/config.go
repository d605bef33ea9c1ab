package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName          string
	AppVersion       string
	LogLevel         string
	HTTPListenAddr   string
	MetricsAddr      string
	OTLPEndpoint     string
	TraceSampleRatio float64
	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration

	JWTSecret string
	JWTIssuer string

	PostgresURL   string
	AuthzAllowAll bool
	AuthzTimeout  time.Duration

	// AuthzCacheTTL keeps positive membership answers; zero disables the cache.
	AuthzCacheTTL  time.Duration
	AuthzCacheSize int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AllowedOrigins     []string
	SendBuffer         int
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	WriteTimeout       time.Duration
}

// Load reads configuration from the environment while applying sensible defaults
// for local development.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", "canvas-relay"),
		AppVersion:       getEnv("APP_VERSION", "dev"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:      getEnv("METRICS_LISTEN_ADDR", ":9090"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getFloat("TRACE_SAMPLE_RATIO", 1),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: os.Getenv("JWT_ISSUER"),

		PostgresURL:    os.Getenv("POSTGRES_URL"),
		AuthzAllowAll:  getBool("AUTHZ_ALLOW_ALL", false),
		AuthzTimeout:   getDuration("RELAY_AUTHZ_TIMEOUT", 5*time.Second),
		AuthzCacheTTL:  getDuration("RELAY_AUTHZ_CACHE_TTL", 0),
		AuthzCacheSize: getInt("RELAY_AUTHZ_CACHE_SIZE", 4096),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		AllowedOrigins:     getCSV("RELAY_ALLOWED_ORIGINS"),
		SendBuffer:         getInt("RELAY_SEND_BUFFER", 256),
		HeartbeatInterval:  getDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTolerance: getInt("RELAY_HEARTBEAT_TOLERANCE", 2),
		WriteTimeout:       getDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET must be provided")
	}
	if cfg.PostgresURL == "" && !cfg.AuthzAllowAll {
		return Config{}, errors.New("POSTGRES_URL must be provided unless AUTHZ_ALLOW_ALL is set")
	}
	if cfg.HealthcheckProbe <= 0 {
		return Config{}, errors.New("HEALTHCHECK_INTERVAL must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.AuthzTimeout < 0 {
		cfg.AuthzTimeout = 0
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getParsed returns fallback when key is unset or fails to parse.
func getParsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	return getParsed(key, fallback, strconv.Atoi)
}

func getBool(key string, fallback bool) bool {
	return getParsed(key, fallback, strconv.ParseBool)
}

func getDuration(key string, fallback time.Duration) time.Duration {
	return getParsed(key, fallback, time.ParseDuration)
}

func getFloat(key string, fallback float64) float64 {
	return getParsed(key, fallback, func(raw string) (float64, error) {
		return strconv.ParseFloat(raw, 64)
	})
}

func getCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
