package main

import (
	"log/slog"
	"time"

	"github.com/modelplane-io/modelplane/internal/config"
)

// ServerConfig holds the control-plane process settings, loaded from ENV.
type ServerConfig struct {
	LogLevel slog.Level

	// MetricsAddr is the listen address for /metrics and /healthz.
	MetricsAddr string

	// ArtifactDir is the artifact store root.
	ArtifactDir string

	// CacheEnabled turns on the Redis feature cache tier. Without it the
	// inference service serves only request-supplied features.
	CacheEnabled   bool
	CacheMemoryCap int
	CacheMemoryTTL time.Duration
	ResolveTimeout time.Duration

	// PredictRateLimit caps predictions per second.
	PredictRateLimit float64
	// SpillPath is where the prediction log overflows to. Empty drops on
	// overflow.
	SpillPath string

	// PrimaryMetric drives retrain comparison and promotion.
	PrimaryMetric string

	// BiasConfigPath points at the YAML protected-attributes file. Empty
	// disables bias monitoring.
	BiasConfigPath string
	// MonitorWindow is the monitoring lookback.
	MonitorWindow time.Duration

	// Scheduler knobs.
	PollInterval  time.Duration
	JobLease      time.Duration
	JobMaxRetries int

	ShutdownTimeout time.Duration
}

// LoadServerConfig reads the control-plane configuration from ENV with
// production defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		LogLevel: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),

		MetricsAddr: config.GetEnvStr("METRICS_ADDR", ":9090"),

		ArtifactDir: config.GetEnvStr("ARTIFACT_DIR", "./data/artifacts"),

		CacheEnabled:   config.GetEnvBool("FEATURE_CACHE_ENABLED", false),
		CacheMemoryCap: config.GetEnvInt("FEATURE_CACHE_MEMORY_CAP", 10000),
		CacheMemoryTTL: config.GetEnvDuration("FEATURE_CACHE_MEMORY_TTL", time.Minute),
		ResolveTimeout: config.GetEnvDuration("FEATURE_RESOLVE_TIMEOUT", 50*time.Millisecond),

		PredictRateLimit: config.GetEnvFloat("PREDICT_RATE_LIMIT", 1000),
		SpillPath:        config.GetEnvStr("PREDICTION_SPILL_PATH", "./data/predictions.spill"),

		PrimaryMetric: config.GetEnvStr("RETRAIN_PRIMARY_METRIC", "f1"),

		BiasConfigPath: config.GetEnvStr("BIAS_CONFIG_PATH", ""),
		MonitorWindow:  config.GetEnvDuration("MONITOR_WINDOW", 7*24*time.Hour),

		PollInterval:  config.GetEnvDuration("JOB_POLL_INTERVAL", time.Second),
		JobLease:      config.GetEnvDuration("JOB_LEASE", 30*time.Minute),
		JobMaxRetries: config.GetEnvInt("JOB_MAX_RETRIES", 3),

		ShutdownTimeout: config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
