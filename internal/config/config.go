package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/localrivet/configurator"
)

// Config represents the code index configuration
type Config struct {
	// Store contains storage-related configuration.
	Store struct {
		// SQLitePath is the path to the SQLite database file.
		SQLitePath string `json:"sqlite_path" env:"SQLITE_PATH" validate:"required"`

		// FlushDebounceMs is the quiescence window before buffered writes
		// are committed to disk.
		FlushDebounceMs int `json:"flush_debounce_ms" env:"FLUSH_DEBOUNCE_MS" validate:"min:1"`
	} `json:"store"`

	// Embedder contains embedding-related configuration.
	Embedder struct {
		// Provider is the name of the embedding backend to use.
		Provider string `json:"provider" env:"EMBEDDER_PROVIDER"`

		// Dimensions is the number of dimensions for the embeddings.
		Dimensions int `json:"dimensions" env:"EMBEDDER_DIMENSIONS" validate:"min:1"`
	} `json:"embedder"`

	// Descriptions configures the chunk-description provider backend.
	Descriptions struct {
		// Provider selects the text-generation backend ("anthropic",
		// "openai", "google", "xai", "mock"). Empty disables descriptions.
		Provider string `json:"provider" env:"DESCRIPTIONS_PROVIDER"`

		// ModelID overrides the provider's default model.
		ModelID string `json:"model_id" env:"DESCRIPTIONS_MODEL_ID"`

		// ApiKey is the API key for the description provider.
		ApiKey string `json:"api_key" env:"DESCRIPTIONS_API_KEY"`

		// MaxLength caps generated descriptions, in characters.
		MaxLength int `json:"max_length" env:"DESCRIPTIONS_MAX_LENGTH" validate:"min:1"`
	} `json:"descriptions"`

	// Pipeline contains batch-processing configuration.
	Pipeline struct {
		// BatchSize is the number of chunks per batch.
		BatchSize int `json:"batch_size" env:"PIPELINE_BATCH_SIZE" validate:"min:1"`

		// MaxRetries is the number of attempts per batch.
		MaxRetries int `json:"max_retries" env:"PIPELINE_MAX_RETRIES" validate:"min:1"`

		// RetryDelayMs is the base backoff between batch attempts; the wait
		// grows linearly with the attempt number.
		RetryDelayMs int `json:"retry_delay_ms" env:"PIPELINE_RETRY_DELAY_MS" validate:"min:1"`

		// RequestsPerMinute bounds remote provider calls.
		RequestsPerMinute int `json:"requests_per_minute" env:"PIPELINE_REQUESTS_PER_MINUTE" validate:"min:1"`

		// BatchDelayMs is the fixed pause between remote batches.
		BatchDelayMs int `json:"batch_delay_ms" env:"PIPELINE_BATCH_DELAY_MS" validate:"min:0"`
	} `json:"pipeline"`

	// Safeguards contains resource limits and breaker settings.
	Safeguards struct {
		// MaxMemoryMB is the resident-set hard ceiling.
		MaxMemoryMB float64 `json:"max_memory_mb" env:"MAX_MEMORY_MB" validate:"min:1"`

		// MaxHeapMB is the heap ceiling.
		MaxHeapMB float64 `json:"max_heap_mb" env:"MAX_HEAP_MB" validate:"min:1"`

		// MaxCpuPercent is the CPU usage ceiling.
		MaxCpuPercent float64 `json:"max_cpu_percent" env:"MAX_CPU_PERCENT" validate:"min:1"`

		// GcThresholdMB is the heap level that triggers a forced GC.
		GcThresholdMB float64 `json:"gc_threshold_mb" env:"GC_THRESHOLD_MB" validate:"min:1"`

		// AlertThresholdMB is the resident-set level that logs an alert.
		AlertThresholdMB float64 `json:"alert_threshold_mb" env:"ALERT_THRESHOLD_MB" validate:"min:1"`

		// BreakerFailureThreshold is the consecutive-failure count that
		// opens the circuit breaker.
		BreakerFailureThreshold int `json:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" validate:"min:1"`

		// BreakerCooldownMs is how long the breaker stays open.
		BreakerCooldownMs int `json:"breaker_cooldown_ms" env:"BREAKER_COOLDOWN_MS" validate:"min:1"`

		// MonitorIntervalMs is the resource-monitor sampling interval.
		MonitorIntervalMs int `json:"monitor_interval_ms" env:"MONITOR_INTERVAL_MS" validate:"min:1"`
	} `json:"safeguards"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level to display ("debug", "info", "warn", "error").
		Level string `json:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format to use ("text", "json").
		Format string `json:"format" env:"LOG_FORMAT"`
	} `json:"logging"`

	configPath string `json:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename = ".codebuddyindexconfig"
	DefaultSQLitePath     = ".codebuddyindex.db"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	DefaultFlushDebounceMs   = 5000
	DefaultBatchSize         = 8
	DefaultMaxRetries        = 3
	DefaultRetryDelayMs      = 1000
	DefaultRequestsPerMinute = 60
	DefaultBatchDelayMs      = 1000
	DefaultDescriptionLength = 200

	DefaultMaxMemoryMB             = 2048.0
	DefaultMaxHeapMB               = 1024.0
	DefaultMaxCpuPercent           = 80.0
	DefaultGcThresholdMB           = 768.0
	DefaultAlertThresholdMB        = 1536.0
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldownMs       = 60000
	DefaultMonitorIntervalMs       = 10000
)

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	config := &Config{}
	config.Store.SQLitePath = DefaultSQLitePath
	config.Store.FlushDebounceMs = DefaultFlushDebounceMs
	config.Embedder.Provider = "mock"
	config.Embedder.Dimensions = 768
	config.Descriptions.Provider = ""
	config.Descriptions.MaxLength = DefaultDescriptionLength
	config.Pipeline.BatchSize = DefaultBatchSize
	config.Pipeline.MaxRetries = DefaultMaxRetries
	config.Pipeline.RetryDelayMs = DefaultRetryDelayMs
	config.Pipeline.RequestsPerMinute = DefaultRequestsPerMinute
	config.Pipeline.BatchDelayMs = DefaultBatchDelayMs
	config.Safeguards.MaxMemoryMB = DefaultMaxMemoryMB
	config.Safeguards.MaxHeapMB = DefaultMaxHeapMB
	config.Safeguards.MaxCpuPercent = DefaultMaxCpuPercent
	config.Safeguards.GcThresholdMB = DefaultGcThresholdMB
	config.Safeguards.AlertThresholdMB = DefaultAlertThresholdMB
	config.Safeguards.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	config.Safeguards.BreakerCooldownMs = DefaultBreakerCooldownMs
	config.Safeguards.MonitorIntervalMs = DefaultMonitorIntervalMs
	config.Logging.Level = DefaultLogLevel
	config.Logging.Format = DefaultLogFormat
	return config
}

// FlushDebounce returns the flush quiescence window as a duration.
func (c *Config) FlushDebounce() time.Duration {
	return time.Duration(c.Store.FlushDebounceMs) * time.Millisecond
}

// RetryDelay returns the pipeline's base retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Pipeline.RetryDelayMs) * time.Millisecond
}

// BatchDelay returns the pipeline's inter-batch delay as a duration.
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.Pipeline.BatchDelayMs) * time.Millisecond
}

// BreakerCooldown returns the breaker's open window as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Safeguards.BreakerCooldownMs) * time.Millisecond
}

// MonitorInterval returns the resource-monitor tick as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Safeguards.MonitorIntervalMs) * time.Millisecond
}

// LoadConfig loads the configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads the configuration from a specific path
func LoadConfigWithPath(configPath string) (*Config, error) {
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := NewConfig()

	// Try to find the config file if the path is the default
	if configPath == DefaultConfigFilename {
		foundPath, err := configurator.FindConfigFile(configPath)
		if err == nil {
			configPath = foundPath
			stdLogger.Debug("Found config file at " + foundPath)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		stdLogger.Info("Config file not found, using default configuration", "path", configPath)
		cfg.configPath = configPath
		return cfg, nil
	}

	stdLogger.Info("Loading configuration", "path", configPath)

	config := configurator.New(stdLogger).
		WithProvider(configurator.NewDefaultProvider()).
		WithProvider(configurator.NewFileProvider(configPath)).
		WithProvider(configurator.NewEnvProvider("CODEBUDDY")).
		WithValidator(configurator.NewDefaultValidator())

	ctx := context.Background()
	if err := config.Load(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.configPath = configPath
	return cfg, nil
}
