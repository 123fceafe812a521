// Package config defines the process configuration. It is loaded once at
// startup from the environment (optionally seeded by a .env file) and is
// immutable thereafter. A missing required value or an invalid format fails
// startup.
package config

import (
	"time"
)

// SecretString holds a sensitive value that must never be logged.
type SecretString string

// String redacts the value for fmt and slog.
func (s SecretString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Unmask returns the raw value.
func (s SecretString) Unmask() string {
	return string(s)
}

// Config is the top-level configuration. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Sync          SyncConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s" validate:"gt=0"`
	// Comma separated; empty disables CORS headers.
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	// Bearer token for POST /runs; empty leaves the route unregistered.
	IngestToken SecretString `envconfig:"INGEST_TOKEN"`
}

// StorageConfig locates the raw archive and the dataset stores.
type StorageConfig struct {
	StoreRoot string `envconfig:"STORE_ROOT" required:"true"`
	RawRoot   string `envconfig:"RAW_ROOT" required:"true"`
	// DatasetsFile optionally points at a YAML file overriding dataset profiles.
	DatasetsFile string `envconfig:"DATASETS_FILE"`

	LockRetryAttempts int           `envconfig:"LOCK_RETRY_ATTEMPTS" default:"3" validate:"min=1"`
	LockRetryDelay    time.Duration `envconfig:"LOCK_RETRY_DELAY" default:"500ms" validate:"gte=0"`
}

// DatabaseConfig configures the optional raw file inventory database. With
// no URL the inventory is served from directory scans.
type DatabaseConfig struct {
	URL      SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`
	MaxConns int32        `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`

	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5" validate:"min=1"`
	BreakerTimeout     time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s" validate:"gt=0"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.URL != ""
}

// SyncConfig tunes the archive sync job.
type SyncConfig struct {
	Concurrency int `envconfig:"SYNC_CONCURRENCY" default:"2" validate:"min=1,max=64"`
}

// ObservabilityConfig controls metric publishing.
type ObservabilityConfig struct {
	// MetricsNamespace enables CloudWatch sync metrics when set.
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE"`
	AWSRegion        string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a value could not be parsed into its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrDatasets indicates the dataset profile file is unreadable or invalid.
	ErrDatasets ConfigErrorType = "DATASETS_INVALID"
)

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
