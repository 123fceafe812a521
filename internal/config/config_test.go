package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firerisk/internal/types"
)

// setMinimalEnv sets the variables without defaults. t.Setenv restores
// them after the test.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("STORE_ROOT", "/data/store")
	t.Setenv("RAW_ROOT", "/data/raw")
}

func TestLoadConfigDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 30s", cfg.Server.RequestTimeout)
	}
	if cfg.Storage.LockRetryAttempts != 3 || cfg.Storage.LockRetryDelay != 500*time.Millisecond {
		t.Errorf("lock retry = %d/%v, want 3/500ms", cfg.Storage.LockRetryAttempts, cfg.Storage.LockRetryDelay)
	}
	if cfg.Database.Enabled() {
		t.Error("Database.Enabled() = true without DATABASE_URL")
	}
	if cfg.Database.BreakerMaxFailures != 5 {
		t.Errorf("BreakerMaxFailures = %d, want 5", cfg.Database.BreakerMaxFailures)
	}
	if cfg.Sync.Concurrency != 2 {
		t.Errorf("Sync.Concurrency = %d, want 2", cfg.Sync.Concurrency)
	}
	if cfg.Build.Version != "dev" || cfg.Build.Commit != "none" {
		t.Errorf("Build = %+v, want linker defaults", cfg.Build)
	}
	if time.Local != time.UTC {
		t.Error("LoadConfig must force time.Local to UTC")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DATABASE_URL", "postgres://fire:pw@db:5432/firerisk")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("SYNC_CONCURRENCY", "8")
	t.Setenv("METRICS_NAMESPACE", "FireRiskStaging")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q", cfg.Server.Port)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
	}
	if !cfg.Database.Enabled() || cfg.Database.MaxConns != 4 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Sync.Concurrency = %d", cfg.Sync.Concurrency)
	}
	if cfg.Observability.MetricsNamespace != "FireRiskStaging" {
		t.Errorf("MetricsNamespace = %q", cfg.Observability.MetricsNamespace)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T)
		wantType ConfigErrorType
	}{
		{
			name: "missing store root",
			setup: func(t *testing.T) {
				t.Setenv("APP_ENV", "local")
				t.Setenv("RAW_ROOT", "/data/raw")
				t.Setenv("STORE_ROOT", "")
				os.Unsetenv("STORE_ROOT")
			},
			wantType: ErrMissingEnv,
		},
		{
			name: "bad duration",
			setup: func(t *testing.T) {
				setMinimalEnv(t)
				t.Setenv("LOCK_RETRY_DELAY", "soon")
			},
			wantType: ErrParsing,
		},
		{
			name: "unknown environment",
			setup: func(t *testing.T) {
				setMinimalEnv(t)
				t.Setenv("APP_ENV", "qa")
			},
			wantType: ErrValidation,
		},
		{
			name: "invalid database url",
			setup: func(t *testing.T) {
				setMinimalEnv(t)
				t.Setenv("DATABASE_URL", "not a url")
			},
			wantType: ErrValidation,
		},
		{
			name: "zero lock attempts",
			setup: func(t *testing.T) {
				setMinimalEnv(t)
				t.Setenv("LOCK_RETRY_ATTEMPTS", "0")
			},
			wantType: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			_, err := LoadConfig()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("LoadConfig() error = %v, want *ConfigError", err)
			}
			if cfgErr.Type != tt.wantType {
				t.Errorf("ConfigError.Type = %s, want %s", cfgErr.Type, tt.wantType)
			}
		})
	}
}

func TestConfigErrorFormatting(t *testing.T) {
	err := &ConfigError{Type: ErrParsing, Message: "bad value", Err: errors.New("strconv")}
	if got := err.Error(); got != "[PARSING_FAILED] bad value: strconv" {
		t.Errorf("Error() = %q", got)
	}
	if errors.Unwrap(err) == nil {
		t.Error("Unwrap() = nil")
	}
	if got := (&ConfigError{Type: ErrDatasets, Message: "empty"}).Error(); got != "[DATASETS_INVALID] empty" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSecretStringRedacts(t *testing.T) {
	s := SecretString("postgres://u:p@h/db")
	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q", s.String())
	}
	if s.Unmask() != "postgres://u:p@h/db" {
		t.Errorf("Unmask() = %q", s.Unmask())
	}
	if SecretString("").String() != "" {
		t.Error("empty secret should stay empty")
	}
}

func TestLoadDatasetsDefaults(t *testing.T) {
	reg, err := LoadDatasets("")
	if err != nil {
		t.Fatalf("LoadDatasets() error = %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "fopi,pof" {
		t.Errorf("Names() = %s", got)
	}
}

func TestParseDatasetsOverrides(t *testing.T) {
	raw := []byte(`
datasets:
  POF:
    scale_max: 0.1
  fwi:
    variable: fwinx
    cadence: daily
    lead_encoding: absolute
    horizon_days: 7
    value_max: 200
`)
	reg, err := ParseDatasets(raw)
	if err != nil {
		t.Fatalf("ParseDatasets() error = %v", err)
	}

	pof, err := reg.Lookup("pof")
	if err != nil {
		t.Fatal(err)
	}
	if pof.ScaleMax != 0.1 {
		t.Errorf("pof.ScaleMax = %v, want 0.1", pof.ScaleMax)
	}
	if pof.Variable != types.POF.Variable || !pof.FloorValidToDay {
		t.Errorf("unspecified pof fields must keep defaults: %+v", pof)
	}

	fwi, err := reg.Lookup("fwi")
	if err != nil {
		t.Fatal(err)
	}
	if fwi.HorizonDays != 7 || fwi.Cadence != types.CadenceDaily {
		t.Errorf("fwi = %+v", fwi)
	}
	if _, err := reg.Lookup("fopi"); err != nil {
		t.Errorf("fopi must survive overrides: %v", err)
	}
}

func TestParseDatasetsRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "datasets:\n  pof:\n    colour: red\n",
		"missing variable": "datasets:\n  fwi:\n    cadence: daily\n    lead_encoding: absolute\n    horizon_days: 3\n",
		"bad cadence":      "datasets:\n  pof:\n    cadence: weekly\n",
		"inverted scale":   "datasets:\n  pof:\n    scale_min: 1\n    scale_max: 0.5\n",
		"not yaml":         "datasets: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDatasets([]byte(raw))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Type != ErrDatasets {
				t.Errorf("ParseDatasets() error = %v, want DATASETS_INVALID", err)
			}
		})
	}
}

func TestLoadDatasetsMissingFile(t *testing.T) {
	_, err := LoadDatasets(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Type != ErrDatasets {
		t.Errorf("LoadDatasets() error = %v, want DATASETS_INVALID", err)
	}
}
