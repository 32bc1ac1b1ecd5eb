package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// Runner modes.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"
)

// Feature gate backends.
const (
	GateOff    = "off"
	GateStatic = "static"
	GateRedis  = "redis"
)

// Config holds all configuration for the schedcore application.
// Values are loaded from SCHEDCORE_* environment variables.
type Config struct {
	DatabaseURL string `json:"database_url"`

	// RunnerMode selects the execution backend: "single" polls the store
	// in-process, "distributed" delegates firing to the queue.
	RunnerMode string `json:"runner_mode"`

	HTTPAddr string `json:"http_addr"`

	// MetricsAddr serves Prometheus metrics on a dedicated listener.
	// Empty disables the listener.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	PollInterval    time.Duration `json:"-"`
	PollIntervalStr string        `json:"poll_interval"`
	BatchSize       int           `json:"batch_size"`

	NATSUrl         string        `json:"nats_url,omitempty"`
	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	WorkerConcurrency int `json:"worker_concurrency"`

	RedisAddr string `json:"redis_addr,omitempty"`

	// FeatureGate: "off" admits everything, "static" reads the FEATURES
	// list, "redis" consults per-scope feature sets in Redis.
	FeatureGate string `json:"feature_gate"`
	Features    string `json:"features,omitempty"`

	EventsSubjectPrefix string `json:"events_subject_prefix"`

	// ManifestDir holds module schedule manifests applied at boot.
	// Empty skips manifest loading.
	ManifestDir string `json:"manifest_dir,omitempty"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	ShutdownTimeout    time.Duration `json:"-"`
	ShutdownTimeoutStr string        `json:"shutdown_timeout"`

	LogLevel  string `json:"log_level"`
	LogPretty bool   `json:"log_pretty"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:          os.Getenv("SCHEDCORE_DATABASE_URL"),
		RunnerMode:           os.Getenv("SCHEDCORE_RUNNER_MODE"),
		HTTPAddr:             os.Getenv("SCHEDCORE_HTTP_ADDR"),
		MetricsAddr:          os.Getenv("SCHEDCORE_METRICS_ADDR"),
		PollIntervalStr:      os.Getenv("SCHEDCORE_POLL_INTERVAL"),
		NATSUrl:              os.Getenv("SCHEDCORE_NATS_URL"),
		TickIntervalStr:      os.Getenv("SCHEDCORE_TICK_INTERVAL"),
		RedisAddr:            os.Getenv("SCHEDCORE_REDIS_ADDR"),
		FeatureGate:          os.Getenv("SCHEDCORE_FEATURE_GATE"),
		Features:             os.Getenv("SCHEDCORE_FEATURES"),
		EventsSubjectPrefix:  os.Getenv("SCHEDCORE_EVENTS_SUBJECT_PREFIX"),
		ManifestDir:          os.Getenv("SCHEDCORE_MANIFEST_DIR"),
		DBOpTimeoutStr:       os.Getenv("SCHEDCORE_DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr: os.Getenv("SCHEDCORE_DB_CONN_MAX_LIFETIME"),
		ShutdownTimeoutStr:   os.Getenv("SCHEDCORE_SHUTDOWN_TIMEOUT"),
		LogLevel:             os.Getenv("SCHEDCORE_LOG_LEVEL"),
		LogPretty:            os.Getenv("SCHEDCORE_LOG_PRETTY") == "true",
	}

	if batchStr := os.Getenv("SCHEDCORE_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.BatchSize = n
		} else {
			log.Printf("config: invalid SCHEDCORE_BATCH_SIZE %q (must be a positive integer), using default 100", batchStr)
		}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	if concStr := os.Getenv("SCHEDCORE_WORKER_CONCURRENCY"); concStr != "" {
		if n, err := parseInt(concStr); err == nil && n > 0 {
			cfg.WorkerConcurrency = n
		} else {
			log.Printf("config: invalid SCHEDCORE_WORKER_CONCURRENCY %q (must be a positive integer), using default 5", concStr)
		}
	}
	if cfg.WorkerConcurrency == 0 {
		cfg.WorkerConcurrency = 5
	}

	if maxOpenStr := os.Getenv("SCHEDCORE_DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("SCHEDCORE_DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	if cfg.RunnerMode == "" {
		cfg.RunnerMode = ModeSingle
	}
	if cfg.FeatureGate == "" {
		cfg.FeatureGate = GateOff
	}
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.EventsSubjectPrefix == "" {
		cfg.EventsSubjectPrefix = "schedcore.events"
	}
	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "1m"
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "1s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.ShutdownTimeoutStr == "" {
		cfg.ShutdownTimeoutStr = "10s"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.PollIntervalStr); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.ShutdownTimeoutStr); err == nil {
		cfg.ShutdownTimeout = d
	}

	return cfg
}

// Distributed reports whether the distributed execution backend is
// configured.
func (c Config) Distributed() bool {
	return c.RunnerMode == ModeDistributed
}

// FeatureList splits the static feature list, dropping empties.
func (c Config) FeatureList() []string {
	var out []string
	for _, f := range strings.Split(c.Features, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL         string `json:"database_url"`
		RunnerMode          string `json:"runner_mode"`
		HTTPAddr            string `json:"http_addr"`
		MetricsAddr         string `json:"metrics_addr,omitempty"`
		PollInterval        string `json:"poll_interval"`
		BatchSize           int    `json:"batch_size"`
		NATSUrl             string `json:"nats_url,omitempty"`
		TickInterval        string `json:"tick_interval"`
		WorkerConcurrency   int    `json:"worker_concurrency"`
		RedisAddr           string `json:"redis_addr,omitempty"`
		FeatureGate         string `json:"feature_gate"`
		Features            string `json:"features,omitempty"`
		EventsSubjectPrefix string `json:"events_subject_prefix"`
		ManifestDir         string `json:"manifest_dir,omitempty"`
		DBOpTimeout         string `json:"db_op_timeout"`
		DBMaxOpenConns      int    `json:"db_max_open_conns"`
		DBMaxIdleConns      int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime   string `json:"db_conn_max_lifetime"`
		ShutdownTimeout     string `json:"shutdown_timeout"`
		LogLevel            string `json:"log_level"`
		LogPretty           bool   `json:"log_pretty"`
	}{
		DatabaseURL:         maskSecret(c.DatabaseURL),
		RunnerMode:          c.RunnerMode,
		HTTPAddr:            c.HTTPAddr,
		MetricsAddr:         c.MetricsAddr,
		PollInterval:        c.PollIntervalStr,
		BatchSize:           c.BatchSize,
		NATSUrl:             maskSecret(c.NATSUrl),
		TickInterval:        c.TickIntervalStr,
		WorkerConcurrency:   c.WorkerConcurrency,
		RedisAddr:           c.RedisAddr,
		FeatureGate:         c.FeatureGate,
		Features:            c.Features,
		EventsSubjectPrefix: c.EventsSubjectPrefix,
		ManifestDir:         c.ManifestDir,
		DBOpTimeout:         c.DBOpTimeoutStr,
		DBMaxOpenConns:      c.DBMaxOpenConns,
		DBMaxIdleConns:      c.DBMaxIdleConns,
		DBConnMaxLifetime:   c.DBConnMaxLifetimeStr,
		ShutdownTimeout:     c.ShutdownTimeoutStr,
		LogLevel:            c.LogLevel,
		LogPretty:           c.LogPretty,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "nats://", "tls://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
