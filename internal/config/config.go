// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the settings of the
// letter service: HTTP server, logging, storage, batch scheduling, rate
// limits, content pipeline providers, event publishing, and observability.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects and parameterizes the document store.
type StorageConfig struct {
	Driver          string // file|sqlite
	Path            string // primary JSON document (file driver)
	SQLitePath      string // document table (sqlite driver)
	BackupPath      string // backup directory
	BackupRetention time.Duration
}

// BatchConfig holds the nightly batch and background runner settings.
type BatchConfig struct {
	Hours            []int
	MaxConcurrent    int
	Timeout          time.Duration // per generation job
	CheckInterval    time.Duration // runner poll interval
	CleanupHour      int
	RetentionDays    int
	BackgroundEnable bool
}

// LimitsConfig holds per-user daily quotas and input bounds.
type LimitsConfig struct {
	Debug                 bool
	MaxDailyRequests      int
	MaxAPICalls           int
	DebugMaxDailyRequests int
	DebugMaxAPICalls      int
	MinThemeLength        int
	MaxThemeLength        int
	SessionTimeout        time.Duration
	MaxHistoryEntries     int
}

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// PipelineConfig configures the two generation stages.
type PipelineConfig struct {
	Structure       ProviderConfig // Groq
	Enhance         ProviderConfig // Together
	EnhanceProvider string         // together|anthropic
	Anthropic       ProviderConfig
	RPS             float64
	Burst           int
}

// NATSConfig configures batch event publishing. Empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Token         string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// HTTP rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	Storage  StorageConfig
	Batch    BatchConfig
	Limits   LimitsConfig
	Pipeline PipelineConfig
	NATS     NATSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	storagePath := getenv("STORAGE_PATH", "tmp/letters.json")

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// HTTP rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		Storage: StorageConfig{
			Driver:          strings.ToLower(getenv("STORAGE_DRIVER", "file")),
			Path:            storagePath,
			SQLitePath:      getenv("SQLITE_PATH", "tmp/letters.db"),
			BackupPath:      getenv("BACKUP_PATH", filepath.Join(filepath.Dir(storagePath), "backup")),
			BackupRetention: time.Duration(getint("BACKUP_RETENTION_DAYS", 7)) * 24 * time.Hour,
		},

		Batch: BatchConfig{
			Hours:            getints("BATCH_SCHEDULE_HOURS", []int{2, 3, 4}),
			MaxConcurrent:    getint("MAX_CONCURRENT_GENERATIONS", 3),
			Timeout:          getsecs("GENERATION_TIMEOUT", 300*time.Second),
			CheckInterval:    getsecs("BATCH_CHECK_INTERVAL", 60*time.Second),
			CleanupHour:      getint("CLEANUP_HOUR", 1),
			RetentionDays:    getint("CLEANUP_RETENTION_DAYS", 90),
			BackgroundEnable: getbool("ENABLE_BACKGROUND_PROCESSING", true),
		},

		Limits: LimitsConfig{
			Debug:                 getbool("DEBUG_MODE", false),
			MaxDailyRequests:      getint("MAX_DAILY_REQUESTS", 1),
			MaxAPICalls:           getint("MAX_API_CALLS_PER_DAY", 10),
			DebugMaxDailyRequests: getint("DEBUG_MAX_DAILY_REQUESTS", 10),
			DebugMaxAPICalls:      getint("DEBUG_MAX_API_CALLS", 100),
			MinThemeLength:        getint("MIN_THEME_LENGTH", 1),
			MaxThemeLength:        getint("MAX_THEME_LENGTH", 200),
			SessionTimeout:        time.Duration(getint("SESSION_TIMEOUT_HOURS", 24)) * time.Hour,
			MaxHistoryEntries:     getint("MAX_HISTORY_ENTRIES", 100),
		},

		Pipeline: PipelineConfig{
			Structure: ProviderConfig{
				APIKey:  getenv("GROQ_API_KEY", ""),
				BaseURL: getenv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
				Model:   getenv("GROQ_MODEL", "compound-beta"),
			},
			Enhance: ProviderConfig{
				APIKey:  getenv("TOGETHER_API_KEY", ""),
				BaseURL: getenv("TOGETHER_BASE_URL", "https://api.together.xyz/v1"),
				Model:   getenv("TOGETHER_MODEL", "Qwen/Qwen3-235B-A22B-Instruct-2507-tput"),
			},
			EnhanceProvider: strings.ToLower(getenv("ENHANCE_PROVIDER", "together")),
			Anthropic: ProviderConfig{
				APIKey: getenv("ANTHROPIC_API_KEY", ""),
				Model:  getenv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
			},
			RPS:   getfloat("PIPELINE_RPS", 1.0),
			Burst: getint("PIPELINE_BURST", 3),
		},

		NATS: NATSConfig{
			URL:           getenv("NATS_URL", ""),
			SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "letters"),
			Token:         getenv("NATS_TOKEN", ""),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "letter-batch"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}

	switch cfg.Storage.Driver {
	case "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return cfg, errors.New("STORAGE_PATH must not be empty")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
			return cfg, errors.New("SQLITE_PATH must not be empty")
		}
	default:
		return cfg, errors.New("STORAGE_DRIVER must be one of: file, sqlite")
	}
	if strings.TrimSpace(cfg.Storage.BackupPath) == "" {
		return cfg, errors.New("BACKUP_PATH must not be empty")
	}
	if cfg.Storage.BackupRetention <= 0 {
		return cfg, errors.New("BACKUP_RETENTION_DAYS must be > 0")
	}

	if len(cfg.Batch.Hours) == 0 {
		return cfg, errors.New("BATCH_SCHEDULE_HOURS must list at least one hour")
	}
	for _, h := range cfg.Batch.Hours {
		if h < 0 || h > 23 {
			return cfg, errors.New("BATCH_SCHEDULE_HOURS entries must be in 0..23")
		}
	}
	if cfg.Batch.MaxConcurrent < 1 || cfg.Batch.MaxConcurrent > 10 {
		return cfg, errors.New("MAX_CONCURRENT_GENERATIONS must be between 1 and 10")
	}
	if cfg.Batch.Timeout <= 0 {
		return cfg, errors.New("GENERATION_TIMEOUT must be > 0")
	}
	if cfg.Batch.CheckInterval <= 0 {
		return cfg, errors.New("BATCH_CHECK_INTERVAL must be > 0")
	}
	if cfg.Batch.CleanupHour < 0 || cfg.Batch.CleanupHour > 23 {
		return cfg, errors.New("CLEANUP_HOUR must be in 0..23")
	}
	if cfg.Batch.RetentionDays < 0 {
		return cfg, errors.New("CLEANUP_RETENTION_DAYS must be >= 0")
	}

	if cfg.Limits.MaxDailyRequests < 1 || cfg.Limits.DebugMaxDailyRequests < 1 {
		return cfg, errors.New("daily request limits must be >= 1")
	}
	if cfg.Limits.MaxAPICalls < 1 || cfg.Limits.DebugMaxAPICalls < 1 {
		return cfg, errors.New("API call limits must be >= 1")
	}
	if cfg.Limits.MinThemeLength < 1 || cfg.Limits.MaxThemeLength < cfg.Limits.MinThemeLength {
		return cfg, errors.New("theme length bounds must satisfy 1 <= MIN_THEME_LENGTH <= MAX_THEME_LENGTH")
	}
	if cfg.Limits.SessionTimeout <= 0 {
		return cfg, errors.New("SESSION_TIMEOUT_HOURS must be > 0")
	}
	if cfg.Limits.MaxHistoryEntries < 1 {
		return cfg, errors.New("MAX_HISTORY_ENTRIES must be >= 1")
	}

	switch cfg.Pipeline.EnhanceProvider {
	case "together", "anthropic":
	default:
		return cfg, errors.New("ENHANCE_PROVIDER must be one of: together, anthropic")
	}
	if cfg.Pipeline.RPS <= 0 {
		return cfg, errors.New("PIPELINE_RPS must be > 0")
	}
	if cfg.Pipeline.Burst < 1 {
		return cfg, errors.New("PIPELINE_BURST must be >= 1")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ValidatePipeline reports whether the credentials needed to build the
// generation stages are present. It is checked only by commands that
// actually generate letters.
func (c Config) ValidatePipeline() error {
	if c.Pipeline.Structure.APIKey == "" {
		return errors.New("GROQ_API_KEY is required")
	}
	switch c.Pipeline.EnhanceProvider {
	case "anthropic":
		if c.Pipeline.Anthropic.APIKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required when ENHANCE_PROVIDER=anthropic")
		}
	default:
		if c.Pipeline.Enhance.APIKey == "" {
			return errors.New("TOGETHER_API_KEY is required")
		}
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getsecs accepts either a bare integer number of seconds ("300") or a
// Go duration string ("5m").
func getsecs(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		v = strings.TrimSpace(v)
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getints parses a comma-separated list of integers. Any malformed entry
// makes the whole value fall back to def.
func getints(k string, def []int) []int {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return def
	}
	parts := splitCSV(v)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return def
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
