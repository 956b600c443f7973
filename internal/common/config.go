package common

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Chunking    ChunkingConfig  `toml:"chunking"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Retention   RetentionConfig `toml:"retention"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type StorageConfig struct {
	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig holds the vector store connection settings.
// The store must have the pgvector extension available.
type PostgresConfig struct {
	DSN         string `toml:"dsn" validate:"required"`
	MaxConns    int    `toml:"max_conns"`
	LockTimeout string `toml:"lock_timeout"` // e.g. "30s" - advisory lock acquisition timeout
}

// CrawlerConfig contains crawl bounds and URL filtering
type CrawlerConfig struct {
	MaxPages        int           `toml:"max_pages" validate:"gt=0"`
	Concurrency     int           `toml:"concurrency" validate:"gt=0"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	UserAgent       string        `toml:"user_agent"`
	IncludePatterns []string      `toml:"include_patterns"`
	ExcludePatterns []string      `toml:"exclude_patterns"`
}

// ChunkingConfig controls paragraph packing
type ChunkingConfig struct {
	ChunkSize int `toml:"chunk_size" validate:"gt=0"`
	Overlap   int `toml:"overlap" validate:"gte=0"`
}

// EmbeddingConfig selects the provider and the rate limit windows
type EmbeddingConfig struct {
	Provider          string        `toml:"provider" validate:"oneof=openai gemini"`
	APIKey            string        `toml:"api_key"`
	Model             string        `toml:"model"`
	Dimensions        int           `toml:"dimensions" validate:"gt=0"`
	BatchSize         int           `toml:"batch_size" validate:"gt=0"`
	RequestsPerMinute int           `toml:"requests_per_minute" validate:"gt=0"`
	TokensPerMinute   int           `toml:"tokens_per_minute" validate:"gt=0"`
	TokensPerDay      int           `toml:"tokens_per_day" validate:"gt=0"`
	MaxRetries        int           `toml:"max_retries" validate:"gte=0"`
	InitialBackoff    time.Duration `toml:"initial_backoff"`
	Distributed       bool          `toml:"distributed"` // cross-process limiter coordination via advisory lock
}

// RetentionConfig controls the cron pruning of stale rows
type RetentionConfig struct {
	Schedule        string `toml:"schedule"`          // cron expression, default hourly
	SessionLinkDays int    `toml:"session_link_days"` // GC session links idle past this window
	JobDays         int    `toml:"job_days"`          // prune terminal jobs past this window
}

// DefaultConfig returns configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				MaxConns:    8,
				LockTimeout: "30s",
			},
		},
		Crawler: CrawlerConfig{
			MaxPages:       10000,
			Concurrency:    defaultConcurrency(),
			RequestTimeout: 30 * time.Second,
			UserAgent:      "colligo-docs-crawler/" + Version,
		},
		Chunking: ChunkingConfig{
			ChunkSize: 1500,
			Overlap:   150,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimensions:        1536,
			BatchSize:         32,
			RequestsPerMinute: 3000,
			TokensPerMinute:   1000000,
			TokensPerDay:      50000000,
			MaxRetries:        5,
			InitialBackoff:    time.Second,
		},
		Retention: RetentionConfig{
			Schedule:        "@hourly",
			SessionLinkDays: 30,
			JobDays:         90,
		},
	}
}

func defaultConcurrency() int {
	n := runtime.NumCPU()
	if n <= 0 {
		n = 8
	}
	if n < 4 {
		n = 4
	}
	if n > 16 {
		n = 16
	}
	return n
}

// LoadConfig builds configuration from defaults, optional TOML files, then
// environment variables. Later sources override earlier ones. A missing file
// path is an error; pass no paths to run from defaults + env.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional and never overrides variables already set
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate fails fast on configuration a job could not run with
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Embedding.APIKey == "" {
		return fmt.Errorf("invalid configuration: embedding provider %q requires an API key", cfg.Embedding.Provider)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setInt := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				*dst = n
			}
		}
	}
	setString := func(key string, dst *string) {
		if raw := os.Getenv(key); raw != "" {
			*dst = raw
		}
	}

	setInt("DOCS_MAX_PAGES", &cfg.Crawler.MaxPages)
	setInt("DOCS_CONCURRENCY", &cfg.Crawler.Concurrency)
	if raw := os.Getenv("DOCS_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.Crawler.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	setString("DOCS_USER_AGENT", &cfg.Crawler.UserAgent)
	if raw := os.Getenv("DOCS_INCLUDE_REGEX"); raw != "" {
		cfg.Crawler.IncludePatterns = splitPatterns(raw)
	}
	if raw := os.Getenv("DOCS_EXCLUDE_REGEX"); raw != "" {
		cfg.Crawler.ExcludePatterns = splitPatterns(raw)
	}

	setInt("DOCS_EMBED_BATCH_SIZE", &cfg.Embedding.BatchSize)
	setInt("DOCS_EMBED_RPM", &cfg.Embedding.RequestsPerMinute)
	setInt("DOCS_EMBED_TPM", &cfg.Embedding.TokensPerMinute)
	setInt("DOCS_EMBED_TPD", &cfg.Embedding.TokensPerDay)
	setInt("DOCS_EMBED_MAX_RETRIES", &cfg.Embedding.MaxRetries)
	if raw := os.Getenv("DOCS_EMBED_INITIAL_BACKOFF_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.Embedding.InitialBackoff = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := os.Getenv("DOCS_EMBED_DISTRIBUTED"); raw != "" {
		cfg.Embedding.Distributed = raw == "true" || raw == "1"
	}

	setString("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt("EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	switch cfg.Embedding.Provider {
	case "gemini":
		setString("GOOGLE_API_KEY", &cfg.Embedding.APIKey)
	default:
		setString("OPENAI_API_KEY", &cfg.Embedding.APIKey)
	}

	setString("DATABASE_URL", &cfg.Storage.Postgres.DSN)
}

func splitPatterns(raw string) []string {
	parts := strings.Split(raw, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
