// Package config holds the clipvault service configuration.
//
// Configuration resolves in layers: compiled defaults, then environment
// variables, then command-line flags on serve. Snippet limits use their
// documented environment names without a prefix (MAX_SNIPPET_BYTES,
// RECENCY_CAP, ...); service-level settings use the CLIPVAULT_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clipvault/internal/compress"
)

// Config is the full service configuration.
type Config struct {
	Server   Server
	Redis    Redis
	Auth     Auth
	Snippets Snippets
	Workers  Workers
	Janitor  Janitor
}

// Server holds the HTTP listen address and storage location.
type Server struct {
	// Addr is the listen address (host:port).
	Addr string

	// DBPath is the sqlite database file. Parent directories are
	// created on open.
	DBPath string
}

// Redis holds the connection settings for the recency queue.
type Redis struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds every individual recency operation.
	OpTimeout time.Duration
}

// Auth holds token issuance and login throttling settings.
type Auth struct {
	// JWTSecret signs access tokens. Empty means serve generates an
	// ephemeral secret at startup (tokens do not survive restarts).
	JWTSecret string

	// TokenTTL is the access token lifetime.
	TokenTTL time.Duration

	// RateLimit and RateBurst throttle the register/login endpoints
	// per client IP.
	RateLimit float64
	RateBurst int
}

// Snippets holds the per-snippet and per-user limits.
type Snippets struct {
	// MaxSnippetBytes is the hard limit on accepted content size.
	MaxSnippetBytes int64

	// MaxSourceURLBytes caps the optional source URL length.
	MaxSourceURLBytes int

	// MaxWords caps the estimated word count of accepted content.
	MaxWords int64

	// WordValidationSkipBytes disables word counting for inputs
	// larger than this.
	WordValidationSkipBytes int64

	// WordScanLimitBytes caps the bytes actually scanned when
	// estimating the word count; larger inputs extrapolate linearly.
	WordScanLimitBytes int64

	// MaxSnippetsPerUser is the live (non-deleted) snippet quota.
	MaxSnippetsPerUser int

	// RecencyCap bounds the per-user recency queue.
	RecencyCap int

	// DuplicateScanDepth is how many recent snippets accept inspects
	// for duplicate content.
	DuplicateScanDepth int

	// SearchMaxSnippets bounds how many recent snippets a search
	// scans.
	SearchMaxSnippets int

	// SearchBoundaryOverlapCap caps the overlap window used to match
	// queries across chunk boundaries. Queries longer than this plus
	// one byte may miss matches that straddle a boundary.
	SearchBoundaryOverlapCap int

	// ChunkSizeBytes is the storage chunk size.
	ChunkSizeBytes int

	// Compression selects the chunk codec: gzip, zstd, or none.
	Compression string
}

// Workers holds the compute pool and async processor dimensions.
type Workers struct {
	// PoolSize is the shared compute pool width.
	PoolSize int

	// PoolQueueDepth is the shared pool's pending task buffer.
	PoolQueueDepth int

	// AsyncWorkers is the number of dedicated persist workers.
	AsyncWorkers int

	// AsyncQueueDepth bounds pending persist jobs; a full queue
	// rejects new snippets.
	AsyncQueueDepth int

	// AsyncWriteTimeout bounds a single persist job.
	AsyncWriteTimeout time.Duration
}

// Janitor holds the background maintenance schedule.
type Janitor struct {
	// SweepInterval is how often recency queues are reconciled
	// against the store.
	SweepInterval time.Duration

	// PurgeInterval is how often soft-deleted snippets are checked
	// for hard deletion.
	PurgeInterval time.Duration

	// PurgeRetention is how long soft-deleted snippets are kept
	// before the purge removes them.
	PurgeRetention time.Duration
}

// Default returns the configuration with every value at its default.
func Default() Config {
	return Config{
		Server: Server{
			Addr:   ":8080",
			DBPath: "data/clipvault.db",
		},
		Redis: Redis{
			Addr:      "localhost:6379",
			OpTimeout: 2 * time.Second,
		},
		Auth: Auth{
			TokenTTL:  168 * time.Hour,
			RateLimit: 5,
			RateBurst: 10,
		},
		Snippets: Snippets{
			MaxSnippetBytes:          20_000_000,
			MaxSourceURLBytes:        2048,
			MaxWords:                 3_000_000,
			WordValidationSkipBytes:  5_000_000,
			WordScanLimitBytes:       1_000_000,
			MaxSnippetsPerUser:       1000,
			RecencyCap:               50,
			DuplicateScanDepth:       50,
			SearchMaxSnippets:        100,
			SearchBoundaryOverlapCap: 100,
			ChunkSizeBytes:           65536,
			Compression:              compress.Gzip,
		},
		Workers: Workers{
			PoolSize:          10,
			PoolQueueDepth:    256,
			AsyncWorkers:      4,
			AsyncQueueDepth:   64,
			AsyncWriteTimeout: 30 * time.Second,
		},
		Janitor: Janitor{
			SweepInterval:  5 * time.Minute,
			PurgeInterval:  time.Hour,
			PurgeRetention: 720 * time.Hour,
		},
	}
}

// FromEnv returns the default configuration with environment overrides
// applied. Malformed values fail with the offending variable named.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() error {
	envString("CLIPVAULT_ADDR", &c.Server.Addr)
	envString("CLIPVAULT_DB_PATH", &c.Server.DBPath)
	envString("CLIPVAULT_REDIS_ADDR", &c.Redis.Addr)
	envString("CLIPVAULT_REDIS_PASSWORD", &c.Redis.Password)
	envString("CLIPVAULT_JWT_SECRET", &c.Auth.JWTSecret)
	envString("CLIPVAULT_COMPRESSION", &c.Snippets.Compression)

	for _, v := range []struct {
		key string
		dst *int
	}{
		{"CLIPVAULT_REDIS_DB", &c.Redis.DB},
		{"CLIPVAULT_AUTH_RATE_BURST", &c.Auth.RateBurst},
		{"MAX_SOURCE_URL_BYTES", &c.Snippets.MaxSourceURLBytes},
		{"MAX_SNIPPETS_PER_USER", &c.Snippets.MaxSnippetsPerUser},
		{"RECENCY_CAP", &c.Snippets.RecencyCap},
		{"DUPLICATE_SCAN_DEPTH", &c.Snippets.DuplicateScanDepth},
		{"SEARCH_MAX_SNIPPETS", &c.Snippets.SearchMaxSnippets},
		{"SEARCH_BOUNDARY_OVERLAP_CAP", &c.Snippets.SearchBoundaryOverlapCap},
		{"WORKER_POOL_SIZE", &c.Workers.PoolSize},
		{"WORKER_POOL_QUEUE_DEPTH", &c.Workers.PoolQueueDepth},
		{"ASYNC_WORKERS", &c.Workers.AsyncWorkers},
		{"ASYNC_QUEUE_DEPTH", &c.Workers.AsyncQueueDepth},
	} {
		if err := envInt(v.key, v.dst); err != nil {
			return err
		}
	}

	for _, v := range []struct {
		key string
		dst *int64
	}{
		{"MAX_SNIPPET_BYTES", &c.Snippets.MaxSnippetBytes},
		{"MAX_WORDS", &c.Snippets.MaxWords},
		{"WORD_VALIDATION_SKIP_BYTES", &c.Snippets.WordValidationSkipBytes},
		{"WORD_SCAN_LIMIT_BYTES", &c.Snippets.WordScanLimitBytes},
	} {
		if err := envSize(v.key, v.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("CHUNK_SIZE_BYTES"); v != "" {
		n, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("CHUNK_SIZE_BYTES: %w", err)
		}
		c.Snippets.ChunkSizeBytes = int(n)
	}

	for _, v := range []struct {
		key string
		dst *time.Duration
	}{
		{"CLIPVAULT_REDIS_OP_TIMEOUT", &c.Redis.OpTimeout},
		{"CLIPVAULT_TOKEN_TTL", &c.Auth.TokenTTL},
		{"ASYNC_WRITE_TIMEOUT", &c.Workers.AsyncWriteTimeout},
		{"CLIPVAULT_SWEEP_INTERVAL", &c.Janitor.SweepInterval},
		{"CLIPVAULT_PURGE_INTERVAL", &c.Janitor.PurgeInterval},
		{"CLIPVAULT_PURGE_RETENTION", &c.Janitor.PurgeRetention},
	} {
		if err := envDuration(v.key, v.dst); err != nil {
			return err
		}
	}

	if err := envFloat("CLIPVAULT_AUTH_RATE_LIMIT", &c.Auth.RateLimit); err != nil {
		return err
	}

	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.Snippets.ChunkSizeBytes <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Snippets.ChunkSizeBytes)
	}
	if c.Snippets.MaxSnippetBytes <= 0 {
		return fmt.Errorf("max snippet bytes must be positive, got %d", c.Snippets.MaxSnippetBytes)
	}
	if c.Snippets.MaxSnippetsPerUser <= 0 {
		return fmt.Errorf("max snippets per user must be positive, got %d", c.Snippets.MaxSnippetsPerUser)
	}
	if c.Snippets.RecencyCap <= 0 {
		return fmt.Errorf("recency cap must be positive, got %d", c.Snippets.RecencyCap)
	}
	if c.Snippets.SearchMaxSnippets <= 0 {
		return fmt.Errorf("search max snippets must be positive, got %d", c.Snippets.SearchMaxSnippets)
	}
	if c.Snippets.DuplicateScanDepth < 0 {
		return fmt.Errorf("duplicate scan depth must not be negative, got %d", c.Snippets.DuplicateScanDepth)
	}
	if c.Snippets.SearchBoundaryOverlapCap < 0 {
		return fmt.Errorf("search boundary overlap cap must not be negative, got %d", c.Snippets.SearchBoundaryOverlapCap)
	}
	if _, err := compress.New(c.Snippets.Compression); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.Workers.PoolSize)
	}
	if c.Workers.AsyncWorkers <= 0 {
		return fmt.Errorf("async workers must be positive, got %d", c.Workers.AsyncWorkers)
	}
	if c.Workers.AsyncQueueDepth <= 0 {
		return fmt.Errorf("async queue depth must be positive, got %d", c.Workers.AsyncQueueDepth)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %s", c.Auth.TokenTTL)
	}
	if c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis op timeout must be positive, got %s", c.Redis.OpTimeout)
	}
	if c.Janitor.PurgeRetention < 0 {
		return fmt.Errorf("purge retention must not be negative, got %s", c.Janitor.PurgeRetention)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// envSize parses a byte size, accepting plain digits or B/KB/MB/GB
// suffixes.
func envSize(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := ParseBytes(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = int64(n)
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	s = strings.ToUpper(s)

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	numStr = strings.TrimSpace(numStr)
	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return n * multiplier, nil
}
