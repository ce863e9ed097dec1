package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/model"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "shardline.db"
	defaultStorageDir  = "bucket"
	defaultBucket      = "shardline-artifacts"
	defaultResultsDir  = "results"
	defaultMaxInFlight = 0

	envListenAddr  = "SHARDLINE_LISTEN_ADDR"
	envDBPath      = "SHARDLINE_DB_PATH"
	envLogLevel    = "SHARDLINE_LOG_LEVEL"
	envMode        = "SHARDLINE_MODE"
	envBackendURL  = "SHARDLINE_BACKEND_URL"
	envStorageURL  = "SHARDLINE_STORAGE_URL"
	envStorageDir  = "SHARDLINE_STORAGE_DIR"
	envBucket      = "SHARDLINE_BUCKET"
	envResultsDir  = "SHARDLINE_RESULTS_DIR"
	envMaxAttempts = "SHARDLINE_MAX_ATTEMPTS"
	envMaxInFlight = "SHARDLINE_MAX_IN_FLIGHT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Mode is the default execution mode for plans that do not set one.
	Mode model.ExecutionMode

	// BackendURL is the base URL of the remote test lab. Empty disables the
	// HTTP backend.
	BackendURL string

	// StorageURL is the object store upload endpoint. When empty, artifacts
	// are copied into StorageDir instead.
	StorageURL string
	StorageDir string

	// Bucket receives uploads whose destination names no bucket. Dispatches
	// always upload into their plan's results bucket.
	Bucket string

	// ResultsDir is where matrix_ids.json is written per dispatch. Empty
	// disables the local copy.
	ResultsDir string

	MaxAttempts int
	MaxInFlight int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		Mode:        model.ModeLive,
		StorageDir:  defaultStorageDir,
		Bucket:      defaultBucket,
		ResultsDir:  defaultResultsDir,
		MaxAttempts: backend.DefaultMaxAttempts,
		MaxInFlight: defaultMaxInFlight,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMode); v != "" {
		if mode, err := model.ParseExecutionMode(v); err == nil {
			cfg.Mode = mode
		}
	}
	if v := os.Getenv(envBackendURL); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv(envStorageURL); v != "" {
		cfg.StorageURL = v
	}
	if v := os.Getenv(envStorageDir); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv(envBucket); v != "" {
		cfg.Bucket = v
	}
	if v := os.Getenv(envResultsDir); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv(envMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv(envMaxInFlight); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxInFlight = n
		}
	}

	return cfg
}

// RetryPolicy returns the submission retry policy for cfg.
func (c Config) RetryPolicy() backend.RetryPolicy {
	p := backend.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	return p
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
