package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "anvil.db"
	defaultBackendsFile    = "backends.toml"
	defaultShutdownTimeout = 10 * time.Second

	envListenAddr      = "ANVIL_LISTEN_ADDR"
	envDBPath          = "ANVIL_DB_PATH"
	envLogLevel        = "ANVIL_LOG_LEVEL"
	envBackendsFile    = "ANVIL_BACKENDS_FILE"
	envShutdownTimeout = "ANVIL_SHUTDOWN_TIMEOUT_SECONDS"
)

// Config holds application configuration loaded from environment variables.
// Backend definitions live in a separate TOML file; see LoadBackends.
type Config struct {
	ListenAddr      string
	DBPath          string
	BackendsFile    string
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		BackendsFile:    defaultBackendsFile,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: defaultShutdownTimeout,
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
	if v := os.Getenv(envBackendsFile); v != "" {
		cfg.BackendsFile = v
	}
	if v := os.Getenv(envShutdownTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ShutdownTimeout = time.Duration(secs) * time.Second
		}
	}

	return cfg
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
