package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "strand.db"
	defaultWorkerMin      = 2
	defaultWorkerMax      = 8
	defaultWorkerTimeoutS = 60

	envListenAddr     = "STRAND_LISTEN_ADDR"
	envDBPath         = "STRAND_DB_PATH"
	envLogLevel       = "STRAND_LOG_LEVEL"
	envWorkerMin      = "STRAND_WORKER_MIN"
	envWorkerMax      = "STRAND_WORKER_MAX"
	envWorkerTimeoutS = "STRAND_WORKER_TIMEOUT_S"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	WorkerMin      int
	WorkerMax      int
	WorkerTimeoutS int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		WorkerMin:      defaultWorkerMin,
		WorkerMax:      defaultWorkerMax,
		WorkerTimeoutS: defaultWorkerTimeoutS,
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
	if v := os.Getenv(envWorkerMin); v != "" {
		cfg.WorkerMin = parsePositiveInt(v, defaultWorkerMin)
	}
	if v := os.Getenv(envWorkerMax); v != "" {
		cfg.WorkerMax = parsePositiveInt(v, defaultWorkerMax)
	}
	if v := os.Getenv(envWorkerTimeoutS); v != "" {
		cfg.WorkerTimeoutS = parsePositiveInt(v, defaultWorkerTimeoutS)
	}
	if cfg.WorkerMax < cfg.WorkerMin {
		cfg.WorkerMax = cfg.WorkerMin
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

func parsePositiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
