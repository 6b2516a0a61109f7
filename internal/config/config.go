package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "stevedore.db"
	defaultProvisionerAddr = "http://localhost:8000"
	defaultDriveLoops      = 4
	defaultQueueCapacity   = 2048
	defaultStallTimeout    = 60 * time.Second
	defaultNetworkName     = "stevedore_services"

	envListenAddr      = "STEVEDORE_LISTEN_ADDR"
	envDBPath          = "STEVEDORE_DB_PATH"
	envLogLevel        = "STEVEDORE_LOG_LEVEL"
	envProvisionerAddr = "STEVEDORE_PROVISIONER_ADDR"
	envDriveLoops      = "STEVEDORE_DRIVE_LOOPS"
	envQueueCapacity   = "STEVEDORE_QUEUE_CAPACITY"
	envStallTimeout    = "STEVEDORE_STALL_TIMEOUT"
	envNetworkName     = "STEVEDORE_NETWORK_NAME"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	ProvisionerAddr string
	DriveLoops      int
	QueueCapacity   int
	StallTimeout    time.Duration
	NetworkName     string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		ProvisionerAddr: defaultProvisionerAddr,
		DriveLoops:      defaultDriveLoops,
		QueueCapacity:   defaultQueueCapacity,
		StallTimeout:    defaultStallTimeout,
		NetworkName:     defaultNetworkName,
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
	if v := os.Getenv(envProvisionerAddr); v != "" {
		cfg.ProvisionerAddr = v
	}
	if v := os.Getenv(envDriveLoops); v != "" {
		if n := parsePositiveInt(v); n > 0 {
			cfg.DriveLoops = n
		}
	}
	if v := os.Getenv(envQueueCapacity); v != "" {
		if n := parsePositiveInt(v); n > 0 {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv(envStallTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StallTimeout = d
		}
	}
	if v := os.Getenv(envNetworkName); v != "" {
		cfg.NetworkName = v
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

func parsePositiveInt(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
