package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envDriveLoops, "")
	t.Setenv(envQueueCapacity, "")
	t.Setenv(envStallTimeout, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.DriveLoops != defaultDriveLoops {
		t.Errorf("DriveLoops = %d, want %d", cfg.DriveLoops, defaultDriveLoops)
	}
	if cfg.QueueCapacity != defaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want %d", cfg.QueueCapacity, defaultQueueCapacity)
	}
	if cfg.StallTimeout != defaultStallTimeout {
		t.Errorf("StallTimeout = %v, want %v", cfg.StallTimeout, defaultStallTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envDriveLoops, "8")
	t.Setenv(envQueueCapacity, "64")
	t.Setenv(envStallTimeout, "30s")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.DriveLoops != 8 {
		t.Errorf("DriveLoops = %d, want 8", cfg.DriveLoops)
	}
	if cfg.QueueCapacity != 64 {
		t.Errorf("QueueCapacity = %d, want 64", cfg.QueueCapacity)
	}
	if cfg.StallTimeout != 30*time.Second {
		t.Errorf("StallTimeout = %v, want 30s", cfg.StallTimeout)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv(envDriveLoops, "not-a-number")
	t.Setenv(envQueueCapacity, "-5")
	t.Setenv(envStallTimeout, "soon")

	cfg := Load()

	if cfg.DriveLoops != defaultDriveLoops {
		t.Errorf("DriveLoops = %d, want default %d", cfg.DriveLoops, defaultDriveLoops)
	}
	if cfg.QueueCapacity != defaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want default %d", cfg.QueueCapacity, defaultQueueCapacity)
	}
	if cfg.StallTimeout != defaultStallTimeout {
		t.Errorf("StallTimeout = %v, want default %v", cfg.StallTimeout, defaultStallTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
