// Package config sources runtime configuration from an optional YAML
// file and environment variables. Environment values override file
// values; both override the built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

// Config represents the full runtime configuration.
type Config struct {
	ListenAddr       string
	PollInterval     time.Duration
	HistoryDepth     int
	Vendor           gpu.VendorOverride
	SysfsRoot        string
	ProcRoot         string
	AllowedOrigins   []string
	DefaultGPU       string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	WS               WebsocketConfig
	Procs            ProcwatchConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProcwatchConfig contains settings for the per-process usage watcher.
type ProcwatchConfig struct {
	Enable   bool
	Interval time.Duration
}

// Default returns the built-in configuration: one-second polling with
// five minutes of retained history.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		PollInterval:     time.Second,
		HistoryDepth:     300,
		Vendor:           gpu.OverrideAuto,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		AllowedOrigins:   []string{"*"},
		DefaultGPU:       "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Procs: ProcwatchConfig{
			Enable:   true,
			Interval: 2 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// APP_CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_POLL_INTERVAL")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_POLL_INTERVAL: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("APP_POLL_INTERVAL must be > 0")
		}
		cfg.PollInterval = duration
	}

	if value := strings.TrimSpace(os.Getenv("APP_HISTORY_DEPTH")); value != "" {
		depth, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_HISTORY_DEPTH: %w", err)
		}
		if depth <= 0 {
			return Config{}, fmt.Errorf("APP_HISTORY_DEPTH must be > 0")
		}
		cfg.HistoryDepth = depth
	}

	if value := strings.TrimSpace(os.Getenv("APP_VENDOR")); value != "" {
		override, err := gpu.ParseVendorOverride(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_VENDOR: %w", err)
		}
		cfg.Vendor = override
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEFAULT_GPU")); value != "" {
		cfg.DefaultGPU = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_READ_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_READ_TIMEOUT must be > 0")
		}
		cfg.WS.ReadTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROCWATCH_ENABLE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROCWATCH_ENABLE: %w", err)
		}
		cfg.Procs.Enable = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROCWATCH_INTERVAL")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROCWATCH_INTERVAL: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("APP_PROCWATCH_INTERVAL must be > 0")
		}
		cfg.Procs.Interval = duration
	}

	return cfg, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
