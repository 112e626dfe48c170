package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.HistoryDepth != 300 {
		t.Errorf("HistoryDepth = %d, want 300", cfg.HistoryDepth)
	}
	if cfg.Vendor != gpu.OverrideAuto {
		t.Errorf("Vendor = %q, want auto", cfg.Vendor)
	}
	if cfg.SysfsRoot != "/sys" || cfg.ProcRoot != "/proc" {
		t.Errorf("roots = %q, %q", cfg.SysfsRoot, cfg.ProcRoot)
	}
	if cfg.EnablePrometheus || cfg.EnablePprof {
		t.Errorf("optional surfaces must default off")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.WS.MaxClients != 1024 {
		t.Errorf("WS.MaxClients = %d, want 1024", cfg.WS.MaxClients)
	}
	if !cfg.Procs.Enable || cfg.Procs.Interval != 2*time.Second {
		t.Errorf("Procs = %+v", cfg.Procs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("APP_POLL_INTERVAL", "250ms")
	t.Setenv("APP_HISTORY_DEPTH", "600")
	t.Setenv("APP_VENDOR", "amd")
	t.Setenv("APP_SYSFS_ROOT", "/fake/sys")
	t.Setenv("APP_ALLOWED_ORIGINS", "example.com, dash.example.com")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_WS_MAX_CLIENTS", "8")
	t.Setenv("APP_PROCWATCH_ENABLE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.HistoryDepth != 600 {
		t.Errorf("HistoryDepth = %d", cfg.HistoryDepth)
	}
	if cfg.Vendor != gpu.OverrideAMD {
		t.Errorf("Vendor = %q", cfg.Vendor)
	}
	if cfg.SysfsRoot != "/fake/sys" {
		t.Errorf("SysfsRoot = %q", cfg.SysfsRoot)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "dash.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus {
		t.Errorf("EnablePrometheus not applied")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.WS.MaxClients != 8 {
		t.Errorf("WS.MaxClients = %d", cfg.WS.MaxClients)
	}
	if cfg.Procs.Enable {
		t.Errorf("Procs.Enable not applied")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpuscope.yaml")
	content := `listen_addr: ":7070"
poll_interval: 2s
history_depth: 120
vendor: nvidia
log_level: warn
websocket:
  max_clients: 16
  write_timeout: 5s
procwatch:
  enable: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.HistoryDepth != 120 {
		t.Errorf("HistoryDepth = %d", cfg.HistoryDepth)
	}
	if cfg.Vendor != gpu.OverrideNVIDIA {
		t.Errorf("Vendor = %q", cfg.Vendor)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.WS.MaxClients != 16 || cfg.WS.WriteTimeout != 5*time.Second {
		t.Errorf("WS = %+v", cfg.WS)
	}
	if cfg.Procs.Enable {
		t.Errorf("procwatch.enable not applied")
	}
	// Keys absent from the file keep their defaults.
	if cfg.WS.ReadTimeout != 30*time.Second {
		t.Errorf("WS.ReadTimeout = %v, want default", cfg.WS.ReadTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpuscope.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":7070\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_LISTEN_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("env must win over file, got %q", cfg.ListenAddr)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad interval", "APP_POLL_INTERVAL", "soon"},
		{"negative interval", "APP_POLL_INTERVAL", "-1s"},
		{"bad depth", "APP_HISTORY_DEPTH", "many"},
		{"zero depth", "APP_HISTORY_DEPTH", "0"},
		{"bad vendor", "APP_VENDOR", "intel"},
		{"bad bool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"bad level", "APP_LOG_LEVEL", "loud"},
		{"zero clients", "APP_WS_MAX_CLIENTS", "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%q must fail", tc.key, tc.value)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("missing config file must fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	if level, err := parseLogLevel(" Warning "); err != nil || level != slog.LevelWarn {
		t.Errorf("parseLogLevel(Warning) = %v, %v", level, err)
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Errorf("unsupported level must fail")
	}
}
