package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

// fileConfig mirrors Config with optional fields so an absent key leaves
// the default untouched. Durations are Go duration strings.
type fileConfig struct {
	ListenAddr       *string  `yaml:"listen_addr"`
	PollInterval     *string  `yaml:"poll_interval"`
	HistoryDepth     *int     `yaml:"history_depth"`
	Vendor           *string  `yaml:"vendor"`
	SysfsRoot        *string  `yaml:"sysfs_root"`
	ProcRoot         *string  `yaml:"proc_root"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	DefaultGPU       *string  `yaml:"default_gpu"`
	EnablePrometheus *bool    `yaml:"enable_prometheus"`
	EnablePprof      *bool    `yaml:"enable_pprof"`
	LogLevel         *string  `yaml:"log_level"`

	WS struct {
		MaxClients   *int    `yaml:"max_clients"`
		WriteTimeout *string `yaml:"write_timeout"`
		ReadTimeout  *string `yaml:"read_timeout"`
	} `yaml:"websocket"`

	Procs struct {
		Enable   *bool   `yaml:"enable"`
		Interval *string `yaml:"interval"`
	} `yaml:"procwatch"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}

	if file.ListenAddr != nil {
		cfg.ListenAddr = *file.ListenAddr
	}
	if file.PollInterval != nil {
		duration, err := parsePositiveDuration("poll_interval", *file.PollInterval)
		if err != nil {
			return err
		}
		cfg.PollInterval = duration
	}
	if file.HistoryDepth != nil {
		if *file.HistoryDepth <= 0 {
			return fmt.Errorf("history_depth must be > 0")
		}
		cfg.HistoryDepth = *file.HistoryDepth
	}
	if file.Vendor != nil {
		override, err := gpu.ParseVendorOverride(*file.Vendor)
		if err != nil {
			return fmt.Errorf("vendor: %w", err)
		}
		cfg.Vendor = override
	}
	if file.SysfsRoot != nil {
		cfg.SysfsRoot = *file.SysfsRoot
	}
	if file.ProcRoot != nil {
		cfg.ProcRoot = *file.ProcRoot
	}
	if len(file.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string(nil), file.AllowedOrigins...)
	}
	if file.DefaultGPU != nil {
		cfg.DefaultGPU = *file.DefaultGPU
	}
	if file.EnablePrometheus != nil {
		cfg.EnablePrometheus = *file.EnablePrometheus
	}
	if file.EnablePprof != nil {
		cfg.EnablePprof = *file.EnablePprof
	}
	if file.LogLevel != nil {
		level, err := parseLogLevel(*file.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	if file.WS.MaxClients != nil {
		if *file.WS.MaxClients <= 0 {
			return fmt.Errorf("websocket.max_clients must be > 0")
		}
		cfg.WS.MaxClients = *file.WS.MaxClients
	}
	if file.WS.WriteTimeout != nil {
		duration, err := parsePositiveDuration("websocket.write_timeout", *file.WS.WriteTimeout)
		if err != nil {
			return err
		}
		cfg.WS.WriteTimeout = duration
	}
	if file.WS.ReadTimeout != nil {
		duration, err := parsePositiveDuration("websocket.read_timeout", *file.WS.ReadTimeout)
		if err != nil {
			return err
		}
		cfg.WS.ReadTimeout = duration
	}

	if file.Procs.Enable != nil {
		cfg.Procs.Enable = *file.Procs.Enable
	}
	if file.Procs.Interval != nil {
		duration, err := parsePositiveDuration("procwatch.interval", *file.Procs.Interval)
		if err != nil {
			return err
		}
		cfg.Procs.Interval = duration
	}

	return nil
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}
