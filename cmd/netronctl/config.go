package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/netron/internal/logging"
	"github.com/rs/zerolog"
)

// netronctl keys that sit beside the node config in the same file.
type fileConfig struct {
	LogLevel        string `toml:"log_level"`
	Demo            bool   `toml:"demo"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	WSPath          string `toml:"ws_path"`
	CallTimeout     string `toml:"admin_call_timeout"`
}

type ctlConfig struct {
	LogLevel        zerolog.Level
	LogLevelSet     bool
	Demo            bool
	ShutdownTimeout time.Duration
	WSPath          string
	CallTimeout     time.Duration
}

func defaultCtlConfig() ctlConfig {
	return ctlConfig{
		LogLevel:        zerolog.InfoLevel,
		ShutdownTimeout: 10 * time.Second,
		WSPath:          "/netron",
		CallTimeout:     30 * time.Second,
	}
}

// netronctl loader for TOML config with default overlay.
func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load netronctl config: %w", err)
	}

	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return ctlConfig{}, fmt.Errorf("unknown log_level: %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
		cfg.LogLevelSet = true
	}
	if meta.IsDefined("demo") {
		cfg.Demo = raw.Demo
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return ctlConfig{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("ws_path") {
		p := strings.TrimSpace(raw.WSPath)
		if !strings.HasPrefix(p, "/") {
			return ctlConfig{}, fmt.Errorf("ws_path must start with /: %q", raw.WSPath)
		}
		cfg.WSPath = p
	}
	if meta.IsDefined("admin_call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return ctlConfig{}, fmt.Errorf("parse admin_call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	return cfg, nil
}
