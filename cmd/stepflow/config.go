package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	// DefaultStepTimeout bounds steps without timeout_seconds, in seconds.
	DefaultStepTimeout int `json:"default_step_timeout"`
	// ApprovalPollInterval is how often durable approval waits re-check the
	// store, in seconds.
	ApprovalPollInterval int `json:"approval_poll_interval"`
	// RunHistoryLimit caps settled runs kept in engine memory; 0 keeps all.
	RunHistoryLimit int  `json:"run_history_limit"`
	Panel           bool `json:"panel"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           ":4200",
		DBPath:               filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:             "info",
		PoolSize:             8,
		DefaultStepTimeout:   300,
		ApprovalPollInterval: 2,
		RunHistoryLimit:      200,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_DEFAULT_STEP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultStepTimeout = n
		}
	}
	if v := os.Getenv("STEPFLOW_APPROVAL_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ApprovalPollInterval = n
		}
	}
	if v := os.Getenv("STEPFLOW_RUN_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunHistoryLimit = n
		}
	}
	if v := os.Getenv("STEPFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}

	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.DefaultStepTimeout != new.DefaultStepTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "default_step_timeout")
	}
	if old.ApprovalPollInterval != new.ApprovalPollInterval {
		d.RestartNeeded = append(d.RestartNeeded, "approval_poll_interval")
	}
	if old.RunHistoryLimit != new.RunHistoryLimit {
		d.RestartNeeded = append(d.RestartNeeded, "run_history_limit")
	}
	return d
}

func pidPath() string {
	return filepath.Join(stepflowDir(), "stepflow.pid")
}
