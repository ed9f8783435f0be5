// Package config implements SPEC_FULL.md §10's single composition root:
// defaults, then a JSON file, then environment variable overrides, applied
// in that order and built exactly once. No other package reads os.Getenv
// directly (spec.md §9's explicit no-global-state design note). Grounded on
// ztbrown-gastown's internal/config/loader.go load-validate-default idiom.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the single source of tunables for every component.
type Config struct {
	// RegistryRoot is the installation root (registry/ in spec.md §6).
	RegistryRoot string `json:"registry_root"`

	// StorePath is the SQLite database file path.
	StorePath string `json:"store_path"`

	// WorktreesRoot is the parent directory for {project}-tmux-worktrees/.
	WorktreesRoot string `json:"worktrees_root"`

	// DeliveryLogPath is the JSONL messenger delivery log.
	DeliveryLogPath string `json:"delivery_log_path"`

	// SchedulerTickSeconds is the Scheduler Core's dispatch loop interval.
	SchedulerTickSeconds int `json:"scheduler_tick_seconds"`

	// SchedulerWorkers caps the Scheduler Core's parallel delivery pool.
	SchedulerWorkers int `json:"scheduler_workers"`

	// HealthCheckIntervalSeconds is the Health Monitor sweep period.
	HealthCheckIntervalSeconds int `json:"health_check_interval_seconds"`

	// StuckThresholdMinutes is how long a pane may sit silent before STUCK.
	StuckThresholdMinutes int `json:"stuck_threshold_minutes"`

	// GracePeriodMinutes is how long after a project starts the Health Monitor
	// records agent status but takes no recovery or timeout action (spec.md
	// §4.9 cold-start grace period). Values below 240 have no effect: the
	// monitor never uses a grace period shorter than 4 hours.
	GracePeriodMinutes int `json:"grace_period_minutes"`

	// AutoMergeIntervalMinutes is how often the Auto-Merge Runner wakes.
	AutoMergeIntervalMinutes int `json:"automerge_interval_minutes"`

	// AutoMergeBatchCap caps projects merged per Auto-Merge Runner pass.
	AutoMergeBatchCap int `json:"automerge_batch_cap"`

	// AgentProcessNames are the process names the Health Monitor and
	// Session Controller treat as "the agent CLI is running" (spec.md §4.3
	// generalization away from the teacher's Claude-only detection).
	AgentProcessNames []string `json:"agent_process_names"`

	// ControlFlagDir is watched by config.Watcher for emergency sentinel
	// files (EMERGENCY_BYPASS, DISABLE_RECONCILIATION).
	ControlFlagDir string `json:"control_flag_dir"`

	// NotifyWebhookURL, if set, is where C12 Notifier posts alerts.
	NotifyWebhookURL string `json:"notify_webhook_url"`
}

// Defaults returns the baked-in configuration before any file or env layer
// is applied.
func Defaults() Config {
	return Config{
		RegistryRoot:               "registry",
		StorePath:                  "registry/conductor.db",
		WorktreesRoot:              "registry/worktrees",
		DeliveryLogPath:            "registry/logs/delivery.jsonl",
		SchedulerTickSeconds:       1,
		SchedulerWorkers:           8,
		HealthCheckIntervalSeconds: 60,
		StuckThresholdMinutes:      30,
		GracePeriodMinutes:         5,
		AutoMergeIntervalMinutes:   10,
		AutoMergeBatchCap:          5,
		AgentProcessNames:          []string{"claude"},
		ControlFlagDir:             "registry/control",
	}
}

// Load builds a Config from defaults, then path (if it exists), then env.
// A missing file is not an error — Defaults() alone is a valid Config.
func Load(path string, env map[string]string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, jsonErr)
		}
	case os.IsNotExist(err):
		// fall through with defaults
	default:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg, env)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func validate(cfg *Config) error {
	if cfg.SchedulerTickSeconds <= 0 {
		return fmt.Errorf("scheduler_tick_seconds must be positive, got %d", cfg.SchedulerTickSeconds)
	}
	if cfg.SchedulerWorkers <= 0 {
		return fmt.Errorf("scheduler_workers must be positive, got %d", cfg.SchedulerWorkers)
	}
	if len(cfg.AgentProcessNames) == 0 {
		return errors.New("agent_process_names must not be empty")
	}
	return nil
}

// SchedulerTick returns the tick interval as a time.Duration.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

// StuckThreshold returns the stuck-pane threshold as a time.Duration.
func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

// GracePeriod returns the cold-start grace period as a time.Duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMinutes) * time.Minute
}

// HealthCheckInterval returns the Health Monitor sweep period.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// AutoMergeInterval returns the Auto-Merge Runner's wake period.
func (c Config) AutoMergeInterval() time.Duration {
	return time.Duration(c.AutoMergeIntervalMinutes) * time.Minute
}
