package core

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration. YAML on disk; the manager
// coerces it to JSON so one strict decoder covers both formats.
type Config struct {
	DataDir string `json:"data_dir"`

	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Commands  CommandsConfig  `json:"commands"`
	Backups   BackupsConfig   `json:"backups"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Pprof     PprofConfig     `json:"pprof"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	Mirror struct {
		Enabled    bool   `json:"enabled"`
		MinLevel   string `json:"min_level"`
		RatePerSec int    `json:"rate_per_sec"`
	} `json:"mirror"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Dir         string `json:"dir"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type SchedulerConfig struct {
	Workers        int    `json:"workers"`
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
}

type CommandsConfig struct {
	DefaultTimeout string `json:"default_timeout"`
}

type BackupsConfig struct {
	KeepHourly         int    `json:"keep_hourly"`
	KeepDaily          int    `json:"keep_daily"`
	KeepRecoveryPoints int    `json:"keep_recovery_points"`
	HourlySpec         string `json:"hourly_spec"`
	DailySpec          string `json:"daily_spec"`
}

type RecoveryConfig struct {
	HealthInterval string `json:"health_interval"`
	StepTimeout    string `json:"step_timeout"`
	EmergencyAddr  string `json:"emergency_addr"`
	RetryInterval  string `json:"retry_interval"`
}

// withDefaults fills the zero values an empty config file leaves
// behind. The result is always runnable.
func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Backups.HourlySpec == "" {
		c.Backups.HourlySpec = "@hourly"
	}
	if c.Backups.DailySpec == "" {
		c.Backups.DailySpec = "0 0 * * *"
	}
	if c.Recovery.HealthInterval == "" {
		c.Recovery.HealthInterval = "30s"
	}
	if c.Recovery.EmergencyAddr == "" {
		c.Recovery.EmergencyAddr = "127.0.0.1:8787"
	}
	return c
}

// validate rejects configs that would take effect badly on hot reload.
func (c Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"commands.default_timeout", c.Commands.DefaultTimeout},
		{"recovery.health_interval", c.Recovery.HealthInterval},
		{"recovery.step_timeout", c.Recovery.StepTimeout},
		{"recovery.retry_interval", c.Recovery.RetryInterval},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	switch c.Storage.Driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}

func (c Config) healthInterval() time.Duration {
	d, err := parseDurationOrDefault("recovery.health_interval", c.Recovery.HealthInterval, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Duration fields are strings in the file ("45s", "2m") so the config
// stays hand-editable. Empty means unset.
func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
