// Package config loads Bastion configuration from a JSON file with
// environment-variable overrides.
//
// File separation follows the deployment layout:
//   - .env: credentials only (S3 keys, database DSN, encryption key)
//   - bastion.json: application settings (storage, schedules, thresholds)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// StorageConfig controls where backup artifacts live.
type StorageConfig struct {
	LocalEnabled  bool   `json:"localEnabled"`
	LocalPath     string `json:"localPath"`
	RemoteEnabled bool   `json:"remoteEnabled"`
	RemoteBucket  string `json:"remoteBucket"`
	RemoteRegion  string `json:"remoteRegion"`
	RemotePrefix  string `json:"remotePrefix"`
	// RemoteEndpoint points at an S3-compatible store; empty means AWS.
	RemoteEndpoint  string `json:"remoteEndpoint,omitempty"`
	RemoteAccessKey string `json:"-"` // from env only, never persisted
	RemoteSecretKey string `json:"-"` // from env only, never persisted
}

// BackupConfig controls backup behaviour.
type BackupConfig struct {
	Compression    bool              `json:"compression"`
	Encryption     bool              `json:"encryption"`
	EncryptionKey  string            `json:"-"` // from env only, never persisted
	RetentionDays  int               `json:"retentionDays"`
	VerifyAfter    bool              `json:"verifyAfter"`
	AlertOnFailure bool              `json:"alertOnFailure"`
	IncludePaths   []string          `json:"includePaths"` // extra directories backed up as files components
	Schedules      map[string]string `json:"schedules"`    // schedule name -> cron expression
}

// RecoveryConfig controls the disaster recovery manager.
type RecoveryConfig struct {
	AutoRecovery        bool          `json:"autoRecovery"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval"`
	CooldownPeriod      time.Duration `json:"cooldownPeriod"`
	MaxResponseTime     time.Duration `json:"maxResponseTime"`
	MaxMemoryPercent    float64       `json:"maxMemoryPercent"`
	HistoryLimit        int           `json:"historyLimit"`
	Triggers            TriggerConfig `json:"triggers"`
}

// TriggerConfig enables auto recovery per disaster type.
type TriggerConfig struct {
	DatabaseFailure    bool `json:"databaseFailure"`
	ServiceUnavailable bool `json:"serviceUnavailable"`
	BackupFailure      bool `json:"backupFailure"`
	NetworkPartition   bool `json:"networkPartition"`
}

// MonitorConfig controls the monitoring/alerting cycle.
type MonitorConfig struct {
	Interval               time.Duration           `json:"interval"`
	MaxBackupDuration      time.Duration           `json:"maxBackupDuration"`
	MinSuccessRate         float64                 `json:"minSuccessRate"`
	MaxConsecutiveFailures int                     `json:"maxConsecutiveFailures"`
	DiskWarningPercent     float64                 `json:"diskWarningPercent"`
	DiskCriticalPercent    float64                 `json:"diskCriticalPercent"`
	DedupWindow            time.Duration           `json:"dedupWindow"`
	MaxAlertsPerHour       int                     `json:"maxAlertsPerHour"`
	Channels               []ChannelConfig         `json:"channels"`
	Escalation             []EscalationLevelConfig `json:"escalation"`
}

// ChannelConfig describes one alert delivery channel.
type ChannelConfig struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // currently "webhook"
	URL         string   `json:"url"`
	MinSeverity string   `json:"minSeverity"`
	Categories  []string `json:"categories,omitempty"`
	ActiveFrom  string   `json:"activeFrom,omitempty"` // "HH:MM", optional window
	ActiveUntil string   `json:"activeUntil,omitempty"`
	CooldownMin int      `json:"cooldownMinutes"`
	MaxPerHour  int      `json:"maxPerHour"`
}

// EscalationLevelConfig describes one escalation tier.
type EscalationLevelConfig struct {
	After              time.Duration `json:"after"`
	Channels           []string      `json:"channels"`
	AutoResolve        bool          `json:"autoResolve"`
	AutoResolveTimeout time.Duration `json:"autoResolveTimeout"`
}

// Config holds all application configuration.
type Config struct {
	DataPath                string         `json:"dataPath"`
	LogLevel                string         `json:"logLevel"`
	LogFormat               string         `json:"logFormat"`
	DatabaseDSN             string         `json:"-"` // from env only
	Storage                 StorageConfig  `json:"storage"`
	Backup                  BackupConfig   `json:"backup"`
	Recovery                RecoveryConfig `json:"recovery"`
	Monitor                 MonitorConfig  `json:"monitor"`
	GracefulShutdownTimeout time.Duration  `json:"gracefulShutdownTimeout"`
	OrchestratorInterval    time.Duration  `json:"orchestratorInterval"`
	ErrorCountThreshold     int            `json:"errorCountThreshold"`
}

// Default returns the baseline configuration applied before file and env
// overrides.
func Default() *Config {
	return &Config{
		DataPath:  "/var/lib/bastion",
		LogLevel:  "info",
		LogFormat: "auto",
		Storage: StorageConfig{
			LocalEnabled: true,
			LocalPath:    "/var/lib/bastion/backups",
		},
		Backup: BackupConfig{
			Compression:    true,
			Encryption:     false,
			RetentionDays:  30,
			VerifyAfter:    true,
			AlertOnFailure: true,
			Schedules:      map[string]string{},
		},
		Recovery: RecoveryConfig{
			AutoRecovery:        true,
			HealthCheckInterval: 30 * time.Second,
			CooldownPeriod:      15 * time.Minute,
			MaxResponseTime:     5 * time.Second,
			MaxMemoryPercent:    90,
			HistoryLimit:        200,
			Triggers: TriggerConfig{
				DatabaseFailure:    true,
				ServiceUnavailable: true,
			},
		},
		Monitor: MonitorConfig{
			Interval:               60 * time.Second,
			MaxBackupDuration:      2 * time.Hour,
			MinSuccessRate:         0.9,
			MaxConsecutiveFailures: 3,
			DiskWarningPercent:     80,
			DiskCriticalPercent:    90,
			DedupWindow:            10 * time.Minute,
			MaxAlertsPerHour:       20,
		},
		GracefulShutdownTimeout: 30 * time.Second,
		OrchestratorInterval:    60 * time.Second,
		ErrorCountThreshold:     5,
	}
}

// Load reads bastion.json from configPath (if present) over the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	// .env is optional; credentials may come from the real environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := Default()

	if configPath != "" {
		path := configPath
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "bastion.json")
		}
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, bkerrors.New(bkerrors.KindConfiguration, "load_config", "", fmt.Errorf("parse %s: %w", path, err))
			}
			log.Info().Str("path", path).Msg("Loaded configuration file")
		case os.IsNotExist(err):
			log.Debug().Str("path", path).Msg("No configuration file, using defaults")
		default:
			return nil, bkerrors.New(bkerrors.KindConfiguration, "load_config", "", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BASTION_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("BASTION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BASTION_STORAGE_PATH"); v != "" {
		cfg.Storage.LocalPath = v
	}
	if v := os.Getenv("BASTION_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("BASTION_ENCRYPTION_KEY"); v != "" {
		cfg.Backup.EncryptionKey = v
	}
	if v := os.Getenv("BASTION_REMOTE_BUCKET"); v != "" {
		cfg.Storage.RemoteBucket = v
		cfg.Storage.RemoteEnabled = true
	}
	if v := os.Getenv("BASTION_REMOTE_ACCESS_KEY"); v != "" {
		cfg.Storage.RemoteAccessKey = v
	}
	if v := os.Getenv("BASTION_REMOTE_SECRET_KEY"); v != "" {
		cfg.Storage.RemoteSecretKey = v
	}
	if v := os.Getenv("BASTION_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Backup.RetentionDays = days
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid BASTION_RETENTION_DAYS")
		}
	}
	if v := os.Getenv("BASTION_AUTO_RECOVERY"); v != "" {
		cfg.Recovery.AutoRecovery = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks that the configuration is usable. Storage must have at
// least one enabled destination and an existing local path when local
// storage is on.
func (c *Config) Validate() error {
	if !c.Storage.LocalEnabled && !c.Storage.RemoteEnabled {
		return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "storage",
			"neither local nor remote storage is enabled")
	}
	if c.Storage.LocalEnabled && c.Storage.LocalPath == "" {
		return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "storage",
			"local storage enabled but no path configured")
	}
	if c.Storage.RemoteEnabled && c.Storage.RemoteBucket == "" {
		return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "storage",
			"remote storage enabled but no bucket configured")
	}
	if c.Backup.RetentionDays <= 0 {
		return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "backup",
			"retention days must be positive, got %d", c.Backup.RetentionDays)
	}
	if c.Monitor.DiskWarningPercent >= c.Monitor.DiskCriticalPercent {
		return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "monitor",
			"disk warning threshold %.0f%% must be below critical %.0f%%",
			c.Monitor.DiskWarningPercent, c.Monitor.DiskCriticalPercent)
	}
	for name, expr := range c.Backup.Schedules {
		if strings.TrimSpace(expr) == "" {
			return bkerrors.Newf(bkerrors.KindConfiguration, "validate_config", "backup",
				"schedule %q has an empty cron expression", name)
		}
	}
	return nil
}
