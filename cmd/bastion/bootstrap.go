package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bastionkit/bastion/internal/backup"
	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/database"
	"github.com/bastionkit/bastion/internal/export"
	"github.com/bastionkit/bastion/internal/monitor"
	"github.com/bastionkit/bastion/internal/monitor/history"
	"github.com/bastionkit/bastion/internal/notify"
	"github.com/bastionkit/bastion/internal/orchestrator"
	"github.com/bastionkit/bastion/internal/recovery"
	"github.com/bastionkit/bastion/internal/remote"
)

// system bundles everything the commands operate on.
type system struct {
	cfg      *config.Config
	backups  *backup.Manager
	recovery *recovery.Manager
	monitor  *monitor.Monitor
	exporter *export.Exporter
	orch     *orchestrator.Orchestrator
	db       *database.Postgres
	history  *history.Store
}

func (s *system) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing database handle")
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing alert history store")
		}
	}
}

// buildSystem wires the full component graph from configuration.
func buildSystem(ctx context.Context, cfg *config.Config) (*system, error) {
	sys := &system{cfg: cfg}

	var db database.DB
	if cfg.DatabaseDSN != "" {
		pg, err := database.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		sys.db = pg
		db = pg
	}

	var store remote.Storage
	if cfg.Storage.RemoteEnabled {
		s3, err := remote.NewS3Storage(ctx, remote.S3Options{
			Bucket:    cfg.Storage.RemoteBucket,
			Region:    cfg.Storage.RemoteRegion,
			Prefix:    cfg.Storage.RemotePrefix,
			Endpoint:  cfg.Storage.RemoteEndpoint,
			AccessKey: cfg.Storage.RemoteAccessKey,
			SecretKey: cfg.Storage.RemoteSecretKey,
		})
		if err != nil {
			sys.close()
			return nil, fmt.Errorf("configuring remote storage: %w", err)
		}
		store = s3
	}

	secrets := &dirSecretsSource{dir: filepath.Join(cfg.DataPath, "secrets")}
	appConfig := &staticConfigSource{cfg: cfg}

	sys.backups = backup.NewManager(cfg, buildRegistry(cfg, db), backup.Deps{
		DB:        db,
		Remote:    store,
		Secrets:   secrets,
		AppConfig: appConfig,
	})

	checkers := buildCheckers(cfg, db, sys.backups)
	validator := &recovery.StandardValidator{
		DB: db,
		Health: func(ctx context.Context, component string) recovery.ComponentHealth {
			for _, checker := range checkers {
				if checker.Name() == component {
					return checker.Check(ctx)
				}
			}
			return recovery.ComponentHealth{Name: component, Status: recovery.StateDown, Message: "unknown component"}
		},
		Integrity: func(ctx context.Context, target string) error {
			if target == "" {
				target = "database"
			}
			meta, ok := sys.backups.LatestCompleted(target)
			if !ok {
				return fmt.Errorf("no completed backup covers %s", target)
			}
			return sys.backups.Verify(meta.ID)
		},
	}

	sys.recovery = recovery.NewManager(cfg.Recovery, checkers, recovery.Deps{
		Backups:   sys.backups,
		Runner:    recovery.NewExecRunner(nil),
		Validator: validator,
	})
	if err := registerPlans(cfg, sys.recovery); err != nil {
		sys.close()
		return nil, err
	}

	hist, err := history.Open(cfg.DataPath, cfg.Backup.RetentionDays)
	if err != nil {
		sys.close()
		return nil, fmt.Errorf("opening alert history: %w", err)
	}
	sys.history = hist

	dispatcher := notify.NewDispatcher(cfg.Monitor.Channels, nil)
	alerts := monitor.NewAlertManager(cfg.Monitor, dispatcher, hist)
	sys.monitor = monitor.New(cfg.Monitor, alerts, sys.backups, sys.recovery, hist, cfg.Storage.LocalPath)
	sys.exporter = export.NewExporter(sys.monitor)

	if cfg.Backup.AlertOnFailure {
		sys.backups.SetFailureCallback(func(backupID, message string) {
			alerts.CreateAlert(context.Background(), monitor.AlertData{
				Severity: "critical",
				Category: "backup",
				Title:    "Backup failed",
				Message:  fmt.Sprintf("backup %s: %s", backupID, message),
			})
		})
	}

	sys.orch = orchestrator.New(cfg, sys.backups, sys.recovery, sys.monitor)
	return sys, nil
}

// buildRegistry derives the backup component registry from configuration.
// Registration order is backup execution order.
func buildRegistry(cfg *config.Config, db database.DB) []backup.Component {
	var registry []backup.Component
	if db != nil {
		registry = append(registry, backup.Component{
			Name:     "database",
			Type:     backup.ComponentDatabase,
			Priority: backup.PriorityCritical,
		})
	}
	registry = append(registry,
		backup.Component{
			Name:     "secrets",
			Type:     backup.ComponentSecrets,
			Priority: backup.PriorityCritical,
		},
		backup.Component{
			Name:     "configuration",
			Type:     backup.ComponentConfiguration,
			Priority: backup.PriorityHigh,
		},
	)
	for _, path := range cfg.Backup.IncludePaths {
		name := "files-" + strings.ReplaceAll(strings.Trim(filepath.ToSlash(path), "/"), "/", "-")
		registry = append(registry, backup.Component{
			Name:     name,
			Type:     backup.ComponentFiles,
			Priority: backup.PriorityMedium,
			Path:     path,
		})
	}
	return registry
}

func buildCheckers(cfg *config.Config, db database.DB, backups *backup.Manager) []recovery.HealthChecker {
	var checkers []recovery.HealthChecker
	if db != nil {
		checkers = append(checkers, &recovery.DatabaseChecker{DB: db})
	}
	checkers = append(checkers, &recovery.FuncChecker{
		ComponentName: "backup",
		Fn: func(ctx context.Context) recovery.ComponentHealth {
			metrics := backups.CollectMetrics()
			health := recovery.ComponentHealth{Status: recovery.StateHealthy}
			switch {
			case metrics.ConsecutiveFailures >= cfg.Monitor.MaxConsecutiveFailures && cfg.Monitor.MaxConsecutiveFailures > 0:
				health.Status = recovery.StateCritical
				health.Message = fmt.Sprintf("%d consecutive backup failures", metrics.ConsecutiveFailures)
			case metrics.TotalBackups > 0 && metrics.LastBackupStatus == backup.StatusFailed:
				health.Status = recovery.StateDegraded
				health.Message = "most recent backup failed"
			}
			return health
		},
	})
	return checkers
}

// registerPlans loads recovery plans from <dataPath>/plans.json when the
// file exists.
func registerPlans(cfg *config.Config, mgr *recovery.Manager) error {
	path := filepath.Join(cfg.DataPath, "plans.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("No recovery plans file, continuing without plans")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading recovery plans: %w", err)
	}
	var plans []recovery.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return fmt.Errorf("parsing recovery plans: %w", err)
	}
	for _, plan := range plans {
		if err := mgr.RegisterPlan(plan); err != nil {
			return fmt.Errorf("registering plan %s: %w", plan.ID, err)
		}
	}
	log.Info().Int("count", len(plans)).Msg("Recovery plans registered")
	return nil
}

// dirSecretsSource reads and writes secret documents as JSON files under
// one directory.
type dirSecretsSource struct {
	dir string
}

func (s *dirSecretsSource) Export(ctx context.Context) (map[string]json.RawMessage, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	docs := make(map[string]json.RawMessage)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		docs[strings.TrimSuffix(entry.Name(), ".json")] = json.RawMessage(data)
	}
	return docs, nil
}

func (s *dirSecretsSource) Import(ctx context.Context, docs map[string]json.RawMessage) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	for name, doc := range docs {
		path := filepath.Join(s.dir, name+".json")
		if err := os.WriteFile(path, doc, 0600); err != nil {
			return err
		}
	}
	return nil
}

// staticConfigSource exports the sanitized running configuration. Secrets
// are excluded at the type level (env-only fields never marshal).
type staticConfigSource struct {
	cfg *config.Config
}

func (s *staticConfigSource) Export(ctx context.Context) (json.RawMessage, error) {
	return json.MarshalIndent(s.cfg, "", "  ")
}

func (s *staticConfigSource) Import(ctx context.Context, doc json.RawMessage) error {
	// Restored configuration is written next to the live one for an
	// operator to review, never applied blind.
	path := filepath.Join(s.cfg.DataPath, "config.restored.json")
	return os.WriteFile(path, doc, 0600)
}
