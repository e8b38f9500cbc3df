package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bastionkit/bastion/internal/backup"
	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/export"
	"github.com/bastionkit/bastion/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run a full backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxPriority, _ := cmd.Flags().GetString("max-priority")
		components, _ := cmd.Flags().GetStringSlice("components")
		return withSystem(cmd.Context(), func(ctx context.Context, sys *system) error {
			report, err := sys.backups.CreateFullBackup(ctx, backup.CreateOptions{
				MaxPriority: backup.Priority(maxPriority),
				Components:  components,
			})
			printJSON(report)
			return err
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore from a stored backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		components, _ := cmd.Flags().GetStringSlice("components")
		verify, _ := cmd.Flags().GetBool("verify")
		continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
		return withSystem(cmd.Context(), func(ctx context.Context, sys *system) error {
			report, err := sys.backups.Restore(ctx, backup.RestoreOptions{
				BackupID:        args[0],
				Components:      components,
				VerifyIntegrity: verify,
				ContinueOnError: continueOnError,
			})
			printJSON(report)
			return err
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <plan-id>",
	Short: "Execute a recovery plan manually",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		components, _ := cmd.Flags().GetStringSlice("components")
		return withSystem(cmd.Context(), func(ctx context.Context, sys *system) error {
			execution, err := sys.recovery.ManualRecovery(ctx, args[0], components)
			if err != nil {
				return err
			}
			// A failed or rolled-back execution is a structured result,
			// not a CLI error.
			printJSON(execution)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a system status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withSystem(cmd.Context(), func(ctx context.Context, sys *system) error {
			sys.recovery.PerformHealthCheck(ctx)
			sys.monitor.Cycle(ctx)
			out, err := sys.exporter.Export(export.Format(format))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

func init() {
	backupCmd.Flags().String("max-priority", "", "only back up components at or above this priority")
	backupCmd.Flags().StringSlice("components", nil, "limit the backup to the named components")
	restoreCmd.Flags().StringSlice("components", nil, "limit the restore to the named components")
	restoreCmd.Flags().Bool("verify", true, "verify backup integrity before restoring")
	restoreCmd.Flags().Bool("continue-on-error", false, "continue after a critical component fails to restore")
	recoverCmd.Flags().StringSlice("components", nil, "limit the recovery to the named components")
	statusCmd.Flags().String("format", "json", "output format: json, csv or prometheus")
}

// withSystem loads config, builds the component graph, initializes the
// backup and recovery managers and hands control to fn.
func withSystem(ctx context.Context, fn func(ctx context.Context, sys *system) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.close()

	if err := sys.backups.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing backup manager: %w", err)
	}
	if err := sys.recovery.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing recovery manager: %w", err)
	}
	return fn(ctx, sys)
}

func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "bastion"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bastion",
	})
	return cfg, nil
}

func runServe() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("version", Version).Msg("Starting bastion")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build system")
	}
	defer sys.close()

	if err := sys.orch.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Initialization failed")
	}
	if err := sys.orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := sys.orch.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}

func printJSON(v interface{}) {
	if v == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Encoding output")
		return
	}
	fmt.Println(string(data))
}
