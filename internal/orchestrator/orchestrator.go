// Package orchestrator composes the backup, recovery, and monitoring
// subsystems into one lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bastionkit/bastion/internal/config"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/logging"
	"github.com/bastionkit/bastion/internal/monitor"
	"github.com/bastionkit/bastion/internal/recovery"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

// SystemState is the aggregated run-state exposed to operators.
type SystemState string

const (
	SystemHealthy  SystemState = "healthy"
	SystemWarning  SystemState = "warning"
	SystemCritical SystemState = "critical"
	SystemDown     SystemState = "down"
)

var systemRank = map[SystemState]int{
	SystemHealthy:  0,
	SystemWarning:  1,
	SystemCritical: 2,
	SystemDown:     3,
}

func worst(a, b SystemState) SystemState {
	if systemRank[b] > systemRank[a] {
		return b
	}
	return a
}

// BackupService is the slice of the backup manager the orchestrator
// drives; satisfied by backup.Manager.
type BackupService interface {
	Initialize(ctx context.Context) error
	StartScheduler(ctx context.Context) error
	StopScheduler()
}

// RecoveryService is the slice of the recovery manager the orchestrator
// drives; satisfied by recovery.Manager.
type RecoveryService interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context)
	Stop()
	LastSnapshot() *recovery.HealthSnapshot
}

// MonitorService is the slice of the monitor the orchestrator drives;
// satisfied by monitor.Monitor.
type MonitorService interface {
	Run(ctx context.Context)
	Stop()
	Snapshot() monitor.Snapshot
}

// Orchestrator owns component lifecycle: initialize in dependency order,
// start in observation order, stop concurrently under a deadline.
type Orchestrator struct {
	cfg      *config.Config
	backups  BackupService
	recovery RecoveryService
	monitor  MonitorService
	logger   zerolog.Logger

	mu         sync.Mutex
	state      State
	errorCount int
	cancel     context.CancelFunc
	running    sync.WaitGroup

	stopHealth chan struct{}
}

// New builds an orchestrator over the three subsystems.
func New(cfg *config.Config, backups BackupService, rec RecoveryService, mon MonitorService) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		backups:    backups,
		recovery:   rec,
		monitor:    mon,
		logger:     logging.Component("orchestrator"),
		state:      StateCreated,
		stopHealth: make(chan struct{}),
	}
}

// Initialize prepares every subsystem in dependency order. Any failure
// aborts the sequence; no partially initialized system is left running.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateCreated {
		return bkerrors.Newf(bkerrors.KindConfiguration, "initialize", "orchestrator",
			"initialize called in state %s", o.state)
	}

	o.logger.Info().Msg("Initializing subsystems")
	if err := o.backups.Initialize(ctx); err != nil {
		o.errorCount++
		return fmt.Errorf("initializing backup manager: %w", err)
	}
	if err := o.recovery.Initialize(ctx); err != nil {
		o.errorCount++
		return fmt.Errorf("initializing recovery manager: %w", err)
	}

	o.state = StateInitialized
	o.logger.Info().Msg("All subsystems initialized")
	return nil
}

// Start brings the system up. Monitoring starts first so it observes the
// other components as they come online.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateInitialized {
		return bkerrors.Newf(bkerrors.KindConfiguration, "start", "orchestrator",
			"start called in state %s", o.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.monitor.Run(runCtx)
	}()

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.recovery.Run(runCtx)
	}()

	if err := o.backups.StartScheduler(runCtx); err != nil {
		cancel()
		o.errorCount++
		return fmt.Errorf("starting backup scheduler: %w", err)
	}

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.healthLoop(runCtx)
	}()

	o.state = StateRunning
	o.logger.Info().Msg("System started")
	return nil
}

// Stop shuts every component down concurrently, racing the graceful
// shutdown timeout. Component errors are collected and joined, never
// fatal; Stop always returns within the timeout.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopped
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info().Dur("timeout", o.cfg.GracefulShutdownTimeout).Msg("Shutting down")
	close(o.stopHealth)
	if cancel != nil {
		cancel()
	}

	ctx, release := context.WithTimeout(context.Background(), o.cfg.GracefulShutdownTimeout)
	defer release()

	var errMu sync.Mutex
	var errs []error
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		o.mu.Lock()
		o.errorCount++
		o.mu.Unlock()
	}

	g := new(errgroup.Group)
	stop := func(name string, fn func()) {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				defer close(done)
				fn()
			}()
			select {
			case <-done:
				o.logger.Debug().Str("component", name).Msg("Component stopped")
			case <-ctx.Done():
				record(bkerrors.Newf(bkerrors.KindTimeout, "stop_component", name,
					"shutdown deadline exceeded"))
			}
			return nil
		})
	}

	stop("monitor", o.monitor.Stop)
	stop("recovery", o.recovery.Stop)
	stop("backup_scheduler", o.backups.StopScheduler)
	_ = g.Wait()

	// Wait for the run goroutines, still bounded by the deadline.
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		o.running.Wait()
	}()
	select {
	case <-runDone:
	case <-ctx.Done():
	}

	err := errors.Join(errs...)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Shutdown completed with errors")
	} else {
		o.logger.Info().Msg("Shutdown complete")
	}
	return err
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SystemStatus aggregates component health into one run-state using
// worst-of precedence, then applies the accumulated error threshold.
func (o *Orchestrator) SystemStatus() SystemState {
	o.mu.Lock()
	state := o.state
	errorCount := o.errorCount
	o.mu.Unlock()

	if state == StateStopped || state == StateCreated {
		return SystemDown
	}

	status := SystemHealthy
	if snap := o.recovery.LastSnapshot(); snap != nil {
		status = worst(status, healthToSystem(snap.Overall))
	}
	if o.monitor.Snapshot().ActiveAlerts > 0 {
		status = worst(status, SystemWarning)
	}
	if o.cfg.ErrorCountThreshold > 0 && errorCount >= o.cfg.ErrorCountThreshold {
		status = worst(status, SystemCritical)
	}
	return status
}

func healthToSystem(state recovery.HealthState) SystemState {
	switch state {
	case recovery.StateHealthy:
		return SystemHealthy
	case recovery.StateDegraded:
		return SystemWarning
	case recovery.StateCritical:
		return SystemCritical
	default:
		return SystemDown
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	interval := o.cfg.OrchestratorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := o.SystemStatus()
			event := o.logger.Debug()
			if systemRank[status] >= systemRank[SystemCritical] {
				event = o.logger.Warn()
			}
			event.Str("status", string(status)).Msg("System status")
		case <-o.stopHealth:
			return
		case <-ctx.Done():
			return
		}
	}
}
