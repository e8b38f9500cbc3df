package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/bastionkit/bastion/internal/backup"
	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/logging"
	"github.com/bastionkit/bastion/internal/recovery"
)

// BackupStats exposes the backup history summary; satisfied by
// backup.Manager.
type BackupStats interface {
	CollectMetrics() backup.Metrics
}

// HealthSource exposes the latest health snapshot; satisfied by
// recovery.Manager.
type HealthSource interface {
	LastSnapshot() *recovery.HealthSnapshot
}

// HistoryPruner trims persisted alert history to its retention window;
// satisfied by history.Store.
type HistoryPruner interface {
	Prune() (int64, error)
}

// resolvedAlertRetention bounds how long resolved alerts stay in the
// in-memory alert set; the history store keeps the permanent record.
const resolvedAlertRetention = 24 * time.Hour

// pruneInterval spaces history prune passes.
const pruneInterval = 24 * time.Hour

// DiskSample is one storage utilization reading.
type DiskSample struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// Snapshot is the combined view of the system the monitor maintains. It is
// what the export layer renders.
type Snapshot struct {
	Timestamp     time.Time                `json:"timestamp"`
	Backup        backup.Metrics           `json:"backup"`
	Disk          *DiskSample              `json:"disk,omitempty"`
	Health        *recovery.HealthSnapshot `json:"health,omitempty"`
	ActiveAlerts  int                      `json:"activeAlerts"`
	CyclesRun     uint64                   `json:"cyclesRun"`
	LastCycleTime time.Time                `json:"lastCycleTime"`
}

// Monitor runs the periodic monitoring cycle: sample, evaluate thresholds,
// raise alerts, advance escalations.
type Monitor struct {
	cfg         config.MonitorConfig
	alerts      *AlertManager
	backups     BackupStats
	health      HealthSource
	pruner      HistoryPruner
	storagePath string
	logger      zerolog.Logger
	clock       func() time.Time
	lastPrune   time.Time

	// diskUsage is swappable in tests.
	diskUsage func(path string) (*disk.UsageStat, error)

	stop chan struct{}
	done chan struct{}

	snapMu   sync.RWMutex
	snapshot Snapshot
}

// New builds the monitor. health and pruner may be nil when the recovery
// layer or the alert history store is disabled.
func New(cfg config.MonitorConfig, alerts *AlertManager, backups BackupStats, health HealthSource, pruner HistoryPruner, storagePath string) *Monitor {
	return &Monitor{
		cfg:         cfg,
		alerts:      alerts,
		backups:     backups,
		health:      health,
		pruner:      pruner,
		storagePath: storagePath,
		logger:      logging.Component("monitor"),
		clock:       time.Now,
		diskUsage:   disk.Usage,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run executes cycles every cfg.Interval until Stop is called or ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Monitoring started")
	m.Cycle(ctx)
	for {
		select {
		case <-ticker.C:
			m.Cycle(ctx)
		case <-m.stop:
			m.logger.Info().Msg("Monitoring stopped")
			return
		case <-ctx.Done():
			m.logger.Info().Msg("Monitoring stopped by context")
			return
		}
	}
}

// Stop halts the cycle loop and waits for the current cycle to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Cycle performs one monitoring pass.
func (m *Monitor) Cycle(ctx context.Context) {
	now := m.clock()
	snap := Snapshot{Timestamp: now, LastCycleTime: now}

	snap.Backup = m.backups.CollectMetrics()
	m.evaluateBackups(ctx, snap.Backup)

	if sample := m.sampleDisk(ctx); sample != nil {
		snap.Disk = sample
	}

	if m.health != nil {
		snap.Health = m.health.LastSnapshot()
		m.evaluateHealth(ctx, snap.Health, now)
	}

	m.alerts.CheckEscalations(ctx)
	m.alerts.Cleanup(resolvedAlertRetention)
	m.pruneHistory(now)
	snap.ActiveAlerts = len(m.alerts.Active())

	m.snapMu.Lock()
	snap.CyclesRun = m.snapshot.CyclesRun + 1
	m.snapshot = snap
	m.snapMu.Unlock()

	m.logger.Debug().
		Uint64("cycle", snap.CyclesRun).
		Float64("successRate", snap.Backup.SuccessRate).
		Int("activeAlerts", snap.ActiveAlerts).
		Msg("Monitoring cycle complete")
}

// pruneHistory trims the persisted alert history once per prune interval.
func (m *Monitor) pruneHistory(now time.Time) {
	if m.pruner == nil {
		return
	}
	if !m.lastPrune.IsZero() && now.Sub(m.lastPrune) < pruneInterval {
		return
	}
	m.lastPrune = now
	removed, err := m.pruner.Prune()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Alert history prune failed")
		return
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Msg("Alert history pruned")
	}
}

// Snapshot returns the latest combined view.
func (m *Monitor) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

func (m *Monitor) evaluateBackups(ctx context.Context, metrics backup.Metrics) {
	if metrics.TotalBackups == 0 {
		return
	}
	if m.cfg.MaxBackupDuration > 0 && metrics.LastBackupDuration > m.cfg.MaxBackupDuration {
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "warning",
			Category: "backup",
			Title:    "Backup duration exceeded threshold",
			Message: fmt.Sprintf("Last backup took %s, threshold is %s",
				metrics.LastBackupDuration.Round(time.Second), m.cfg.MaxBackupDuration),
		})
	}
	if m.cfg.MinSuccessRate > 0 && metrics.SuccessRate < m.cfg.MinSuccessRate {
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "critical",
			Category: "backup",
			Title:    "Backup success rate below threshold",
			Message: fmt.Sprintf("Success rate %.1f%% is below the required %.1f%%",
				metrics.SuccessRate*100, m.cfg.MinSuccessRate*100),
		})
	}
	if m.cfg.MaxConsecutiveFailures > 0 && metrics.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "critical",
			Category: "backup",
			Title:    "Consecutive backup failures",
			Message:  fmt.Sprintf("%d backups failed in a row", metrics.ConsecutiveFailures),
		})
	}
}

func (m *Monitor) sampleDisk(ctx context.Context) *DiskSample {
	usage, err := m.diskUsage(m.storagePath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.storagePath).Msg("Disk usage sampling failed")
		return nil
	}
	sample := &DiskSample{
		Path:        m.storagePath,
		TotalBytes:  usage.Total,
		UsedBytes:   usage.Used,
		UsedPercent: usage.UsedPercent,
	}
	switch {
	case m.cfg.DiskCriticalPercent > 0 && usage.UsedPercent >= m.cfg.DiskCriticalPercent:
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "critical",
			Category: "storage",
			Title:    "Backup storage critically full",
			Message: fmt.Sprintf("Storage at %s is %.1f%% full, critical threshold is %.1f%%",
				m.storagePath, usage.UsedPercent, m.cfg.DiskCriticalPercent),
		})
	case m.cfg.DiskWarningPercent > 0 && usage.UsedPercent >= m.cfg.DiskWarningPercent:
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "warning",
			Category: "storage",
			Title:    "Backup storage filling up",
			Message: fmt.Sprintf("Storage at %s is %.1f%% full, warning threshold is %.1f%%",
				m.storagePath, usage.UsedPercent, m.cfg.DiskWarningPercent),
		})
	}
	return sample
}

func (m *Monitor) evaluateHealth(ctx context.Context, snap *recovery.HealthSnapshot, now time.Time) {
	if snap == nil {
		return
	}
	// A snapshot older than three cycles means the health loop is stalled.
	if staleness := now.Sub(snap.Timestamp); staleness > 3*m.cfg.Interval {
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "warning",
			Category: "health",
			Title:    "Health checks are stale",
			Message:  fmt.Sprintf("Last health snapshot is %s old", staleness.Round(time.Second)),
		})
		return
	}
	for name, comp := range snap.Components {
		if comp.Status == recovery.StateCritical || comp.Status == recovery.StateDown {
			m.alerts.CreateAlert(ctx, AlertData{
				Severity: "critical",
				Category: "health",
				Title:    fmt.Sprintf("Component %s is %s", name, comp.Status),
				Message:  comp.Message,
			})
		}
	}
	for _, breach := range snap.Alerts {
		// Title stays stable across cycles so dedup collapses a persisting
		// breach; the measured values go in the message.
		m.alerts.CreateAlert(ctx, AlertData{
			Severity: "warning",
			Category: "health",
			Title:    fmt.Sprintf("Component %s %s above threshold", breach.Component, breach.Metric),
			Message:  breach.Detail,
		})
	}
}
