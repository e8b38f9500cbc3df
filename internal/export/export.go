// Package export renders the monitoring snapshot in machine-readable
// formats for external systems.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/monitor"
	"github.com/bastionkit/bastion/internal/recovery"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON       Format = "json"
	FormatCSV        Format = "csv"
	FormatPrometheus Format = "prometheus"
)

// SnapshotSource provides the current monitoring snapshot; satisfied by
// monitor.Monitor.
type SnapshotSource interface {
	Snapshot() monitor.Snapshot
}

// Exporter renders snapshots. It owns a private Prometheus registry so the
// exposition only carries backup and recovery series.
type Exporter struct {
	source   SnapshotSource
	registry *prometheus.Registry

	backupsTotal        prometheus.Gauge
	successRate         prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	totalSizeBytes      prometheus.Gauge
	lastDuration        prometheus.Gauge
	diskUsedPercent     prometheus.Gauge
	activeAlerts        prometheus.Gauge
	cyclesRun           prometheus.Gauge
	healthStatus        *prometheus.GaugeVec
}

// NewExporter builds an exporter backed by source.
func NewExporter(source SnapshotSource) *Exporter {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Exporter{
		source:   source,
		registry: registry,
		backupsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_backups_total",
			Help: "Number of backups in the index",
		}),
		successRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_backup_success_rate",
			Help: "Fraction of backups that completed successfully",
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_backup_consecutive_failures",
			Help: "Number of most recent backups that failed in a row",
		}),
		totalSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_backup_size_bytes_total",
			Help: "Total stored size of completed backups",
		}),
		lastDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_backup_last_duration_seconds",
			Help: "Duration of the most recent backup",
		}),
		diskUsedPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_storage_used_percent",
			Help: "Used percentage of the backup storage volume",
		}),
		activeAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_alerts_active",
			Help: "Number of open or acknowledged alerts",
		}),
		cyclesRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_monitor_cycles_total",
			Help: "Number of completed monitoring cycles",
		}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_component_health",
			Help: "Component health state (0 healthy, 1 degraded, 2 critical, 3 down)",
		}, []string{"component"}),
	}
}

// Export renders the current snapshot in the requested format.
func (e *Exporter) Export(format Format) ([]byte, error) {
	snap := e.source.Snapshot()
	switch format {
	case FormatJSON:
		return json.MarshalIndent(snap, "", "  ")
	case FormatCSV:
		return e.exportCSV(snap)
	case FormatPrometheus:
		return e.exportPrometheus(snap)
	default:
		return nil, bkerrors.Newf(bkerrors.KindConfiguration, "export_metrics", "export", "unsupported format %q", format)
	}
}

func (e *Exporter) exportCSV(snap monitor.Snapshot) ([]byte, error) {
	records := [][]string{
		{"metric", "value"},
		{"timestamp", snap.Timestamp.Format(time.RFC3339)},
		{"backups_total", strconv.Itoa(snap.Backup.TotalBackups)},
		{"success_rate", formatFloat(snap.Backup.SuccessRate)},
		{"consecutive_failures", strconv.Itoa(snap.Backup.ConsecutiveFailures)},
		{"total_size_bytes", strconv.FormatInt(snap.Backup.TotalSizeBytes, 10)},
		{"avg_duration_seconds", formatFloat(snap.Backup.AverageDuration.Seconds())},
		{"last_duration_seconds", formatFloat(snap.Backup.LastBackupDuration.Seconds())},
		{"active_alerts", strconv.Itoa(snap.ActiveAlerts)},
		{"cycles_run", strconv.FormatUint(snap.CyclesRun, 10)},
	}
	if snap.Disk != nil {
		records = append(records, []string{"disk_used_percent", formatFloat(snap.Disk.UsedPercent)})
	}
	if snap.Health != nil {
		records = append(records, []string{"overall_health", string(snap.Health.Overall)})
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("encoding csv: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) exportPrometheus(snap monitor.Snapshot) ([]byte, error) {
	e.backupsTotal.Set(float64(snap.Backup.TotalBackups))
	e.successRate.Set(snap.Backup.SuccessRate)
	e.consecutiveFailures.Set(float64(snap.Backup.ConsecutiveFailures))
	e.totalSizeBytes.Set(float64(snap.Backup.TotalSizeBytes))
	e.lastDuration.Set(snap.Backup.LastBackupDuration.Seconds())
	e.activeAlerts.Set(float64(snap.ActiveAlerts))
	e.cyclesRun.Set(float64(snap.CyclesRun))
	if snap.Disk != nil {
		e.diskUsedPercent.Set(snap.Disk.UsedPercent)
	}
	if snap.Health != nil {
		e.healthStatus.Reset()
		for name, comp := range snap.Health.Components {
			e.healthStatus.WithLabelValues(name).Set(healthValue(comp.Status))
		}
	}

	families, err := e.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return nil, fmt.Errorf("encoding metric family %s: %w", family.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func healthValue(state recovery.HealthState) float64 {
	switch state {
	case recovery.StateHealthy:
		return 0
	case recovery.StateDegraded:
		return 1
	case recovery.StateCritical:
		return 2
	default:
		return 3
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
