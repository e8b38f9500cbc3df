package backup

import (
	"context"
	"time"
)

// ComponentType identifies how a component is backed up and restored.
type ComponentType string

const (
	ComponentDatabase      ComponentType = "database"
	ComponentSecrets       ComponentType = "secrets"
	ComponentConfiguration ComponentType = "configuration"
	ComponentFiles         ComponentType = "files"
	ComponentCustom        ComponentType = "custom"
)

// Priority orders components and decides whether a failure aborts the
// whole backup.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Includes reports whether components of priority p should be included when
// the caller asked for at most maxPriority.
func (p Priority) Includes(maxPriority Priority) bool {
	return priorityRank[p] <= priorityRank[maxPriority]
}

// CustomFuncs are caller-supplied backup/restore routines for custom
// components. dir is the component's artifact directory within the backup.
type CustomFuncs struct {
	Backup  func(ctx context.Context, dir string) error
	Restore func(ctx context.Context, dir string) error
}

// Component is a named, independently backed-up unit of system state.
// The registry of components is static and immutable at runtime.
type Component struct {
	Name       string        `json:"name"`
	Type       ComponentType `json:"type"`
	Priority   Priority      `json:"priority"`
	Path       string        `json:"path,omitempty"`       // files components
	Exclusions []string      `json:"exclusions,omitempty"` // glob patterns
	Tables     []string      `json:"tables,omitempty"`     // database components
	Custom     *CustomFuncs  `json:"-"`
}

// BackupType distinguishes full, incremental and differential backups.
type BackupType string

const (
	BackupFull         BackupType = "full"
	BackupIncremental  BackupType = "incremental"
	BackupDifferential BackupType = "differential"
)

// Status is the lifecycle state of a backup.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCorrupted  Status = "corrupted"
)

// Metadata describes one backup. It is created when the backup starts,
// finalized once on completion, and deleted when retention expires.
type Metadata struct {
	ID                string            `json:"id"`
	Type              BackupType        `json:"type"`
	Timestamp         time.Time         `json:"timestamp"`
	SizeBytes         int64             `json:"sizeBytes"`
	Compressed        bool              `json:"compressed"`
	Encrypted         bool              `json:"encrypted"`
	Checksum          string            `json:"checksum"`
	ChecksumAlgorithm string            `json:"checksumAlgorithm"`
	CompressionRatio  float64           `json:"compressionRatio,omitempty"`
	Components        []string          `json:"components"`
	Retention         time.Time         `json:"retention"`
	Status            Status            `json:"status"`
	Duration          time.Duration     `json:"duration"`
	RemoteLocation    string            `json:"remoteLocation,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
}

// ComponentResult records the per-component outcome inside a report.
type ComponentResult struct {
	Name      string        `json:"name"`
	Succeeded bool          `json:"succeeded"`
	SizeBytes int64         `json:"sizeBytes"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Report is the ephemeral summary returned by CreateFullBackup and Restore.
// It is JSON-stable for CLI and HTTP consumers and never persisted.
type Report struct {
	BackupID            string            `json:"backupId"`
	Status              string            `json:"status"` // "success" or "failed"
	ComponentsTotal     int               `json:"componentsTotal"`
	ComponentsSucceeded int               `json:"componentsSucceeded"`
	ComponentsFailed    int               `json:"componentsFailed"`
	SizeBytes           int64             `json:"sizeBytes"`
	CompressionRatio    float64           `json:"compressionRatio,omitempty"`
	ThroughputBytesSec  float64           `json:"throughputBytesSec,omitempty"`
	Duration            time.Duration     `json:"duration"`
	Results             []ComponentResult `json:"results"`
	Errors              []string          `json:"errors,omitempty"`
	Warnings            []string          `json:"warnings,omitempty"`
}

// CreateOptions controls one CreateFullBackup run.
type CreateOptions struct {
	// MaxPriority filters the registry: only components at or above this
	// priority are included. Empty means every component.
	MaxPriority Priority
	// Components limits the backup to the named components (after the
	// priority filter). Empty means all.
	Components []string
}

// RestoreOptions controls one Restore run.
type RestoreOptions struct {
	BackupID        string
	Components      []string // empty: every component in the backup
	VerifyIntegrity bool
	ContinueOnError bool
}

// Metrics summarizes backup history for the monitoring subsystem.
type Metrics struct {
	TotalBackups        int           `json:"totalBackups"`
	SuccessRate         float64       `json:"successRate"`
	AverageDuration     time.Duration `json:"averageDuration"`
	TotalSizeBytes      int64         `json:"totalSizeBytes"`
	AvgCompressionRatio float64       `json:"avgCompressionRatio"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastBackupTime      time.Time     `json:"lastBackupTime"`
	LastBackupStatus    Status        `json:"lastBackupStatus"`
	LastBackupDuration  time.Duration `json:"lastBackupDuration"`
}
