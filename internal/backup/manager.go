// Package backup creates, verifies and restores encrypted backups of the
// platform's components and enforces retention on the resulting artifacts.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/database"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/logging"
	"github.com/bastionkit/bastion/internal/remote"
)

// Deps are the external collaborators the manager drives during backup and
// restore. Any of them may be nil when no component of that kind is
// registered.
type Deps struct {
	DB        database.DB
	Remote    remote.Storage
	Secrets   SecretsSource
	AppConfig ConfigSource
}

// Manager owns backup creation, restore, verification and retention.
// Exactly one backup operation may be in progress at a time.
type Manager struct {
	cfg      *config.Config
	registry []Component
	deps     Deps
	store    *indexStore
	key      []byte
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool

	// onFailure, when set, is invoked after a critical backup failure so
	// the alerting layer can raise an operator-facing alert. Alerts never
	// feed back into backup decisions.
	onFailure func(backupID, message string)

	clock func() time.Time
}

// NewManager builds a manager over a static component registry. The
// registry order is the execution order.
func NewManager(cfg *config.Config, registry []Component, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		deps:     deps,
		logger:   logging.Component("backup"),
		clock:    time.Now,
	}
}

// SetFailureCallback registers the hook fired on critical backup failures.
func (m *Manager) SetFailureCallback(cb func(backupID, message string)) {
	m.onFailure = cb
}

// Initialize prepares storage, loads keys and history, validates the
// configuration and probes component reachability. It must be called before
// any backup operation.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	if m.cfg.Storage.LocalEnabled {
		if err := os.MkdirAll(m.cfg.Storage.LocalPath, 0o700); err != nil {
			return bkerrors.New(bkerrors.KindConfiguration, "initialize", "storage",
				fmt.Errorf("create storage root: %w", err))
		}
	}

	if m.cfg.Backup.Encryption {
		key, err := loadOrGenerateKey(m.cfg.Backup.EncryptionKey, m.cfg.DataPath)
		if err != nil {
			return bkerrors.New(bkerrors.KindConfiguration, "initialize", "encryption", err)
		}
		m.key = key
	}

	st, err := openIndex(m.cfg.Storage.LocalPath)
	if err != nil {
		return bkerrors.New(bkerrors.KindConfiguration, "initialize", "store", err)
	}
	m.store = st

	// Fail fast on malformed cron expressions.
	for name, expr := range m.cfg.Backup.Schedules {
		if _, err := cron.ParseStandard(expr); err != nil {
			return bkerrors.New(bkerrors.KindConfiguration, "initialize", "schedule",
				fmt.Errorf("schedule %q: %w", name, err))
		}
	}

	m.probeComponents(ctx)
	m.logger.Info().Int("components", len(m.registry)).Msg("Backup manager initialized")
	return nil
}

// probeComponents checks reachability of each registered component. Probe
// failures are logged, not fatal: a component may come up later.
func (m *Manager) probeComponents(ctx context.Context) {
	for _, comp := range m.registry {
		switch comp.Type {
		case ComponentDatabase:
			if m.deps.DB == nil {
				m.logger.Warn().Str("component", comp.Name).Msg("Database component registered without a database handle")
				continue
			}
			if err := m.deps.DB.Authenticate(ctx); err != nil {
				m.logger.Warn().Err(err).Str("component", comp.Name).Msg("Database probe failed")
			}
		case ComponentFiles:
			if _, err := os.Stat(comp.Path); err != nil {
				m.logger.Warn().Err(err).Str("component", comp.Name).Msg("Files probe failed")
			}
		}
	}
}

// tryBegin flips the single-operation guard. It fails fast rather than
// queueing a second backup.
func (m *Manager) tryBegin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return bkerrors.Newf(bkerrors.KindBusy, "create_backup", "", "a backup is already in progress")
	}
	m.running = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// CreateFullBackup backs up every registered component matching opts,
// strictly in registry order. Non-critical component failures are recorded
// in the report; a critical-priority failure aborts the operation and is
// returned as an error alongside the partial report.
func (m *Manager) CreateFullBackup(ctx context.Context, opts CreateOptions) (*Report, error) {
	if err := m.tryBegin(); err != nil {
		return nil, err
	}
	defer m.end()

	start := m.clock()
	id := uuid.New().String()
	dir := filepath.Join(m.cfg.Storage.LocalPath, id)

	meta := Metadata{
		ID:                id,
		Type:              BackupFull,
		Timestamp:         start,
		Compressed:        m.cfg.Backup.Compression,
		Encrypted:         m.cfg.Backup.Encryption,
		ChecksumAlgorithm: checksumAlgorithm,
		Retention:         start.Add(time.Duration(m.cfg.Backup.RetentionDays) * 24 * time.Hour),
		Status:            StatusInProgress,
		Environment: map[string]string{
			"hostname": hostname(),
			"goos":     runtime.GOOS,
		},
	}
	if err := m.store.Put(meta); err != nil {
		return nil, bkerrors.New(bkerrors.KindInternal, "create_backup", "store", err)
	}

	report := &Report{BackupID: id, Status: "success"}
	selected := m.selectComponents(opts)
	report.ComponentsTotal = len(selected)

	for _, comp := range selected {
		compStart := m.clock()
		compDir := filepath.Join(dir, comp.Name)
		err := m.backupComponent(ctx, comp, compDir)
		result := ComponentResult{
			Name:     comp.Name,
			Duration: m.clock().Sub(compStart),
		}
		if err != nil {
			cerr := componentError(comp, err)
			result.Error = cerr.Error()
			report.Results = append(report.Results, result)
			report.ComponentsFailed++
			report.Errors = append(report.Errors, cerr.Error())
			m.logger.Error().Err(err).Str("component", comp.Name).Str("backup", id).Msg("Component backup failed")

			if comp.Priority == PriorityCritical {
				// A critical component failure aborts the whole backup
				// before lower-priority work is attempted.
				return m.failBackup(meta, report, cerr)
			}
			continue
		}
		result.Succeeded = true
		result.SizeBytes = dirSize(compDir)
		report.Results = append(report.Results, result)
		report.ComponentsSucceeded++
		meta.Components = append(meta.Components, comp.Name)
	}

	if err := m.finalizeBackup(ctx, &meta, report, dir, start); err != nil {
		return m.failBackup(meta, report, err)
	}
	return report, nil
}

// finalizeBackup computes checksums, applies compression and encryption,
// uploads to remote storage and persists the completed metadata.
func (m *Manager) finalizeBackup(ctx context.Context, meta *Metadata, report *Report, dir string, start time.Time) error {
	artifact := dir

	if m.cfg.Backup.Compression {
		archive := dir + ".tar.gz"
		uncompressed, compressed, err := compressDir(dir, archive)
		if err != nil {
			return bkerrors.New(bkerrors.KindInternal, "compress_backup", "", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return bkerrors.New(bkerrors.KindInternal, "compress_backup", "", err)
		}
		if compressed > 0 {
			report.CompressionRatio = float64(uncompressed) / float64(compressed)
			meta.CompressionRatio = report.CompressionRatio
		}
		artifact = archive
	}

	if m.cfg.Backup.Encryption {
		sealed := artifact + ".enc"
		if err := encryptFile(m.key, artifact, sealed); err != nil {
			return bkerrors.New(bkerrors.KindInternal, "encrypt_backup", "", err)
		}
		artifact = sealed
	}

	checksum, err := m.artifactChecksum(*meta)
	if err != nil {
		return bkerrors.New(bkerrors.KindIntegrity, "checksum_backup", "", err)
	}
	meta.Checksum = checksum
	meta.SizeBytes = artifactSize(artifact)

	if m.cfg.Storage.RemoteEnabled && m.deps.Remote != nil {
		location, err := m.deps.Remote.Upload(ctx, artifact)
		if err != nil {
			// Remote upload failures degrade to a warning: the local copy
			// is complete and verifiable.
			report.Warnings = append(report.Warnings, fmt.Sprintf("remote upload failed: %v", err))
			m.logger.Warn().Err(err).Str("backup", meta.ID).Msg("Remote upload failed")
		} else {
			meta.RemoteLocation = location
		}
	}

	meta.Status = StatusCompleted
	meta.Duration = m.clock().Sub(start)
	report.Duration = meta.Duration
	report.SizeBytes = meta.SizeBytes
	if secs := meta.Duration.Seconds(); secs > 0 {
		report.ThroughputBytesSec = float64(meta.SizeBytes) / secs
	}

	if err := m.store.Put(*meta); err != nil {
		return bkerrors.New(bkerrors.KindInternal, "create_backup", "store", err)
	}

	if removed := m.CleanupExpired(); removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Retention cleanup removed expired backups")
	}

	if m.cfg.Backup.VerifyAfter {
		if err := m.Verify(meta.ID); err != nil {
			return err
		}
	}

	m.logger.Info().
		Str("backup", meta.ID).
		Int64("sizeBytes", meta.SizeBytes).
		Dur("duration", meta.Duration).
		Int("componentsFailed", report.ComponentsFailed).
		Msg("Backup completed")
	return nil
}

// failBackup marks the metadata failed, fires the failure alert hook and
// returns the partial report together with the hard error.
func (m *Manager) failBackup(meta Metadata, report *Report, cause error) (*Report, error) {
	meta.Status = StatusFailed
	meta.Duration = m.clock().Sub(meta.Timestamp)
	if err := m.store.Put(meta); err != nil {
		m.logger.Error().Err(err).Str("backup", meta.ID).Msg("Failed to persist failed backup metadata")
	}
	report.Status = "failed"
	report.Duration = meta.Duration

	if m.cfg.Backup.AlertOnFailure && m.onFailure != nil {
		m.onFailure(meta.ID, cause.Error())
	}
	return report, cause
}

// selectComponents filters the registry by the requested priority and
// names, preserving registry order.
func (m *Manager) selectComponents(opts CreateOptions) []Component {
	wantName := make(map[string]bool, len(opts.Components))
	for _, name := range opts.Components {
		wantName[name] = true
	}
	var out []Component
	for _, comp := range m.registry {
		if opts.MaxPriority != "" && !comp.Priority.Includes(opts.MaxPriority) {
			continue
		}
		if len(wantName) > 0 && !wantName[comp.Name] {
			continue
		}
		out = append(out, comp)
	}
	return out
}

// Restore restores components from the identified backup. Integrity is
// verified before any data is touched when opts.VerifyIntegrity is set.
func (m *Manager) Restore(ctx context.Context, opts RestoreOptions) (*Report, error) {
	meta, ok := m.store.Get(opts.BackupID)
	if !ok {
		return nil, bkerrors.New(bkerrors.KindInternal, "restore", "",
			fmt.Errorf("backup %s: %w", opts.BackupID, bkerrors.ErrNotFound))
	}

	if opts.VerifyIntegrity {
		if err := m.Verify(meta.ID); err != nil {
			return nil, err
		}
	}

	dir, cleanup, err := m.materialize(meta)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	want := make(map[string]bool, len(opts.Components))
	for _, name := range opts.Components {
		want[name] = true
	}
	inBackup := make(map[string]bool, len(meta.Components))
	for _, name := range meta.Components {
		inBackup[name] = true
	}

	report := &Report{BackupID: meta.ID, Status: "success"}
	start := m.clock()
	for _, comp := range m.registry {
		if !inBackup[comp.Name] {
			continue
		}
		if len(want) > 0 && !want[comp.Name] {
			continue
		}
		report.ComponentsTotal++
		compStart := m.clock()
		err := m.restoreComponent(ctx, comp, filepath.Join(dir, comp.Name))
		result := ComponentResult{Name: comp.Name, Duration: m.clock().Sub(compStart)}
		if err != nil {
			result.Error = err.Error()
			report.Results = append(report.Results, result)
			report.ComponentsFailed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", comp.Name, err))
			m.logger.Error().Err(err).Str("component", comp.Name).Str("backup", meta.ID).Msg("Component restore failed")
			if comp.Priority == PriorityCritical && !opts.ContinueOnError {
				report.Status = "failed"
				report.Duration = m.clock().Sub(start)
				return report, bkerrors.New(bkerrors.KindComponentBackup, "restore", comp.Name, err)
			}
			continue
		}
		result.Succeeded = true
		report.Results = append(report.Results, result)
		report.ComponentsSucceeded++
	}
	report.Duration = m.clock().Sub(start)
	m.logger.Info().Str("backup", meta.ID).Int("restored", report.ComponentsSucceeded).Msg("Restore finished")
	return report, nil
}

// materialize produces a plain directory of backup artifacts, decrypting
// and decompressing as the metadata requires. cleanup removes any
// intermediate files.
func (m *Manager) materialize(meta Metadata) (string, func(), error) {
	artifact := m.artifactPath(meta)
	noop := func() {}

	if !meta.Compressed && !meta.Encrypted {
		return artifact, noop, nil
	}

	workDir, err := os.MkdirTemp(m.cfg.Storage.LocalPath, "restore-"+meta.ID+"-*")
	if err != nil {
		return "", noop, bkerrors.New(bkerrors.KindInternal, "restore", "", err)
	}
	cleanup := func() { os.RemoveAll(workDir) }

	archive := artifact
	if meta.Encrypted {
		if m.key == nil {
			cleanup()
			return "", noop, bkerrors.Newf(bkerrors.KindConfiguration, "restore", "encryption",
				"backup %s is encrypted but no key is loaded", meta.ID)
		}
		decrypted := filepath.Join(workDir, "archive.tar.gz")
		if err := decryptFile(m.key, artifact, decrypted); err != nil {
			cleanup()
			return "", noop, bkerrors.New(bkerrors.KindIntegrity, "restore", "", err)
		}
		archive = decrypted
	}

	contentDir := filepath.Join(workDir, "content")
	if err := decompressDir(archive, contentDir); err != nil {
		cleanup()
		return "", noop, bkerrors.New(bkerrors.KindInternal, "restore", "", err)
	}
	return contentDir, cleanup, nil
}

// Verify recomputes the backup's checksum from its stored artifacts and
// compares it with the recorded value. A mismatch marks the backup
// corrupted and refuses further use.
func (m *Manager) Verify(id string) error {
	meta, ok := m.store.Get(id)
	if !ok {
		return bkerrors.New(bkerrors.KindInternal, "verify", "",
			fmt.Errorf("backup %s: %w", id, bkerrors.ErrNotFound))
	}
	actual, err := m.artifactChecksum(meta)
	if err != nil {
		return bkerrors.New(bkerrors.KindIntegrity, "verify", "", err)
	}
	if actual != meta.Checksum {
		meta.Status = StatusCorrupted
		if err := m.store.Put(meta); err != nil {
			m.logger.Error().Err(err).Str("backup", id).Msg("Failed to mark backup corrupted")
		}
		return bkerrors.Newf(bkerrors.KindIntegrity, "verify", "",
			"checksum mismatch for backup %s: stored %s, computed %s", id, meta.Checksum, actual)
	}
	return nil
}

// artifactChecksum hashes the backup in its stored form: the directory tree
// when uncompressed, otherwise the single archive file.
func (m *Manager) artifactChecksum(meta Metadata) (string, error) {
	path := m.artifactPath(meta)
	if !meta.Compressed && !meta.Encrypted {
		return DirChecksum(path)
	}
	return FileChecksum(path)
}

func (m *Manager) artifactPath(meta Metadata) string {
	path := filepath.Join(m.cfg.Storage.LocalPath, meta.ID)
	if meta.Compressed {
		path += ".tar.gz"
	}
	if meta.Encrypted {
		path += ".enc"
	}
	return path
}

// CleanupExpired deletes every backup whose retention deadline has passed
// and returns the number removed. A backup is eligible iff now >= retention.
func (m *Manager) CleanupExpired() int {
	now := m.clock()
	removed := 0
	for _, meta := range m.store.List() {
		if now.Before(meta.Retention) {
			continue
		}
		if err := os.RemoveAll(m.artifactPath(meta)); err != nil {
			m.logger.Error().Err(err).Str("backup", meta.ID).Msg("Failed to remove expired backup artifacts")
			continue
		}
		if err := m.store.Delete(meta.ID); err != nil {
			m.logger.Error().Err(err).Str("backup", meta.ID).Msg("Failed to drop expired backup from index")
			continue
		}
		removed++
		m.logger.Info().Str("backup", meta.ID).Time("retention", meta.Retention).Msg("Expired backup removed")
	}
	return removed
}

// LatestCompleted returns the most recent completed backup containing the
// named component.
func (m *Manager) LatestCompleted(component string) (Metadata, bool) {
	for _, meta := range m.store.List() {
		if meta.Status != StatusCompleted {
			continue
		}
		for _, name := range meta.Components {
			if name == component {
				return meta, true
			}
		}
	}
	return Metadata{}, false
}

// History returns all known backup metadata, newest first.
func (m *Manager) History() []Metadata {
	return m.store.List()
}

// CollectMetrics summarizes the backup history for the monitoring layer.
func (m *Manager) CollectMetrics() Metrics {
	history := m.store.List()
	metrics := Metrics{TotalBackups: len(history)}
	if len(history) == 0 {
		return metrics
	}

	var completed, compressedCount int
	var totalDuration time.Duration
	var ratioSum float64
	countingFailures := true
	for i, meta := range history {
		if i == 0 {
			metrics.LastBackupTime = meta.Timestamp
			metrics.LastBackupStatus = meta.Status
			metrics.LastBackupDuration = meta.Duration
		}
		switch meta.Status {
		case StatusCompleted:
			completed++
			totalDuration += meta.Duration
			metrics.TotalSizeBytes += meta.SizeBytes
			if meta.CompressionRatio > 0 {
				ratioSum += meta.CompressionRatio
				compressedCount++
			}
			countingFailures = false
		case StatusFailed, StatusCorrupted:
			if countingFailures {
				metrics.ConsecutiveFailures++
			}
		}
	}
	metrics.SuccessRate = float64(completed) / float64(len(history))
	if completed > 0 {
		metrics.AverageDuration = totalDuration / time.Duration(completed)
	}
	if compressedCount > 0 {
		metrics.AvgCompressionRatio = ratioSum / float64(compressedCount)
	}
	return metrics
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func artifactSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if info.IsDir() {
		return dirSize(path)
	}
	return info.Size()
}
