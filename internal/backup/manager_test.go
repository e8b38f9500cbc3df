package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionkit/bastion/internal/config"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.Storage.LocalPath = t.TempDir()
	cfg.Backup.Compression = false
	cfg.Backup.Encryption = false
	cfg.Backup.VerifyAfter = false
	return cfg
}

func writeComponent(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func customComponent(name string, priority Priority, backupErr error) Component {
	return Component{
		Name:     name,
		Type:     ComponentCustom,
		Priority: priority,
		Custom: &CustomFuncs{
			Backup: func(ctx context.Context, dir string) error {
				if backupErr != nil {
					return backupErr
				}
				return os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"ok":true}`), 0o600)
			},
			Restore: func(ctx context.Context, dir string) error { return nil },
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, registry []Component) *Manager {
	t.Helper()
	m := NewManager(cfg, registry, Deps{})
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestCreateFullBackupAllSucceedWithCompression(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Compression = true
	cfg.Backup.VerifyAfter = true

	src := writeComponent(t, filepath.Join(t.TempDir(), "app"), map[string]string{
		"a.txt":        "some file content that compresses reasonably well well well",
		"nested/b.txt": "more content",
	})
	registry := []Component{
		customComponent("state", PriorityHigh, nil),
		{Name: "appfiles", Type: ComponentFiles, Priority: PriorityMedium, Path: src},
	}
	m := newTestManager(t, cfg, registry)

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, 0, report.ComponentsFailed)
	assert.Equal(t, 2, report.ComponentsSucceeded)
	assert.Greater(t, report.CompressionRatio, 0.0)

	meta, ok := m.store.Get(report.BackupID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, meta.Status)
	assert.Equal(t, []string{"state", "appfiles"}, meta.Components)
}

func TestCreateFullBackupMediumFailureStillSucceeds(t *testing.T) {
	cfg := testConfig(t)
	registry := []Component{
		customComponent("good", PriorityHigh, nil),
		customComponent("flaky", PriorityMedium, errors.New("export blew up")),
		customComponent("tail", PriorityLow, nil),
	}
	m := newTestManager(t, cfg, registry)

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, 1, report.ComponentsFailed)
	assert.Equal(t, 2, report.ComponentsSucceeded)

	meta, ok := m.store.Get(report.BackupID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, meta.Status)
	// The failed component is not listed as restorable.
	assert.NotContains(t, meta.Components, "flaky")
}

func TestCreateFullBackupCriticalFailureAborts(t *testing.T) {
	cfg := testConfig(t)
	var alertedID string
	lowRan := false
	registry := []Component{
		customComponent("vital", PriorityCritical, errors.New("database gone")),
		{
			Name:     "after",
			Type:     ComponentCustom,
			Priority: PriorityLow,
			Custom: &CustomFuncs{
				Backup: func(ctx context.Context, dir string) error {
					lowRan = true
					return nil
				},
			},
		},
	}
	m := newTestManager(t, cfg, registry)
	m.SetFailureCallback(func(backupID, message string) { alertedID = backupID })

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, "failed", report.Status)
	assert.False(t, lowRan, "low-priority component must not run after a critical failure")
	assert.Equal(t, report.BackupID, alertedID, "failure alert should fire")

	meta, ok := m.store.Get(report.BackupID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, meta.Status)
}

func TestCreateFullBackupBusyGuard(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once
	registry := []Component{{
		Name:     "slow",
		Type:     ComponentCustom,
		Priority: PriorityHigh,
		Custom: &CustomFuncs{
			Backup: func(ctx context.Context, dir string) error {
				startedOnce.Do(func() { close(started) })
				<-release
				return nil
			},
		},
	}}
	m := newTestManager(t, cfg, registry)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.CreateFullBackup(context.Background(), CreateOptions{})
		assert.NoError(t, err)
	}()

	<-started
	_, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bkerrors.ErrBusy))

	close(release)
	wg.Wait()

	// The guard releases once the first backup finishes.
	_, err = m.CreateFullBackup(context.Background(), CreateOptions{})
	assert.NoError(t, err)
}

func TestPriorityFilter(t *testing.T) {
	cfg := testConfig(t)
	registry := []Component{
		customComponent("crit", PriorityCritical, nil),
		customComponent("high", PriorityHigh, nil),
		customComponent("low", PriorityLow, nil),
	}
	m := newTestManager(t, cfg, registry)

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{MaxPriority: PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ComponentsTotal)

	meta, _ := m.store.Get(report.BackupID)
	assert.Equal(t, []string{"crit", "high"}, meta.Components)
}

func TestChecksumReproducesFromArtifacts(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("compressed=%v", compressed), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Backup.Compression = compressed
			m := newTestManager(t, cfg, []Component{customComponent("c", PriorityHigh, nil)})

			report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
			require.NoError(t, err)

			meta, ok := m.store.Get(report.BackupID)
			require.True(t, ok)
			recomputed, err := m.artifactChecksum(meta)
			require.NoError(t, err)
			assert.Equal(t, meta.Checksum, recomputed)
			require.NoError(t, m.Verify(meta.ID))
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, []Component{customComponent("c", PriorityHigh, nil)})

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)

	meta, _ := m.store.Get(report.BackupID)
	tampered := filepath.Join(m.artifactPath(meta), "c", "data.json")
	require.NoError(t, os.WriteFile(tampered, []byte(`{"ok":false}`), 0o600))

	err = m.Verify(meta.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bkerrors.ErrIntegrity))

	meta, _ = m.store.Get(report.BackupID)
	assert.Equal(t, StatusCorrupted, meta.Status)
}

func TestRestoreRefusesCorruptedBackup(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, []Component{customComponent("c", PriorityHigh, nil)})

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)
	meta, _ := m.store.Get(report.BackupID)
	require.NoError(t, os.WriteFile(filepath.Join(m.artifactPath(meta), "c", "data.json"), []byte("x"), 0o600))

	_, err = m.Restore(context.Background(), RestoreOptions{BackupID: report.BackupID, VerifyIntegrity: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bkerrors.ErrIntegrity))
}

func TestRestoreUnknownBackup(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	_, err := m.Restore(context.Background(), RestoreOptions{BackupID: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bkerrors.ErrNotFound))
}

func TestRestoreEncryptedCompressedRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Compression = true
	cfg.Backup.Encryption = true

	src := writeComponent(t, filepath.Join(t.TempDir(), "data"), map[string]string{
		"conf.yaml": "key: value\n",
	})
	dest := src // restore back over the source tree
	registry := []Component{{Name: "cfgfiles", Type: ComponentFiles, Priority: PriorityHigh, Path: dest}}
	m := newTestManager(t, cfg, registry)

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)

	// Wipe and restore.
	require.NoError(t, os.RemoveAll(filepath.Join(src, "conf.yaml")))
	restoreReport, err := m.Restore(context.Background(), RestoreOptions{
		BackupID:        report.BackupID,
		VerifyIntegrity: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", restoreReport.Status)

	data, err := os.ReadFile(filepath.Join(src, "conf.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "key: value\n", string(data))
}

func TestRetentionBoundary(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, []Component{customComponent("c", PriorityHigh, nil)})

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)
	meta, _ := m.store.Get(report.BackupID)

	// One second before the deadline: kept.
	m.clock = func() time.Time { return meta.Retention.Add(-time.Second) }
	assert.Equal(t, 0, m.CleanupExpired())
	_, ok := m.store.Get(meta.ID)
	assert.True(t, ok)

	// Exactly at the deadline: removed (now >= retention).
	m.clock = func() time.Time { return meta.Retention }
	assert.Equal(t, 1, m.CleanupExpired())
	_, ok = m.store.Get(meta.ID)
	assert.False(t, ok)
	_, err = os.Stat(m.artifactPath(meta))
	assert.True(t, os.IsNotExist(err))
}

func TestFilesExclusionGlobs(t *testing.T) {
	cfg := testConfig(t)
	src := writeComponent(t, filepath.Join(t.TempDir(), "tree"), map[string]string{
		"keep.txt":      "keep",
		"skip.tmp":      "skip",
		"cache/blob":    "skip entire dir",
		"logs/app.log":  "skip by pattern",
		"sub/nested.md": "keep",
	})
	registry := []Component{{
		Name:       "tree",
		Type:       ComponentFiles,
		Priority:   PriorityMedium,
		Path:       src,
		Exclusions: []string{"*.tmp", "cache", "logs/*"},
	}}
	m := newTestManager(t, cfg, registry)

	report, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)

	root := filepath.Join(cfg.Storage.LocalPath, report.BackupID, "tree")
	assert.FileExists(t, filepath.Join(root, "keep.txt"))
	assert.FileExists(t, filepath.Join(root, "sub", "nested.md"))
	assert.NoFileExists(t, filepath.Join(root, "skip.tmp"))
	assert.NoDirExists(t, filepath.Join(root, "cache"))
	assert.NoFileExists(t, filepath.Join(root, "logs", "app.log"))
}

func TestCollectMetrics(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, []Component{customComponent("c", PriorityHigh, nil)})

	_, err := m.CreateFullBackup(context.Background(), CreateOptions{})
	require.NoError(t, err)

	// A failed run after the success.
	m.registry = []Component{customComponent("c", PriorityCritical, errors.New("boom"))}
	_, err = m.CreateFullBackup(context.Background(), CreateOptions{})
	require.Error(t, err)

	metrics := m.CollectMetrics()
	assert.Equal(t, 2, metrics.TotalBackups)
	assert.InDelta(t, 0.5, metrics.SuccessRate, 0.001)
	assert.Equal(t, 1, metrics.ConsecutiveFailures)
	assert.Equal(t, StatusFailed, metrics.LastBackupStatus)
}
