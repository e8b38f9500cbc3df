package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.LocalEnabled = false
	cfg.Storage.RemoteEnabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, bkerrors.ErrConfiguration))
}

func TestValidateRequiresLocalPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.LocalPath = ""
	require.Error(t, cfg.Validate())
}

func TestValidateDiskThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.Monitor.DiskWarningPercent = 95
	cfg.Monitor.DiskCriticalPercent = 90
	require.Error(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bastion.json")
	doc := map[string]interface{}{
		"logLevel": "debug",
		"storage": map[string]interface{}{
			"localEnabled": true,
			"localPath":    dir,
		},
		"backup": map[string]interface{}{
			"compression":   false,
			"retentionDays": 7,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data, 0o600))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, dir, cfg.Storage.LocalPath)
	assert.False(t, cfg.Backup.Compression)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	// Untouched settings keep their defaults.
	assert.True(t, cfg.Recovery.AutoRecovery)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Backup.RetentionDays, cfg.Backup.RetentionDays)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BASTION_STORAGE_PATH", "/srv/backups")
	t.Setenv("BASTION_RETENTION_DAYS", "14")
	t.Setenv("BASTION_AUTO_RECOVERY", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", cfg.Storage.LocalPath)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
	assert.False(t, cfg.Recovery.AutoRecovery)
}

func TestEnvOverrideInvalidRetentionIgnored(t *testing.T) {
	t.Setenv("BASTION_RETENTION_DAYS", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Backup.RetentionDays, cfg.Backup.RetentionDays)
}
