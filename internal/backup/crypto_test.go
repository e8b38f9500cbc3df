package backup

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestLoadConfiguredKey(t *testing.T) {
	raw := make([]byte, chacha20poly1305.KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}

	key, err := loadOrGenerateKey(hex.EncodeToString(raw), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestLoadKeyRejectsWrongLength(t *testing.T) {
	_, err := loadOrGenerateKey("deadbeef", t.TempDir())
	assert.Error(t, err)
}

func TestGeneratedKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrGenerateKey("", dir)
	require.NoError(t, err)
	require.Len(t, first, chacha20poly1305.KeySize)

	second, err := loadOrGenerateKey("", dir)
	require.NoError(t, err)
	assert.Equal(t, first, second, "restart must reuse the persisted key")

	info, err := os.Stat(filepath.Join(dir, "backup.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := loadOrGenerateKey("", dir)
	require.NoError(t, err)

	src := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(src, []byte("sensitive payload"), 0o600))

	sealed := filepath.Join(dir, "sealed")
	require.NoError(t, encryptFile(key, src, sealed))

	// Source is consumed on success.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	out := filepath.Join(dir, "out")
	require.NoError(t, decryptFile(key, sealed, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "sensitive payload", string(data))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	key, err := loadOrGenerateKey("", dir)
	require.NoError(t, err)

	src := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))
	sealed := filepath.Join(dir, "sealed")
	require.NoError(t, encryptFile(key, src, sealed))

	other, err := loadOrGenerateKey("", t.TempDir())
	require.NoError(t, err)
	err = decryptFile(other, sealed, filepath.Join(dir, "out"))
	assert.Error(t, err)
}
