package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(id string, ts time.Time) Metadata {
	return Metadata{
		ID:                id,
		Type:              BackupFull,
		Timestamp:         ts,
		Checksum:          "abc",
		ChecksumAlgorithm: "sha256",
		Status:            StatusCompleted,
		Components:        []string{"database"},
	}
}

func TestIndexPutGetRoundTrip(t *testing.T) {
	s, err := openIndex(t.TempDir())
	require.NoError(t, err)

	meta := testMeta("b1", time.Now())
	require.NoError(t, s.Put(meta))

	got, ok := s.Get("b1")
	require.True(t, ok)
	assert.Equal(t, meta.Checksum, got.Checksum)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := openIndex(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testMeta("b1", time.Now())))
	require.NoError(t, s.Put(testMeta("b2", time.Now())))
	require.NoError(t, s.Delete("b1"))

	reopened, err := openIndex(dir)
	require.NoError(t, err)
	_, ok := reopened.Get("b1")
	assert.False(t, ok)
	_, ok = reopened.Get("b2")
	assert.True(t, ok)
}

func TestIndexListNewestFirst(t *testing.T) {
	s, err := openIndex(t.TempDir())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.Put(testMeta("old", now.Add(-time.Hour))))
	require.NoError(t, s.Put(testMeta("new", now)))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestIndexFlushIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := openIndex(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testMeta("b1", time.Now())))

	// No temp files should be left behind after a successful flush.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(s.indexPath()), entries[0].Name())
}

func TestIndexOpenRejectsCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte("{not json"), 0o600))
	_, err := openIndex(dir)
	require.Error(t, err)
}
