package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	s, err := Open(t.TempDir(), 30)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.Record(Entry{
		ID: "a1", Timestamp: now.Add(-time.Minute), Severity: "warning",
		Category: "backup", Title: "slow backup", Status: "open",
	}))
	require.NoError(t, s.Record(Entry{
		ID: "a2", Timestamp: now, Severity: "critical",
		Category: "disk", Title: "disk almost full", Status: "open",
	}))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a2", entries[0].ID, "newest first")
	assert.Equal(t, "a1", entries[1].ID)
}

func TestRecordUpdatesStatus(t *testing.T) {
	s, err := Open(t.TempDir(), 30)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.Record(Entry{ID: "a1", Timestamp: now, Severity: "warning", Category: "backup", Title: "t", Status: "open"}))

	resolved := now.Add(time.Minute)
	require.NoError(t, s.Record(Entry{ID: "a1", Timestamp: now, Severity: "warning", Category: "backup", Title: "t", Status: "resolved", ResolvedAt: &resolved}))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "resolved", entries[0].Status)
	require.NotNil(t, entries[0].ResolvedAt)
	assert.Equal(t, resolved.Unix(), entries[0].ResolvedAt.Unix())
}

func TestPrune(t *testing.T) {
	s, err := Open(t.TempDir(), 7)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(Entry{ID: "old", Timestamp: time.Now().AddDate(0, 0, -8), Severity: "warning", Category: "x", Title: "t", Status: "resolved"}))
	require.NoError(t, s.Record(Entry{ID: "new", Timestamp: time.Now(), Severity: "warning", Category: "x", Title: "t", Status: "open"}))

	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}
