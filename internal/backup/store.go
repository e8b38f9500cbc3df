package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

const indexFile = "index.json"

// indexStore owns the backupId -> Metadata index, persisted as a JSON
// document at the storage root and rewritten atomically after every change.
// The manager is the sole writer; readers observe copies.
type indexStore struct {
	mu      sync.RWMutex
	root    string
	entries map[string]Metadata
}

// openIndex loads the index from the storage root, creating an empty index
// when none exists.
func openIndex(root string) (*indexStore, error) {
	s := &indexStore{
		root:    root,
		entries: make(map[string]Metadata),
	}

	data, err := os.ReadFile(s.indexPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("parse backup index: %w", err)
		}
		log.Info().Int("backups", len(s.entries)).Msg("Loaded backup index")
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("read backup index: %w", err)
	}
	return s, nil
}

func (s *indexStore) indexPath() string {
	return filepath.Join(s.root, indexFile)
}

// Get returns the metadata for id.
func (s *indexStore) Get(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.entries[id]
	return meta, ok
}

// Put inserts or replaces one entry and rewrites the index.
func (s *indexStore) Put(meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[meta.ID] = meta
	return s.flushLocked()
}

// Delete removes one entry and rewrites the index.
func (s *indexStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return s.flushLocked()
}

// List returns every entry ordered newest first.
func (s *indexStore) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.entries))
	for _, meta := range s.entries {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// flushLocked writes the index to a temp file and renames it into place so
// a crash mid-write never corrupts the index. Caller holds s.mu.
func (s *indexStore) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup index: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, indexFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.indexPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}
