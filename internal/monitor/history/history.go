// Package history persists resolved and historical alerts in SQLite so the
// dashboard and CLI can query past incidents after a restart.
package history

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Entry is one historical alert row.
type Entry struct {
	ID         string
	Timestamp  time.Time
	Severity   string
	Category   string
	Title      string
	Message    string
	Status     string
	ResolvedAt *time.Time
}

// Store is the SQLite-backed alert history.
type Store struct {
	db            *sql.DB
	retentionDays int
}

// Open creates or opens the alert history database under dataDir.
func Open(dataDir string, retentionDays int) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "alerts.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open alert history: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, retentionDays: retentionDays}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("dbPath", dbPath).Msg("Alert history store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT,
			status TEXT NOT NULL,
			resolved_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
		CREATE INDEX IF NOT EXISTS idx_alerts_category ON alerts(category);
	`)
	if err != nil {
		return fmt.Errorf("init alert history schema: %w", err)
	}
	return nil
}

// Record inserts or updates one alert row.
func (s *Store) Record(e Entry) error {
	var resolved sql.NullInt64
	if e.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: e.ResolvedAt.Unix(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, timestamp, severity, category, title, message, status, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, resolved_at = excluded.resolved_at
	`, e.ID, e.Timestamp.Unix(), e.Severity, e.Category, e.Title, e.Message, e.Status, resolved)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, severity, category, title, message, status, resolved_at
		FROM alerts ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alert history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var message sql.NullString
		var resolved sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.Severity, &e.Category, &e.Title, &message, &e.Status, &resolved); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Message = message.String
		if resolved.Valid {
			t := time.Unix(resolved.Int64, 0)
			e.ResolvedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes rows older than the retention window and returns the count.
func (s *Store) Prune() (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).Unix()
	res, err := s.db.Exec(`DELETE FROM alerts WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune alert history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
