// Package database defines the minimal database contract the backup and
// recovery subsystems depend on, plus a PostgreSQL implementation.
package database

import "context"

// Row is one result row keyed by column name.
type Row map[string]interface{}

// DB is the handle the backup manager uses to export schema and table data.
// Implementations must be safe for sequential use from a single goroutine.
type DB interface {
	// Authenticate verifies connectivity and credentials.
	Authenticate(ctx context.Context) error
	// Query runs a statement and returns all rows.
	Query(ctx context.Context, query string, args ...interface{}) ([]Row, error)
}
