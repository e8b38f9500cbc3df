// Package remote abstracts the off-site storage backend backups are
// uploaded to.
package remote

import "context"

// Storage uploads finished backup artifacts off the local host.
type Storage interface {
	// Upload stores the file at path and returns an opaque location string
	// recorded in the backup metadata.
	Upload(ctx context.Context, path string) (string, error)
}
