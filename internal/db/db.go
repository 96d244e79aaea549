// Package db opens the single-file bbolt store and declares its buckets.
// Snapshot/restore of all persistent state is a copy of this one file.
package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	BucketUsers            = []byte("users")
	BucketUsersByID        = []byte("users_by_id")
	BucketSettings         = []byte("settings")
	BucketImageUpdates     = []byte("image_updates")
	BucketDismissedDigests = []byte("dismissed_digests")
)

var allBuckets = [][]byte{
	BucketUsers,
	BucketUsersByID,
	BucketSettings,
	BucketImageUpdates,
	BucketDismissedDigests,
}

// Open creates/opens the store under dataDir and ensures all buckets exist.
func Open(dataDir string) (*bolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "deckhand.db")
	database, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	err = database.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	slog.Info("database ready", "path", path)
	return database, nil
}
