package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deckhand/deckhand/internal/db"
)

// ImageUpdateStore caches registry probe results keyed by image
// reference, plus per-(endpoint, stack) dismissed digests. bbolt is
// memory-mapped, so reads are cheap enough to skip an in-memory cache.
type ImageUpdateStore struct {
	db *bolt.DB
}

func NewImageUpdateStore(database *bolt.DB) *ImageUpdateStore {
	return &ImageUpdateStore{db: database}
}

// ImageUpdateRecord is the stored probe result for one image reference.
type ImageUpdateRecord struct {
	ImageRef      string `json:"imageRef"`
	LocalDigest   string `json:"localDigest,omitempty"`
	RemoteDigest  string `json:"remoteDigest,omitempty"`
	HasUpdate     bool   `json:"hasUpdate"`
	LastCheckedAt int64  `json:"lastCheckedAt,omitempty"`
}

// Upsert inserts or updates the probe result for an image reference.
func (s *ImageUpdateStore) Upsert(rec ImageUpdateRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal image update: %w", err)
		}
		return tx.Bucket(db.BucketImageUpdates).Put([]byte(rec.ImageRef), data)
	})
}

// Get returns the probe result for a reference, or nil when never probed.
func (s *ImageUpdateStore) Get(imageRef string) (*ImageUpdateRecord, error) {
	var rec *ImageUpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketImageUpdates).Get([]byte(imageRef))
		if v == nil {
			return nil
		}
		rec = &ImageUpdateRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get image update %q: %w", imageRef, err)
	}
	return rec, nil
}

// UpdateMap returns imageRef → hasUpdate for every stored reference.
// WorldView consumes this as a pure lookup.
func (s *ImageUpdateStore) UpdateMap() (map[string]bool, error) {
	result := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketImageUpdates).ForEach(func(k, v []byte) error {
			var rec ImageUpdateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries
			}
			result[string(k)] = rec.HasUpdate
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the probe result for a reference.
func (s *ImageUpdateStore) Delete(imageRef string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketImageUpdates).Delete([]byte(imageRef))
	})
}

// Clear removes all probe results.
func (s *ImageUpdateStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketImageUpdates)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// lastCheckKey stores the Unix timestamp of the last background probe
// pass under the settings bucket.
var lastCheckKey = []byte("imageUpdateLastCheck")

// GetLastCheckTime returns the time of the last background probe pass,
// or zero time when never run.
func (s *ImageUpdateStore) GetLastCheckTime() (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketSettings).Get(lastCheckKey)
		if v == nil {
			return nil
		}
		unix, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return nil // treat corrupt value as never checked
		}
		t = time.Unix(unix, 0)
		return nil
	})
	return t, err
}

// SetLastCheckTime records t as the last background probe pass.
func (s *ImageUpdateStore) SetLastCheckTime(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSettings).Put(lastCheckKey, []byte(strconv.FormatInt(t.Unix(), 10)))
	})
}

// dismissKey returns the key for a (endpoint, stack) dismissal set.
func dismissKey(endpoint, stack string) []byte {
	return []byte(endpoint + "/" + stack)
}

// DismissDigest records that the user dismissed the update notice for
// a specific remote digest on a stack.
func (s *ImageUpdateStore) DismissDigest(endpoint, stack, digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketDismissedDigests)
		key := dismissKey(endpoint, stack)
		var digests []string
		if v := b.Get(key); v != nil {
			if err := json.Unmarshal(v, &digests); err != nil {
				digests = nil
			}
		}
		for _, d := range digests {
			if d == digest {
				return nil
			}
		}
		digests = append(digests, digest)
		data, err := json.Marshal(digests)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// IsDismissed reports whether a digest was dismissed for a stack.
func (s *ImageUpdateStore) IsDismissed(endpoint, stack, digest string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketDismissedDigests).Get(dismissKey(endpoint, stack))
		if v == nil {
			return nil
		}
		var digests []string
		if err := json.Unmarshal(v, &digests); err != nil {
			return nil
		}
		for _, d := range digests {
			if d == digest {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ClearDismissed drops the dismissal set for a stack (after an update
// actually runs, old digests no longer matter).
func (s *ImageUpdateStore) ClearDismissed(endpoint, stack string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDismissedDigests).Delete(dismissKey(endpoint, stack))
	})
}

// SeedFromFixture clears the cache and writes the given imageRef →
// hasUpdate flags. Used against the fake engine so store state matches
// the fixtures after a reset.
func (s *ImageUpdateStore) SeedFromFixture(flags map[string]bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketImageUpdates)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for ref, hasUpdate := range flags {
			if bytes.ContainsRune([]byte(ref), 0) {
				continue
			}
			rec := ImageUpdateRecord{ImageRef: ref, HasUpdate: hasUpdate}
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal fixture image update: %w", err)
			}
			if err := b.Put([]byte(ref), data); err != nil {
				return err
			}
		}
		return nil
	})
}
