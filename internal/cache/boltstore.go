package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/edgecore/internal/types"
)

var bucketEntries = []byte("entries")

// BoltStore is the pluggable persistent cache tier, generalized from
// services/orchestrator/persistence.go's WorkflowStore: same bbolt-backed
// single-bucket-per-concern layout, here storing one bucket of JSON-encoded
// cache entries keyed by "namespace\x00key" instead of workflow/execution
// records. Persistence is optional per spec Non-goals — a Cache can run with
// store == nil and serve purely from the memory tier.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) the persistent tier at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get reads a persisted entry, if any.
func (s *BoltStore) Get(namespace, key string) (*types.CacheEntry, bool, error) {
	var entry types.CacheEntry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(compositeKey(namespace, key)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read entry: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put persists entry, overwriting any prior value.
func (s *BoltStore) Put(entry *types.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(compositeKey(entry.Namespace, entry.Key)), raw)
	})
}

// Delete removes a persisted entry.
func (s *BoltStore) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(compositeKey(namespace, key)))
	})
}

// Close releases the underlying file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
