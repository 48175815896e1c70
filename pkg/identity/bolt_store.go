package identity

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketIdentity = []byte("identity")

// BoltStore persists the client cache in a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the bbolt file at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open identity cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create identity bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns the value stored under key, "" when absent.
func (s *BoltStore) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketIdentity).Get([]byte(key)); raw != nil {
			value = string(raw)
		}
		return nil
	})
	return value, err
}

// Put stores value under key.
func (s *BoltStore) Put(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(key), []byte(value))
	})
}

// Delete removes keys in one transaction.
func (s *BoltStore) Delete(keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentity)
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
