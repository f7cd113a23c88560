package syncclient

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var logsBucket = []byte("document_logs")

// Cache keeps a replica's log on disk so unacknowledged edits survive a restart.
type Cache interface {
	Load(documentID string) ([]byte, bool, error)
	Save(documentID string, state []byte) error
	Destroy(documentID string) error
}

// BoltCache stores one log per document in a bbolt file.
type BoltCache struct {
	db *bolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare cache: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Load(documentID string) ([]byte, bool, error) {
	var state []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(logsBucket).Get([]byte(documentID))
		if value != nil {
			state = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return state, state != nil, nil
}

func (c *BoltCache) Save(documentID string, state []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logsBucket).Put([]byte(documentID), state)
	})
}

func (c *BoltCache) Destroy(documentID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logsBucket).Delete([]byte(documentID))
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
