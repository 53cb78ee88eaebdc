package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var imagesBucket = []byte("images")

// ImageCache keeps full image payloads per session so previews pruned from
// the bounded store can be restored.
type ImageCache struct {
	db *bolt.DB
}

// NewImageCache opens (or creates) the cache file at path.
func NewImageCache(path string) (*ImageCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create image cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open image cache: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(imagesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init image cache: %w", err)
	}

	return &ImageCache{db: db}, nil
}

// Put stores the payload of one file for a session.
func (c *ImageCache) Put(sessionID, fileID, dataURL string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(imagesBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		return b.Put([]byte(fileID), []byte(dataURL))
	})
}

// Get returns the payload of one file.
func (c *ImageCache) Get(sessionID, fileID string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(imagesBucket).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(fileID)); v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	return value, ok, err
}

// Session returns every cached payload of a session keyed by file id.
func (c *ImageCache) Session(sessionID string) (map[string]string, error) {
	out := make(map[string]string)
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(imagesBucket).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// DeleteSession evicts all payloads of a session.
func (c *ImageCache) DeleteSession(sessionID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(imagesBucket).DeleteBucket([]byte(sessionID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Clear evicts everything.
func (c *ImageCache) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(imagesBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(imagesBucket)
		return err
	})
}

// Close closes the cache file.
func (c *ImageCache) Close() error {
	return c.db.Close()
}
