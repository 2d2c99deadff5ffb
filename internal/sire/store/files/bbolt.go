package files

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

var (
	bucketMeta = []byte("files_meta")
	bucketData = []byte("files_data")
)

// BoltStore keeps metadata and content in separate buckets of one bbolt file.
// Both are written and removed in the same transaction.
type BoltStore struct {
	db *bbolt.DB
}

// NewBolt wraps an open database and creates the buckets.
func NewBolt(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketData} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBolt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(_ context.Context, meta models.StoredFile, data []byte) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode file metadata: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(meta.Name)
		if err := tx.Bucket(bucketMeta).Put(key, raw); err != nil {
			return err
		}
		return tx.Bucket(bucketData).Put(key, data)
	})
}

func (s *BoltStore) Get(_ context.Context, name string) (*models.StoredFile, []byte, error) {
	var (
		meta models.StoredFile
		data []byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := []byte(name)
		raw := tx.Bucket(bucketMeta).Get(key)
		if raw == nil {
			return sentinel.ErrNotFound
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode file metadata: %w", err)
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), tx.Bucket(bucketData).Get(key)...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &meta, data, nil
}

func (s *BoltStore) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(bucketMeta)
		dataBucket := tx.Bucket(bucketData)

		var stale [][]byte
		err := metaBucket.ForEach(func(k, v []byte) error {
			var meta models.StoredFile
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decode file metadata %s: %w", k, err)
			}
			if meta.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := metaBucket.Delete(k); err != nil {
				return err
			}
			if err := dataBucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
