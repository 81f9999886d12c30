package logstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("relay")

type boltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt file. This is the default embedded backend.
func OpenBolt(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

func (s *boltStore) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, []Op{Put(key, value)})
}

func (s *boltStore) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, []Op{Del(key)})
}

func (s *boltStore) Scan(ctx context.Context, r Range) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		var k, v []byte
		if r.Reverse {
			if r.Lt == nil {
				k, v = c.Last()
			} else if k, v = c.Seek(r.Lt); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else if r.Gte == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(r.Gte)
		}
		for k != nil {
			if r.Gte != nil && bytes.Compare(k, r.Gte) < 0 {
				break
			}
			if r.Lt != nil && bytes.Compare(k, r.Lt) >= 0 {
				break
			}
			out = append(out, KV{Key: append([]byte{}, k...), Value: append([]byte{}, v...)})
			if r.Limit > 0 && len(out) >= r.Limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	return out, err
}

func (s *boltStore) Write(_ context.Context, ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if err := b.Put(op.Key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Ping(context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
