package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Engines accepted by Open.
const (
	EngineLevelDB = "leveldb"
	EngineBolt    = "bolt"
)

var boltBucket = []byte("state")

// BoltDB keeps the marketplace state in a single bbolt bucket. Every Write is
// one bbolt update transaction.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the bbolt file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, cloneBytes(value))
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = cloneBytes(value)
		return nil
	})
	return out, err
}

func (b *BoltDB) Has(key []byte) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(boltBucket).Get(key) != nil
		return nil
	})
	return found, err
}

// Delete removes a key. Deleting a missing key is not an error.
func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (b *BoltDB) Write(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range batch.ops {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterate copies the matching range inside one read transaction and visits it
// afterwards, so fn may read the store again without nesting transactions.
func (b *BoltDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	var keys, values [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, cloneBytes(k))
			values = append(values, cloneBytes(v))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if !fn(keys[i], values[i]) {
			break
		}
	}
	return nil
}

func (b *BoltDB) Close() {
	_ = b.db.Close()
}

// Open opens the persistent engine named by engine under dir. An empty engine
// selects LevelDB.
func Open(engine, dir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", EngineLevelDB:
		return NewLevelDB(filepath.Join(dir, "state"))
	case EngineBolt:
		return NewBoltDB(filepath.Join(dir, "state.bolt"))
	default:
		return nil, fmt.Errorf("storage: unknown engine %q", engine)
	}
}
