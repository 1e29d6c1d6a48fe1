package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var extranonceBucket = []byte("extranonce")
var extranonceCounterKey = []byte("r1_counter")

// ExtranonceStore persists the ExtendedExtranonce R1 high-water mark in a
// local bbolt file, so a pool restart never reissues an extranonce prefix
// already handed to a connected miner. A local file keeps the counter
// durable without a round trip to Redis/Postgres on every channel open.
type ExtranonceStore struct {
	db *bolt.DB
}

// NewExtranonceStore opens (creating if absent) the bbolt database at path.
func NewExtranonceStore(path string) (*ExtranonceStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("extranoncestore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(extranonceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("extranoncestore: init bucket: %w", err)
	}

	return &ExtranonceStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *ExtranonceStore) Close() error {
	return s.db.Close()
}

// LoadCounter implements mining.R1Persister, returning 0 if no counter has
// ever been saved.
func (s *ExtranonceStore) LoadCounter() (uint64, error) {
	var counter uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(extranonceBucket)
		v := b.Get(extranonceCounterKey)
		if v == nil {
			counter = 0
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("extranoncestore: corrupt counter value (%d bytes)", len(v))
		}
		counter = binary.BigEndian.Uint64(v)
		return nil
	})

	return counter, err
}

// SaveCounter durably records the next unissued R1 counter value.
func (s *ExtranonceStore) SaveCounter(next uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(extranonceBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(extranonceCounterKey, buf)
	})
}
