package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var appBucket = []byte("app")

// Bolt is the durable Store, a bbolt database holding the state blob under
// a single key.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at the given path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Load implements Store.
func (b *Bolt) Load() (*State, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get([]byte(StateKey)); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState(raw), nil
}

// Save implements Store.
func (b *Bolt) Save(s *State) error {
	raw, err := encodeState(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put([]byte(StateKey), raw)
	}); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Close implements Store.
func (b *Bolt) Close() error { return b.db.Close() }
