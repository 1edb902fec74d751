package state

import (
	"encoding/binary"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// HashDB tracks the content hash of the last payload published on each
// retained topic (last writer wins). Identical hashes mean the publish
// can be skipped, across restarts included.
type HashDB struct {
	table *Table
}

// NewHashDB opens the hash table.
func NewHashDB(store *Store, maxEntries int) (*HashDB, error) {
	table, err := store.Table("hash", maxEntries)
	if err != nil {
		return nil, err
	}
	return &HashDB{table: table}, nil
}

// Get returns the stored hash for a topic.
func (db *HashDB) Get(topic string) (uint64, bool, error) {
	value, err := db.table.Get(topic)
	if err == errors.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(value) != 8 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(value), true, nil
}

// Update stores the hash for a topic.
func (db *HashDB) Update(topic string, hash uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], hash)
	return db.table.Put(topic, buf[:])
}

// Count returns the number of tracked topics.
func (db *HashDB) Count() int {
	return db.table.Len()
}
