package state

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Table is one named keyed store inside the shared database. Rows carry
// a last-touched timestamp; when the table exceeds its cap, the
// least-recently-touched row is evicted inside the same transaction.
type Table struct {
	store       *Store
	name        string
	dataPrefix  []byte
	touchPrefix []byte
	maxEntries  int

	mu    sync.Mutex
	count int
}

// Table opens a named table. maxEntries <= 0 means unbounded.
func (s *Store) Table(name string, maxEntries int) (*Table, error) {
	t := &Table{
		store:       s,
		name:        name,
		dataPrefix:  []byte("t/" + name + "/d/"),
		touchPrefix: []byte("t/" + name + "/a/"),
		maxEntries:  maxEntries,
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(t.dataPrefix); it.ValidForPrefix(t.dataPrefix); it.Next() {
			t.count++
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Table", "open", "count existing rows")
	}
	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) dataKey(key string) []byte {
	return append(append([]byte(nil), t.dataPrefix...), key...)
}

func (t *Table) touchKey(key string) []byte {
	return append(append([]byte(nil), t.touchPrefix...), key...)
}

// Put stores value under key, evicting the least-recently-touched row
// first when the table is at capacity and the key is new. A failed
// transaction is retried once; the second failure surfaces to the
// caller, which escalates it.
func (t *Table) Put(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.putLocked(key, value)
	if err != nil {
		err = t.putLocked(key, value)
	}
	return err
}

func (t *Table) putLocked(key string, value []byte) error {
	var evictedKey []byte
	isNew := false

	err := t.store.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(t.dataKey(key))
		if err == badger.ErrKeyNotFound {
			isNew = true
		} else if err != nil {
			return err
		}

		if isNew && t.maxEntries > 0 && t.count >= t.maxEntries {
			victim, err := t.findVictim(txn)
			if err != nil {
				return err
			}
			if victim != nil {
				if err := txn.Delete(append(append([]byte(nil), t.dataPrefix...), victim...)); err != nil {
					return err
				}
				if err := txn.Delete(append(append([]byte(nil), t.touchPrefix...), victim...)); err != nil {
					return err
				}
				evictedKey = victim
			}
		}

		if err := txn.Set(t.dataKey(key), value); err != nil {
			return err
		}
		return txn.Set(t.touchKey(key), encodeTouch(time.Now().UnixNano()))
	})
	if err != nil {
		return errors.WrapTransient(err, "Table", "Put", t.name)
	}

	if isNew {
		t.count++
	}
	if evictedKey != nil {
		t.count--
		t.store.notifyEviction(t.name)
	}
	return nil
}

// Get returns the value for key and refreshes its touch timestamp.
func (t *Table) Get(key string) ([]byte, error) {
	var value []byte
	err := t.store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(t.dataKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(t.touchKey(key), encodeTouch(time.Now().UnixNano()))
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Table", "Get", t.name)
	}
	return value, nil
}

// Peek returns the value for key without refreshing its touch time.
func (t *Table) Peek(key string) ([]byte, error) {
	var value []byte
	err := t.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.dataKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Table", "Peek", t.name)
	}
	return value, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Table) Delete(key string) error {
	existed := false
	err := t.store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(t.dataKey(key)); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		existed = true
		if err := txn.Delete(t.dataKey(key)); err != nil {
			return err
		}
		return txn.Delete(t.touchKey(key))
	})
	if err != nil {
		return errors.WrapTransient(err, "Table", "Delete", t.name)
	}
	if existed {
		t.mu.Lock()
		t.count--
		t.mu.Unlock()
	}
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// ForEach visits every row in key order.
func (t *Table) ForEach(fn func(key string, value []byte) error) error {
	err := t.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(t.dataPrefix); it.ValidForPrefix(t.dataPrefix); it.Next() {
			item := it.Item()
			key := string(bytes.TrimPrefix(item.KeyCopy(nil), t.dataPrefix))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Table", "ForEach", t.name)
	}
	return nil
}

// findVictim scans the touch index for the least-recently-touched key.
func (t *Table) findVictim(txn *badger.Txn) ([]byte, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var victim []byte
	oldest := int64(-1)

	for it.Seek(t.touchPrefix); it.ValidForPrefix(t.touchPrefix); it.Next() {
		item := it.Item()
		var touched int64
		err := item.Value(func(val []byte) error {
			touched = decodeTouch(val)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if oldest < 0 || touched < oldest {
			oldest = touched
			victim = bytes.TrimPrefix(item.KeyCopy(nil), t.touchPrefix)
		}
	}
	return victim, nil
}

func encodeTouch(ms int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ms))
	return buf[:]
}

func decodeTouch(val []byte) int64 {
	if len(val) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(val))
}
