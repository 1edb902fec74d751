package state

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// AliasDB assigns and persists Sparkplug metric aliases. Allocation is
// dense and monotone per (edgeNode, device) starting at 0; a committed
// (metricName -> alias) mapping never changes for the life of the store.
type AliasDB struct {
	table *Table

	mu    sync.Mutex
	cache map[string]uint64 // rowKey -> alias
	next  map[string]uint64 // edgeNode|device -> next alias
}

// NewAliasDB opens the alias table and loads existing rows.
func NewAliasDB(store *Store, maxEntries int) (*AliasDB, error) {
	table, err := store.Table("alias", maxEntries)
	if err != nil {
		return nil, err
	}

	db := &AliasDB{
		table: table,
		cache: make(map[string]uint64),
		next:  make(map[string]uint64),
	}

	err = table.ForEach(func(key string, value []byte) error {
		if len(value) != 8 {
			return nil
		}
		alias := binary.BigEndian.Uint64(value)
		db.cache[key] = alias

		domain := domainOf(key)
		if alias >= db.next[domain] {
			db.next[domain] = alias + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func rowKey(edgeNode, device, metricName string) string {
	return edgeNode + "\x00" + device + "\x00" + metricName
}

func domainOf(key string) string {
	if i := strings.LastIndex(key, "\x00"); i >= 0 {
		return key[:i]
	}
	return key
}

// GetOrAllocate returns the alias for a metric, allocating and
// committing a fresh one on first sight. The commit happens before the
// caller may announce the alias in a DBIRTH.
func (db *AliasDB) GetOrAllocate(edgeNode, device, metricName string) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := rowKey(edgeNode, device, metricName)
	if alias, ok := db.cache[key]; ok {
		return alias, nil
	}

	domain := edgeNode + "\x00" + device
	alias := db.next[domain]

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], alias)
	if err := db.table.Put(key, buf[:]); err != nil {
		return 0, errors.WrapTransient(err, "AliasDB", "GetOrAllocate", "commit alias")
	}

	db.cache[key] = alias
	db.next[domain] = alias + 1
	return alias, nil
}

// Lookup returns an existing alias without allocating.
func (db *AliasDB) Lookup(edgeNode, device, metricName string) (uint64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	alias, ok := db.cache[rowKey(edgeNode, device, metricName)]
	return alias, ok
}

// DeviceAliases returns the metricName -> alias map for one device.
func (db *AliasDB) DeviceAliases(edgeNode, device string) map[string]uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()

	prefix := edgeNode + "\x00" + device + "\x00"
	out := make(map[string]uint64)
	for key, alias := range db.cache {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = alias
		}
	}
	return out
}

// Count returns the number of persisted aliases.
func (db *AliasDB) Count() int {
	return db.table.Len()
}
