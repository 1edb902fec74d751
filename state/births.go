package state

import (
	"encoding/json"

	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
)

// BirthEntry is a cached DBIRTH: enough to satisfy a rebirth without
// retraversing AAS content. Rewritten on every DBIRTH, deleted on DDEATH.
type BirthEntry struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// BirthCache persists the latest DBIRTH per (edgeNode, device).
type BirthCache struct {
	table *Table
}

// NewBirthCache opens the birth table.
func NewBirthCache(store *Store, maxEntries int) (*BirthCache, error) {
	table, err := store.Table("birth", maxEntries)
	if err != nil {
		return nil, err
	}
	return &BirthCache{table: table}, nil
}

func birthKey(edgeNode, device string) string {
	return edgeNode + "\x00" + device
}

// Store writes the DBIRTH entry for a device (last writer wins).
func (c *BirthCache) Store(edgeNode, device, topic string, payload []byte) error {
	entry := BirthEntry{
		Topic:     topic,
		Payload:   payload,
		Timestamp: timestamp.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "BirthCache", "Store", "encode entry")
	}
	return c.table.Put(birthKey(edgeNode, device), data)
}

// Get returns the cached DBIRTH for a device.
func (c *BirthCache) Get(edgeNode, device string) (BirthEntry, bool, error) {
	data, err := c.table.Get(birthKey(edgeNode, device))
	if err == errors.ErrKeyNotFound {
		return BirthEntry{}, false, nil
	}
	if err != nil {
		return BirthEntry{}, false, err
	}

	var entry BirthEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return BirthEntry{}, false, errors.WrapInvalid(err, "BirthCache", "Get", "decode entry")
	}
	return entry, true, nil
}

// Remove deletes the cached DBIRTH for a device.
func (c *BirthCache) Remove(edgeNode, device string) error {
	return c.table.Delete(birthKey(edgeNode, device))
}

// Devices lists devices with a cached DBIRTH for an edge node.
func (c *BirthCache) Devices(edgeNode string) ([]string, error) {
	prefix := edgeNode + "\x00"
	var devices []string
	err := c.table.ForEach(func(key string, _ []byte) error {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			devices = append(devices, key[len(prefix):])
		}
		return nil
	})
	return devices, err
}
