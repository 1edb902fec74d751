package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSchemaVersionWrittenAndAccepted(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening with the same schema succeeds.
	store, err = Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestTablePutGetDelete(t *testing.T) {
	store := openStore(t)
	table, err := store.Table("demo", 0)
	require.NoError(t, err)

	require.NoError(t, table.Put("k1", []byte("v1")))
	got, err := table.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, 1, table.Len())

	_, err = table.Get("absent")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	require.NoError(t, table.Delete("k1"))
	assert.Equal(t, 0, table.Len())
	require.NoError(t, table.Delete("k1")) // idempotent
}

func TestTableOverwriteKeepsCount(t *testing.T) {
	store := openStore(t)
	table, err := store.Table("demo", 0)
	require.NoError(t, err)

	require.NoError(t, table.Put("k", []byte("a")))
	require.NoError(t, table.Put("k", []byte("b")))
	assert.Equal(t, 1, table.Len())

	got, err := table.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestTableEvictsExactlyOneLeastRecentlyTouched(t *testing.T) {
	var evicted []string
	store := openStore(t, WithEvictionObserver(func(table string) {
		evicted = append(evicted, table)
	}))

	table, err := store.Table("capped", 3)
	require.NoError(t, err)

	require.NoError(t, table.Put("a", []byte("1")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, table.Put("b", []byte("2")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, table.Put("c", []byte("3")))
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes the oldest.
	_, err = table.Get("a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, table.Put("d", []byte("4")))

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"capped"}, evicted)

	_, err = table.Get("b")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	_, err = table.Get("a")
	assert.NoError(t, err)
}

func TestTableCountSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	table, err := store.Table("demo", 0)
	require.NoError(t, err)
	require.NoError(t, table.Put("k1", []byte("v1")))
	require.NoError(t, table.Put("k2", []byte("v2")))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	table, err = store.Table("demo", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestAliasAllocationDenseFromZero(t *testing.T) {
	store := openStore(t)
	db, err := NewAliasDB(store, 0)
	require.NoError(t, err)

	a0, err := db.GetOrAllocate("Bridge", "Press01", "TechData/Serial")
	require.NoError(t, err)
	a1, err := db.GetOrAllocate("Bridge", "Press01", "TechData/Temp")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a0)
	assert.Equal(t, uint64(1), a1)

	// Same metric returns the same alias.
	again, err := db.GetOrAllocate("Bridge", "Press01", "TechData/Serial")
	require.NoError(t, err)
	assert.Equal(t, a0, again)

	// Separate device domain restarts at 0.
	other, err := db.GetOrAllocate("Bridge", "Mixer02", "TechData/Serial")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other)
}

func TestAliasMapSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	db, err := NewAliasDB(store, 0)
	require.NoError(t, err)
	_, err = db.GetOrAllocate("Bridge", "Press01", "TechData/Serial")
	require.NoError(t, err)
	_, err = db.GetOrAllocate("Bridge", "Press01", "TechData/Temp")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	db, err = NewAliasDB(store, 0)
	require.NoError(t, err)

	serial, ok := db.Lookup("Bridge", "Press01", "TechData/Serial")
	require.True(t, ok)
	assert.Equal(t, uint64(0), serial)

	// Allocation continues densely after restart.
	next, err := db.GetOrAllocate("Bridge", "Press01", "TechData/Pressure")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	aliases := db.DeviceAliases("Bridge", "Press01")
	assert.Equal(t, map[string]uint64{
		"TechData/Serial":   0,
		"TechData/Temp":     1,
		"TechData/Pressure": 2,
	}, aliases)
}

func TestAliasAllocationStaysDenseAtScale(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk allocation test")
	}
	store := openStore(t)
	db, err := NewAliasDB(store, 0)
	require.NoError(t, err)

	const n = 2048
	for i := 0; i < n; i++ {
		alias, err := db.GetOrAllocate("Bridge", "Dev", fmt.Sprintf("m/%04d", i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), alias)
	}
	assert.Equal(t, n, db.Count())
}

func TestBirthCacheRoundTrip(t *testing.T) {
	store := openStore(t)
	cache, err := NewBirthCache(store, 0)
	require.NoError(t, err)

	payload := []byte{0x08, 0x01, 0x10, 0x02}
	require.NoError(t, cache.Store("Bridge", "Press01", "spBv1.0/AAS/DBIRTH/Bridge/Press01", payload))

	entry, ok, err := cache.Get("Bridge", "Press01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spBv1.0/AAS/DBIRTH/Bridge/Press01", entry.Topic)
	assert.Equal(t, payload, entry.Payload)

	devices, err := cache.Devices("Bridge")
	require.NoError(t, err)
	assert.Equal(t, []string{"Press01"}, devices)

	require.NoError(t, cache.Remove("Bridge", "Press01"))
	_, ok, err = cache.Get("Bridge", "Press01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashDBLastWriterWins(t *testing.T) {
	store := openStore(t)
	db, err := NewHashDB(store, 0)
	require.NoError(t, err)

	_, ok, err := db.Get("Ent/Site/Area/Line/Asset/context/TechData/Temp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Update("Ent/Site/Area/Line/Asset/context/TechData/Temp", 0xDEAD))
	require.NoError(t, db.Update("Ent/Site/Area/Line/Asset/context/TechData/Temp", 0xBEEF))

	hash, ok, err := db.Get("Ent/Site/Area/Line/Asset/context/TechData/Temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0xBEEF), hash)
	assert.Equal(t, 1, db.Count())
}

func TestHashDBSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	db, err := NewHashDB(store, 0)
	require.NoError(t, err)
	require.NoError(t, db.Update("topic", 42))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	db, err = NewHashDB(store, 0)
	require.NoError(t, err)

	hash, ok, err := db.Get("topic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), hash)
}
