// Package state implements the bridge's embedded persistence layer:
// badger-backed tables with per-table entry caps, least-recently-touched
// eviction and a versioned schema.
package state

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// SchemaVersion is the on-disk layout version. The daemon refuses to
// start over a store written by a different version.
const SchemaVersion uint64 = 1

var schemaKey = []byte("meta/schema_version")

// Store wraps one badger database directory shared by all tables.
type Store struct {
	db      *badger.DB
	logger  *slog.Logger
	onEvict func(table string)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvictionObserver registers a callback invoked once per evicted row.
func WithEvictionObserver(fn func(table string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// Open opens (or creates) the store at dir. Mutations are committed
// synchronously so crashes lose at most the in-flight write.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "create state directory")
	}

	badgerOpts := badger.DefaultOptions(dir)
	badgerOpts.Logger = nil
	badgerOpts.SyncWrites = true

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open badger database")
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if err == badger.ErrKeyNotFound {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], SchemaVersion)
			return txn.Set(schemaKey, buf[:])
		}
		if err != nil {
			return errors.WrapFatal(err, "Store", "checkSchema", "read schema version")
		}

		var stored uint64
		err = item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("schema version key has %d bytes", len(val))
			}
			stored = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return errors.WrapFatal(err, "Store", "checkSchema", "decode schema version")
		}
		if stored != SchemaVersion {
			return errors.WrapFatal(
				errors.ErrSchemaMismatch, "Store", "checkSchema",
				fmt.Sprintf("store has schema v%d, daemon expects v%d", stored, SchemaVersion),
			)
		}
		return nil
	})
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("state sync on close failed", "error", err)
	}
	return s.db.Close()
}

func (s *Store) notifyEviction(table string) {
	if s.onEvict != nil {
		s.onEvict(table)
	}
}
