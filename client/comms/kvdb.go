// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// KeyValueDB is the storage backing a MailboxStore.
type KeyValueDB interface {
	Get(k []byte, thing encoding.BinaryUnmarshaler) (bool, error)
	Store(k []byte, thing encoding.BinaryMarshaler) error
	Delete(k []byte) error
	// ForEach iterates keys in ascending order, optionally restricted to a
	// prefix.
	ForEach(f func(k, v []byte) error, prefix []byte) error
	Run(context.Context)
	Close() error
}

type kvDB struct {
	*badger.DB
	log dex.Logger
}

// NewFileDB opens or creates a badger database in the directory.
func NewFileDB(dir string, log dex.Logger) (KeyValueDB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerWrapper{log})
	db, err := badger.Open(opts)
	if errors.Is(err, badger.ErrTruncateNeeded) {
		// Probably a Windows thing.
		// https://github.com/dgraph-io/badger/issues/744
		log.Warnf("NewFileDB badger db: %v", err)
		opts.Truncate = true
		log.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		db, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	return &kvDB{db, log}, nil
}

// Run runs value log garbage collection until the context is canceled, then
// closes the database.
func (d *kvDB) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := d.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			if err := d.Close(); err != nil {
				d.log.Errorf("error closing mailbox db: %v", err)
			}
			return
		}
	}
}

func (d *kvDB) Close() error {
	return d.DB.Close()
}

func (d *kvDB) ForEach(f func(k, v []byte) error, prefix []byte) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if err := item.Value(func(v []byte) error {
				return f(k, v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *kvDB) Delete(k []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (d *kvDB) Store(k []byte, thing encoding.BinaryMarshaler) error {
	b, err := thing.MarshalBinary()
	if err != nil {
		return err
	}
	return d.Update(func(txn *badger.Txn) error {
		return txn.Set(k, b)
	})
}

func (d *kvDB) Get(k []byte, thing encoding.BinaryUnmarshaler) (found bool, err error) {
	return found, d.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return fmt.Errorf("error reading database: %w", err)
		}
		found = true
		return item.Value(func(b []byte) error {
			return thing.UnmarshalBinary(b)
		})
	})
}

// badgerLoggerWrapper wraps dex.Logger and translates Warnf to Warningf to
// satisfy badger.Logger.
type badgerLoggerWrapper struct {
	dex.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Warningf -> dex.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}

type memoryDB struct {
	mtx sync.RWMutex
	m   map[string][]byte
}

// NewMemoryDB is a KeyValueDB that is lost on shutdown.
func NewMemoryDB() KeyValueDB {
	return &memoryDB{m: make(map[string][]byte)}
}

func (m *memoryDB) Store(k []byte, v encoding.BinaryMarshaler) error {
	b, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	m.mtx.Lock()
	m.m[string(k)] = b
	m.mtx.Unlock()
	return nil
}

func (m *memoryDB) Get(k []byte, thing encoding.BinaryUnmarshaler) (bool, error) {
	m.mtx.RLock()
	b, found := m.m[string(k)]
	m.mtx.RUnlock()
	if !found {
		return false, nil
	}
	return true, thing.UnmarshalBinary(b)
}

func (m *memoryDB) Close() error {
	return nil
}

func (m *memoryDB) ForEach(f func(k, v []byte) error, prefix []byte) error {
	m.mtx.RLock()
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = m.m[k]
	}
	m.mtx.RUnlock()
	for i, k := range keys {
		if err := f([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryDB) Run(context.Context) {}

func (m *memoryDB) Delete(k []byte) error {
	m.mtx.Lock()
	delete(m.m, string(k))
	m.mtx.Unlock()
	return nil
}
