// Package pdict provides a durable, ordered dictionary with standard
// get/set/add/remove/enumerate semantics, backed by a transactional
// ordered-table engine. Iteration order is key order, regardless of
// insertion order.
//
// A Dictionary is safe for concurrent use. All mutations are totally
// ordered by a per-dictionary write lock; reads run concurrently and
// observe each write either entirely or not at all. Close is mandatory and
// must not race with in-flight operations.
package pdict

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ostafen/pdict/encoding"
	"github.com/ostafen/pdict/store"
	bboltstore "github.com/ostafen/pdict/store/bbolt"
	memorystore "github.com/ostafen/pdict/store/memory"
)

// Dictionary is a durable ordered map from K to V. Key order is defined by
// the key codec's order-preserving encoding.
type Dictionary[K, V any] struct {
	store  store.Store
	table  string
	keys   encoding.KeyCodec[K]
	values encoding.ValueCodec[V]

	pool    *cursorPool
	writeMu sync.Mutex // serializes all mutating operations
	closed  uint32
}

// Open creates or reopens a dictionary persisted in the given directory.
// The default engine is bbolt; use InMemoryMode or WithStore to select
// another one.
func Open[K, V any](dir string, opts ...Option[K, V]) (*Dictionary[K, V], error) {
	cfg, err := defaultConfig[K, V]().applyOptions(opts)
	if err != nil {
		return nil, err
	}

	s := cfg.store
	if s == nil {
		if cfg.inMemory {
			s, err = memorystore.Open()
		} else {
			if dir == "" {
				return nil, fmt.Errorf("%w: empty directory", ErrInvalidArgument)
			}
			if err = os.MkdirAll(dir, 0777); err != nil {
				return nil, err
			}
			s, err = bboltstore.Open(dir)
		}
		if err != nil {
			return nil, err
		}

		d, err := openWithConfig(s, cfg)
		if err != nil {
			s.Close()
		}
		return d, err
	}
	return openWithConfig(s, cfg)
}

// OpenWithStore opens a dictionary on an externally constructed engine.
func OpenWithStore[K, V any](s store.Store, opts ...Option[K, V]) (*Dictionary[K, V], error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}

	cfg, err := defaultConfig[K, V]().applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return openWithConfig(s, cfg)
}

func openWithConfig[K, V any](s store.Store, cfg *Config[K, V]) (*Dictionary[K, V], error) {
	keys := cfg.keys
	if keys == nil {
		var err error
		if keys, err = encoding.KeyCodecOf[K](); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}

	values := cfg.values
	if values == nil {
		values = encoding.MsgpackCodec[V]()
	}

	has, err := s.HasTable(cfg.table)
	if err != nil {
		return nil, err
	}
	if !has {
		if err := s.CreateTable(cfg.table); err != nil {
			return nil, err
		}
	}

	return &Dictionary[K, V]{
		store:  s,
		table:  cfg.table,
		keys:   keys,
		values: values,
		pool:   newCursorPool(s, cfg.table),
	}, nil
}

func (d *Dictionary[K, V]) ok() error {
	if atomic.LoadUint32(&d.closed) == 1 {
		return ErrClosed
	}
	return nil
}

func (d *Dictionary[K, V]) encodeKey(key K) ([]byte, error) {
	return d.keys.EncodeKey(nil, key)
}

// Get returns the value stored under key, or ErrNotFound. The seek and the
// retrieval run in one short read transaction, so a concurrent remove can
// never make a successful seek lose its row before the value is read.
func (d *Dictionary[K, V]) Get(key K) (V, error) {
	var zero V

	value, found, err := d.TryGet(key)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ErrNotFound
	}
	return value, nil
}

// TryGet returns the value stored under key and whether the key exists.
func (d *Dictionary[K, V]) TryGet(key K) (V, bool, error) {
	var zero V
	if err := d.ok(); err != nil {
		return zero, false, err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return zero, false, err
	}

	cur, err := d.pool.acquire()
	if err != nil {
		return zero, false, err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(false)
	if err != nil {
		return zero, false, err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}

	vb, err := cur.Value()
	if err != nil {
		return zero, false, err
	}
	if err := tx.Commit(store.LazyFlush); err != nil {
		return zero, false, err
	}

	value, err := d.values.DecodeValue(vb)
	return value, err == nil, err
}

// Set stores value under key, replacing any existing value (upsert).
func (d *Dictionary[K, V]) Set(key K, value V) error {
	if err := d.ok(); err != nil {
		return err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := d.values.EncodeValue(value)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.pool.acquire()
	if err != nil {
		return err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return err
	}

	if found {
		err = cur.Replace(vb)
	} else {
		err = cur.Insert(kb, vb)
	}
	if err != nil {
		return err
	}
	return tx.Commit(store.LazyFlush)
}

// Add stores value under key, failing with ErrDuplicateKey if the key
// already exists.
func (d *Dictionary[K, V]) Add(key K, value V) error {
	if err := d.ok(); err != nil {
		return err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := d.values.EncodeValue(value)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.pool.acquire()
	if err != nil {
		return err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return err
	}
	if found {
		return ErrDuplicateKey
	}

	if err := cur.Insert(kb, vb); err != nil {
		return err
	}
	return tx.Commit(store.LazyFlush)
}

// Remove deletes the entry stored under key, reporting whether an entry
// was deleted.
func (d *Dictionary[K, V]) Remove(key K) (bool, error) {
	if err := d.ok(); err != nil {
		return false, err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return false, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.pool.acquire()
	if err != nil {
		return false, err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(true)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return false, err
	}
	if !found {
		return false, tx.Commit(store.LazyFlush)
	}

	if err := cur.Delete(); err != nil {
		return false, err
	}
	return true, tx.Commit(store.LazyFlush)
}

// RemoveValue deletes the entry stored under key only if its stored value
// equals the given one, reporting whether an entry was deleted. Values are
// compared by their encoded representation. The whole seek-then-delete
// sequence runs under the write lock, so no other mutator can change the
// row in between.
func (d *Dictionary[K, V]) RemoveValue(key K, value V) (bool, error) {
	if err := d.ok(); err != nil {
		return false, err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return false, err
	}
	vb, err := d.values.EncodeValue(value)
	if err != nil {
		return false, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.pool.acquire()
	if err != nil {
		return false, err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(true)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return false, err
	}
	if !found {
		return false, tx.Commit(store.LazyFlush)
	}

	stored, err := cur.Value()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(stored, vb) {
		return false, tx.Commit(store.LazyFlush)
	}

	if err := cur.Delete(); err != nil {
		return false, err
	}
	return true, tx.Commit(store.LazyFlush)
}

// Has reports whether the key exists.
func (d *Dictionary[K, V]) Has(key K) (bool, error) {
	if err := d.ok(); err != nil {
		return false, err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return false, err
	}

	cur, err := d.pool.acquire()
	if err != nil {
		return false, err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return false, err
	}
	return found, tx.Commit(store.LazyFlush)
}

// Contains reports whether the dictionary holds exactly the given entry.
// Values are compared by their encoded representation.
func (d *Dictionary[K, V]) Contains(key K, value V) (bool, error) {
	if err := d.ok(); err != nil {
		return false, err
	}

	kb, err := d.encodeKey(key)
	if err != nil {
		return false, err
	}
	vb, err := d.values.EncodeValue(value)
	if err != nil {
		return false, err
	}

	cur, err := d.pool.acquire()
	if err != nil {
		return false, err
	}
	defer d.pool.release(cur)

	tx, err := cur.Begin(false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	found, err := cur.Seek(kb)
	if err != nil {
		return false, err
	}
	if !found {
		return false, tx.Commit(store.LazyFlush)
	}

	stored, err := cur.Value()
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, vb), tx.Commit(store.LazyFlush)
}

// ContainsValue reports whether any entry stores the given value. It scans
// the whole collection in key order.
func (d *Dictionary[K, V]) ContainsValue(value V) (bool, error) {
	vb, err := d.values.EncodeValue(value)
	if err != nil {
		return false, err
	}

	it, err := d.Iter()
	if err != nil {
		return false, err
	}
	defer it.Close()

	for it.Next() {
		if bytes.Equal(it.rawValue, vb) {
			return true, nil
		}
	}
	return false, it.Err()
}

// Count returns the number of entries. The counter is read without taking
// the write lock, so it may transiently include the effect of an in-flight
// writer that has not committed yet.
func (d *Dictionary[K, V]) Count() (int64, error) {
	if err := d.ok(); err != nil {
		return 0, err
	}
	return d.store.Count(d.table)
}

// Keys returns all keys in ascending order.
func (d *Dictionary[K, V]) Keys() ([]K, error) {
	it, err := d.Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	keys := make([]K, 0)
	for it.Next() {
		keys = append(keys, it.Key())
	}
	return keys, it.Err()
}

// Values returns all values, ordered by their keys.
func (d *Dictionary[K, V]) Values() ([]V, error) {
	it, err := d.Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	values := make([]V, 0)
	for it.Next() {
		values = append(values, it.Value())
	}
	return values, it.Err()
}

// Clear removes every entry. Each row is deleted in its own transaction:
// Clear as a whole is NOT atomic, and a failure partway through leaves the
// dictionary partially cleared. Concurrent readers may observe
// intermediate states.
func (d *Dictionary[K, V]) Clear() error {
	if err := d.ok(); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.pool.acquire()
	if err != nil {
		return err
	}
	defer d.pool.release(cur)

	for {
		deleted, err := clearStep(cur)
		if err != nil || !deleted {
			return err
		}
	}
}

func clearStep(cur store.Cursor) (bool, error) {
	tx, err := cur.Begin(true)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	found, err := cur.First()
	if err != nil || !found {
		return false, err
	}

	if err := cur.Delete(); err != nil {
		return false, err
	}
	return true, tx.Commit(store.LazyFlush)
}

// Flush forces all committed data to stable storage.
func (d *Dictionary[K, V]) Flush() error {
	if err := d.ok(); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.store.Flush()
}

// Close releases every pooled cursor and shuts the engine down. Close must
// be called exactly once and must not race with in-flight operations.
func (d *Dictionary[K, V]) Close() error {
	if !atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		return nil
	}

	err := d.pool.close()
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	return err
}
