// Package badger implements the store contract on top of badger. Tables
// map to key prefixes; metadata records live under a reserved prefix.
package badger

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ostafen/pdict/store"
)

var errTxActive = errors.New("cursor already has an active transaction")

func tableKeyPrefix(table string) []byte {
	return []byte("t:" + table + ";k:")
}

func tableMetaKey(table string) []byte {
	return []byte("m:" + table)
}

var metaKeyPrefix = []byte("m:")

type badgerStore struct {
	db     *badger.DB
	chWg   sync.WaitGroup
	chQuit chan struct{}

	gcInterval     time.Duration
	gcDiscardRatio float64

	mu       sync.Mutex
	counters map[string]*int64
}

func Open(dir string) (store.Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR).
		WithSyncWrites(false)
	return OpenWithOptions(opts)
}

func OpenWithOptions(opts badger.Options) (store.Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &badgerStore{
		db:             db,
		chQuit:         make(chan struct{}, 1),
		gcInterval:     time.Minute * 5,
		gcDiscardRatio: 0.5,
		counters:       make(map[string]*int64),
	}

	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}

	s.startGC()
	return s, nil
}

func (s *badgerStore) loadCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = metaKeyPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(metaKeyPrefix); it.Valid(); it.Next() {
			item := it.Item()

			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			meta, err := store.DecodeTableMeta(data)
			if err != nil {
				return err
			}

			name := string(bytes.TrimPrefix(item.KeyCopy(nil), metaKeyPrefix))
			count := meta.Count
			s.counters[name] = &count
		}
		return nil
	})
}

func (s *badgerStore) CreateTable(name string) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	_, err := txn.Get(tableMetaKey(name))
	if err == nil {
		return store.ErrTableExist
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	data, err := store.NewTableMeta().Encode()
	if err != nil {
		return err
	}

	if err := txn.Set(tableMetaKey(name), data); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.counters[name] = new(int64)
	s.mu.Unlock()
	return nil
}

func (s *badgerStore) HasTable(name string) (bool, error) {
	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	_, err := txn.Get(tableMetaKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *badgerStore) counter(table string) (*int64, error) {
	s.mu.Lock()
	c := s.counters[table]
	s.mu.Unlock()

	if c == nil {
		return nil, store.ErrTableNotExist
	}
	return c, nil
}

func (s *badgerStore) OpenCursor(table string) (store.Cursor, error) {
	counter, err := s.counter(table)
	if err != nil {
		return nil, err
	}
	return &badgerCursor{
		store:   s,
		table:   table,
		prefix:  tableKeyPrefix(table),
		counter: counter,
	}, nil
}

func (s *badgerStore) Count(table string) (int64, error) {
	counter, err := s.counter(table)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(counter), nil
}

func (s *badgerStore) writeCounters(txn *badger.Txn, bumpFlushes bool) error {
	s.mu.Lock()
	counts := make(map[string]int64, len(s.counters))
	for name, c := range s.counters {
		counts[name] = atomic.LoadInt64(c)
	}
	s.mu.Unlock()

	for name, count := range counts {
		item, err := txn.Get(tableMetaKey(name))
		if err != nil {
			return err
		}

		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		meta, err := store.DecodeTableMeta(data)
		if err != nil {
			return err
		}
		meta.Count = count
		if bumpFlushes {
			meta.Flushes++
		}

		if data, err = meta.Encode(); err != nil {
			return err
		}
		if err := txn.Set(tableMetaKey(name), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) Flush() error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := s.writeCounters(txn, true); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	return s.db.Sync()
}

func (s *badgerStore) Close() error {
	s.stopGC()

	txn := s.db.NewTransaction(true)
	if err := s.writeCounters(txn, false); err == nil {
		txn.Commit()
	}
	txn.Discard()

	return s.db.Close()
}

func (s *badgerStore) SetGCReclaimInterval(duration time.Duration) { s.gcInterval = duration }
func (s *badgerStore) SetGCDiscardRatio(ratio float64)             { s.gcDiscardRatio = ratio }

func (s *badgerStore) startGC() {
	s.chWg.Add(1)

	go func() {
		defer s.chWg.Done()

		ticker := time.NewTicker(s.gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.chQuit:
				return

			case <-ticker.C:
				err := s.db.RunValueLogGC(s.gcDiscardRatio)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					log.Printf("RunValueLogGC(): %s\n", err.Error())
				}
			}
		}
	}()
}

func (s *badgerStore) stopGC() {
	s.chQuit <- struct{}{}
	s.chWg.Wait()
	close(s.chQuit)
}

type badgerCursor struct {
	store   *badgerStore
	table   string
	prefix  []byte
	counter *int64

	txn    *badger.Txn
	update bool

	pos   []byte // logical key of the last position, without table prefix
	key   []byte
	value []byte
	valid bool
	upper []byte
	dirty bool
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (cur *badgerCursor) full(key []byte) []byte {
	return append(clone(cur.prefix), key...)
}

func (cur *badgerCursor) logical(fullKey []byte) []byte {
	return bytes.TrimPrefix(fullKey, cur.prefix)
}

func (cur *badgerCursor) Begin(update bool) (store.Tx, error) {
	if cur.txn != nil {
		return nil, errTxActive
	}
	cur.txn = cur.store.db.NewTransaction(update)
	cur.update = update
	return &badgerTx{cur: cur}, nil
}

func (cur *badgerCursor) require() error {
	if cur.txn == nil {
		return store.ErrNoTx
	}
	return nil
}

func (cur *badgerCursor) setCurrent(k, v []byte) {
	cur.key = clone(k)
	cur.value = clone(v)
	cur.pos = clone(k)
	cur.valid = true
}

func (cur *badgerCursor) pastUpper(k []byte) bool {
	return cur.upper != nil && bytes.Compare(k, cur.upper) > 0
}

func (cur *badgerCursor) Seek(key []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	item, err := cur.txn.Get(cur.full(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		cur.valid = false
		cur.pos = clone(key)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}

	cur.setCurrent(key, value)
	return true, nil
}

// scan positions a fresh iterator at the first row whose logical key is
// >= seek (table start when seek is nil), optionally skipping an exact
// match, and returns that row. Iterators are short-lived so that writes
// can be issued on the same transaction between positional operations.
func (cur *badgerCursor) scan(seek []byte, skipEqual bool) ([]byte, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = cur.prefix

	it := cur.txn.NewIterator(opts)
	defer it.Close()

	start := cur.prefix
	if seek != nil {
		start = cur.full(seek)
	}

	it.Seek(start)
	if it.Valid() && skipEqual && seek != nil && bytes.Equal(it.Item().Key(), cur.full(seek)) {
		it.Next()
	}

	if !it.Valid() {
		return nil, nil, nil
	}

	item := it.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return cur.logical(item.KeyCopy(nil)), value, nil
}

func (cur *badgerCursor) Key() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.key), nil
}

func (cur *badgerCursor) Value() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.value), nil
}

func (cur *badgerCursor) Insert(key, value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}

	if err := cur.txn.Set(cur.full(key), value); err != nil {
		return err
	}

	atomic.AddInt64(cur.counter, 1)
	cur.dirty = true
	cur.setCurrent(key, value)
	return nil
}

func (cur *badgerCursor) Replace(value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	if err := cur.txn.Set(cur.full(cur.key), value); err != nil {
		return err
	}
	cur.value = clone(value)
	return nil
}

func (cur *badgerCursor) Delete() error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	if err := cur.txn.Delete(cur.full(cur.key)); err != nil {
		return err
	}

	atomic.AddInt64(cur.counter, -1)
	cur.dirty = true
	cur.valid = false // pos keeps pointing at the deleted key
	return nil
}

func (cur *badgerCursor) First() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	k, v, err := cur.scan(nil, false)
	if err != nil {
		return false, err
	}

	if k == nil {
		cur.valid = false
		cur.pos = nil
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *badgerCursor) Next() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	k, v, err := cur.scan(cur.pos, true)
	if err != nil {
		return false, err
	}

	if k == nil || cur.pastUpper(k) {
		cur.valid = false
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *badgerCursor) SetRange(lower, upper []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = clone(upper)
	k, v, err := cur.scan(lower, false)
	if err != nil {
		return false, err
	}

	if k == nil || cur.pastUpper(k) {
		cur.valid = false
		cur.pos = clone(lower)
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *badgerCursor) Close() error {
	if cur.txn != nil {
		cur.txn.Discard()
		cur.endTx()
	}
	return nil
}

func (cur *badgerCursor) endTx() {
	cur.txn = nil
	cur.dirty = false
}

// writeMeta persists the escrow counter into the table's metadata record
// within the cursor's current write transaction.
func (cur *badgerCursor) writeMeta() error {
	item, err := cur.txn.Get(tableMetaKey(cur.table))
	if err != nil {
		return err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}

	meta, err := store.DecodeTableMeta(data)
	if err != nil {
		return err
	}
	meta.Count = atomic.LoadInt64(cur.counter)

	if data, err = meta.Encode(); err != nil {
		return err
	}
	return cur.txn.Set(tableMetaKey(cur.table), data)
}

type badgerTx struct {
	cur *badgerCursor
}

func (tx *badgerTx) Commit(d store.Durability) error {
	cur := tx.cur
	if cur.txn == nil {
		return nil
	}

	if cur.update && cur.dirty {
		if err := cur.writeMeta(); err != nil {
			cur.txn.Discard()
			cur.endTx()
			return err
		}
	}

	var err error
	if cur.update {
		err = cur.txn.Commit()
	} else {
		cur.txn.Discard()
	}
	cur.endTx()

	if err != nil {
		return err
	}
	if d == store.Flush {
		return cur.store.db.Sync()
	}
	return nil
}

func (tx *badgerTx) Rollback() error {
	cur := tx.cur
	if cur.txn == nil {
		return nil
	}

	cur.txn.Discard()
	cur.endTx()
	return nil
}
