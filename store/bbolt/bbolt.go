// Package bbolt implements the store contract on top of a single bbolt
// file. Tables map to buckets; the file is opened with NoSync so that the
// commit durability hint is meaningful: lazy commits skip the fsync and
// flushed commits (and Store.Flush) issue one explicitly.
package bbolt

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ostafen/pdict/store"
	"go.etcd.io/bbolt"
)

const (
	dbFileName = "data.db"
	metaBucket = "__meta"
)

var errTxActive = errors.New("cursor already has an active transaction")

type boltStore struct {
	db *bbolt.DB

	mu       sync.Mutex
	counters map[string]*int64
}

func Open(dir string) (store.Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, dbFileName), 0666, &bbolt.Options{NoSync: true})
	if err != nil {
		return nil, err
	}

	s := &boltStore{db: db, counters: make(map[string]*int64)}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *boltStore) bootstrap() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	})
	if err != nil {
		return err
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).ForEach(func(k, v []byte) error {
			meta, err := store.DecodeTableMeta(v)
			if err != nil {
				return err
			}
			count := meta.Count
			s.counters[string(k)] = &count
			return nil
		})
	})
}

func (s *boltStore) CreateTable(name string) error {
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if name == metaBucket || tx.Bucket([]byte(name)) != nil {
		return store.ErrTableExist
	}

	if _, err := tx.CreateBucket([]byte(name)); err != nil {
		return err
	}

	data, err := store.NewTableMeta().Encode()
	if err != nil {
		return err
	}

	if err := tx.Bucket([]byte(metaBucket)).Put([]byte(name), data); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.counters[name] = new(int64)
	s.mu.Unlock()
	return nil
}

func (s *boltStore) HasTable(name string) (bool, error) {
	if name == metaBucket {
		return false, nil
	}

	has := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return has, err
}

func (s *boltStore) counter(table string) (*int64, error) {
	s.mu.Lock()
	c := s.counters[table]
	s.mu.Unlock()

	if c == nil {
		return nil, store.ErrTableNotExist
	}
	return c, nil
}

func (s *boltStore) OpenCursor(table string) (store.Cursor, error) {
	counter, err := s.counter(table)
	if err != nil {
		return nil, err
	}
	return &boltCursor{store: s, table: table, counter: counter}, nil
}

func (s *boltStore) Count(table string) (int64, error) {
	counter, err := s.counter(table)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(counter), nil
}

func (s *boltStore) Flush() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(metaBucket))

		var names [][]byte
		if err := bkt.ForEach(func(k, _ []byte) error {
			names = append(names, clone(k))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			meta, err := store.DecodeTableMeta(bkt.Get(name))
			if err != nil {
				return err
			}
			meta.Flushes++

			data, err := meta.Encode()
			if err != nil {
				return err
			}
			if err := bkt.Put(name, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Sync()
}

func (s *boltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

type boltCursor struct {
	store   *boltStore
	table   string
	counter *int64

	tx  *bbolt.Tx
	bkt *bbolt.Bucket
	c   *bbolt.Cursor

	pos   []byte // last logical position; Next resumes strictly past it
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

func (cur *boltCursor) Begin(update bool) (store.Tx, error) {
	if cur.tx != nil {
		return nil, errTxActive
	}

	tx, err := cur.store.db.Begin(update)
	if err != nil {
		return nil, err
	}

	bkt := tx.Bucket([]byte(cur.table))
	if bkt == nil {
		tx.Rollback()
		return nil, store.ErrTableNotExist
	}

	cur.tx = tx
	cur.bkt = bkt
	cur.c = bkt.Cursor()
	return &boltTx{cur: cur}, nil
}

func (cur *boltCursor) require() error {
	if cur.tx == nil {
		return store.ErrNoTx
	}
	return nil
}

func (cur *boltCursor) setCurrent(k, v []byte) {
	cur.key = clone(k)
	cur.value = clone(v)
	cur.pos = clone(k)
	cur.valid = true
}

func (cur *boltCursor) pastUpper(k []byte) bool {
	return cur.upper != nil && bytes.Compare(k, cur.upper) > 0
}

func (cur *boltCursor) Seek(key []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	k, v := cur.c.Seek(key)
	if k != nil && bytes.Equal(k, key) {
		cur.setCurrent(k, v)
		return true, nil
	}

	cur.valid = false
	cur.pos = clone(key)
	return false, nil
}

func (cur *boltCursor) Key() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.key), nil
}

func (cur *boltCursor) Value() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.value), nil
}

func (cur *boltCursor) Insert(key, value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}

	if err := cur.bkt.Put(key, value); err != nil {
		return err
	}

	atomic.AddInt64(cur.counter, 1)
	cur.dirty = true
	cur.setCurrent(key, value)
	return nil
}

func (cur *boltCursor) Replace(value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	if err := cur.bkt.Put(cur.key, value); err != nil {
		return err
	}
	cur.value = clone(value)
	return nil
}

func (cur *boltCursor) Delete() error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	if err := cur.bkt.Delete(cur.key); err != nil {
		return err
	}

	atomic.AddInt64(cur.counter, -1)
	cur.dirty = true
	cur.valid = false // pos keeps pointing at the deleted key
	return nil
}

func (cur *boltCursor) First() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	k, v := cur.c.First()
	if k == nil {
		cur.valid = false
		cur.pos = nil
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *boltCursor) Next() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	var k, v []byte
	if cur.pos == nil {
		k, v = cur.c.First()
	} else {
		k, v = cur.c.Seek(cur.pos)
		if k != nil && bytes.Equal(k, cur.pos) {
			k, v = cur.c.Next()
		}
	}

	if k == nil || cur.pastUpper(k) {
		cur.valid = false
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *boltCursor) SetRange(lower, upper []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = clone(upper)

	var k, v []byte
	if lower == nil {
		k, v = cur.c.First()
	} else {
		k, v = cur.c.Seek(lower)
	}

	if k == nil || cur.pastUpper(k) {
		cur.valid = false
		cur.pos = clone(lower)
		return false, nil
	}

	cur.setCurrent(k, v)
	return true, nil
}

func (cur *boltCursor) Close() error {
	if cur.tx != nil {
		err := cur.tx.Rollback()
		cur.endTx()
		return err
	}
	return nil
}

func (cur *boltCursor) endTx() {
	cur.tx = nil
	cur.bkt = nil
	cur.c = nil
	cur.dirty = false
}

// writeMeta persists the escrow counter into the table's metadata record
// within the cursor's current write transaction.
func (cur *boltCursor) writeMeta() error {
	bkt := cur.tx.Bucket([]byte(metaBucket))

	meta, err := store.DecodeTableMeta(bkt.Get([]byte(cur.table)))
	if err != nil {
		return err
	}
	meta.Count = atomic.LoadInt64(cur.counter)

	data, err := meta.Encode()
	if err != nil {
		return err
	}
	return bkt.Put([]byte(cur.table), data)
}

type boltTx struct {
	cur *boltCursor
}

func (tx *boltTx) Commit(d store.Durability) error {
	cur := tx.cur
	if cur.tx == nil {
		return nil
	}

	writable := cur.tx.Writable()
	if writable && cur.dirty {
		if err := cur.writeMeta(); err != nil {
			cur.tx.Rollback()
			cur.endTx()
			return err
		}
	}

	var err error
	if writable {
		err = cur.tx.Commit()
	} else {
		// read-only bolt transactions are released, not committed
		err = cur.tx.Rollback()
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

func (tx *boltTx) Rollback() error {
	cur := tx.cur
	if cur.tx == nil {
		return nil
	}

	err := cur.tx.Rollback()
	cur.endTx()
	return err
}
