// Package memory implements the store contract fully in memory, backed by
// copy-on-write B-trees. Transactions operate on a clone of the table tree
// and swap it in at commit, which gives snapshot isolation without any
// locking across positional operations. Durability hints are no-ops.
package memory

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/ostafen/pdict/store"
)

var errTxActive = errors.New("cursor already has an active transaction")

const btreeDegree = 32

type item struct {
	key, value []byte
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type table struct {
	mu   sync.Mutex // guards tree cloning and swapping
	tree *btree.BTreeG[item]

	writeMu sync.Mutex // one update transaction at a time

	count int64 // escrow counter
	meta  *store.TableMeta
}

func (t *table) snapshot() *btree.BTreeG[item] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Clone()
}

type memStore struct {
	mu     sync.Mutex
	tables map[string]*table
}

func Open() (store.Store, error) {
	return &memStore{tables: make(map[string]*table)}, nil
}

func (s *memStore) table(name string) (*table, error) {
	s.mu.Lock()
	t := s.tables[name]
	s.mu.Unlock()

	if t == nil {
		return nil, store.ErrTableNotExist
	}
	return t, nil
}

func (s *memStore) CreateTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return store.ErrTableExist
	}

	s.tables[name] = &table{
		tree: btree.NewG(btreeDegree, itemLess),
		meta: store.NewTableMeta(),
	}
	return nil
}

func (s *memStore) HasTable(name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.tables[name]
	s.mu.Unlock()
	return ok, nil
}

func (s *memStore) OpenCursor(name string) (store.Cursor, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return &memCursor{table: t}, nil
}

func (s *memStore) Count(name string) (int64, error) {
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(&t.count), nil
}

func (s *memStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tables {
		t.mu.Lock()
		t.meta.Flushes++
		t.mu.Unlock()
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.tables = make(map[string]*table)
	s.mu.Unlock()
	return nil
}

type memCursor struct {
	table *table

	snap   *btree.BTreeG[item] // non-nil while a transaction is active
	update bool

	pos   []byte
	key   []byte
	value []byte
	valid bool
	upper []byte
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (cur *memCursor) Begin(update bool) (store.Tx, error) {
	if cur.snap != nil {
		return nil, errTxActive
	}

	if update {
		cur.table.writeMu.Lock()
	}
	cur.snap = cur.table.snapshot()
	cur.update = update
	return &memTx{cur: cur}, nil
}

func (cur *memCursor) require() error {
	if cur.snap == nil {
		return store.ErrNoTx
	}
	return nil
}

func (cur *memCursor) setCurrent(k, v []byte) {
	cur.key = clone(k)
	cur.value = clone(v)
	cur.pos = clone(k)
	cur.valid = true
}

func (cur *memCursor) pastUpper(k []byte) bool {
	return cur.upper != nil && bytes.Compare(k, cur.upper) > 0
}

func (cur *memCursor) Seek(key []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	it, ok := cur.snap.Get(item{key: key})
	if !ok {
		cur.valid = false
		cur.pos = clone(key)
		return false, nil
	}

	cur.setCurrent(it.key, it.value)
	return true, nil
}

func (cur *memCursor) Key() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.key), nil
}

func (cur *memCursor) Value() ([]byte, error) {
	if !cur.valid {
		return nil, store.ErrNoRow
	}
	return clone(cur.value), nil
}

func (cur *memCursor) Insert(key, value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}

	cur.snap.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	atomic.AddInt64(&cur.table.count, 1)
	cur.setCurrent(key, value)
	return nil
}

func (cur *memCursor) Replace(value []byte) error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	cur.snap.ReplaceOrInsert(item{key: clone(cur.key), value: clone(value)})
	cur.value = clone(value)
	return nil
}

func (cur *memCursor) Delete() error {
	if err := cur.require(); err != nil {
		return err
	}
	if !cur.valid {
		return store.ErrNoRow
	}

	cur.snap.Delete(item{key: cur.key})
	atomic.AddInt64(&cur.table.count, -1)
	cur.valid = false // pos keeps pointing at the deleted key
	return nil
}

// ascend returns the first row whose key is >= pivot (table start when
// pivot is nil), optionally skipping an exact match with pivot.
func (cur *memCursor) ascend(pivot []byte, skipEqual bool) (item, bool) {
	var (
		out   item
		found bool
	)

	iter := func(it item) bool {
		if skipEqual && bytes.Equal(it.key, pivot) {
			return true
		}
		out = it
		found = true
		return false
	}

	if pivot == nil {
		cur.snap.Ascend(iter)
	} else {
		cur.snap.AscendGreaterOrEqual(item{key: pivot}, iter)
	}
	return out, found
}

func (cur *memCursor) First() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = nil
	it, ok := cur.ascend(nil, false)
	if !ok {
		cur.valid = false
		cur.pos = nil
		return false, nil
	}

	cur.setCurrent(it.key, it.value)
	return true, nil
}

func (cur *memCursor) Next() (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	it, ok := cur.ascend(cur.pos, true)
	if !ok || cur.pastUpper(it.key) {
		cur.valid = false
		return false, nil
	}

	cur.setCurrent(it.key, it.value)
	return true, nil
}

func (cur *memCursor) SetRange(lower, upper []byte) (bool, error) {
	if err := cur.require(); err != nil {
		return false, err
	}

	cur.upper = clone(upper)
	it, ok := cur.ascend(lower, false)
	if !ok || cur.pastUpper(it.key) {
		cur.valid = false
		cur.pos = clone(lower)
		return false, nil
	}

	cur.setCurrent(it.key, it.value)
	return true, nil
}

func (cur *memCursor) Close() error {
	if cur.snap != nil {
		cur.endTx(false)
	}
	return nil
}

func (cur *memCursor) endTx(commit bool) {
	if commit && cur.update {
		t := cur.table
		t.mu.Lock()
		t.tree = cur.snap
		t.meta.Count = atomic.LoadInt64(&t.count)
		t.mu.Unlock()
	}

	if cur.update {
		cur.table.writeMu.Unlock()
	}
	cur.snap = nil
	cur.update = false
}

type memTx struct {
	cur *memCursor
}

func (tx *memTx) Commit(_ store.Durability) error {
	cur := tx.cur
	if cur.snap == nil {
		return nil
	}
	cur.endTx(true)
	return nil
}

func (tx *memTx) Rollback() error {
	cur := tx.cur
	if cur.snap == nil {
		return nil
	}
	cur.endTx(false)
	return nil
}
