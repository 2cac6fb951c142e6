package pdict

import (
	"github.com/ostafen/pdict/store"
)

type iterState int

const (
	iterNotStarted iterState = iota
	iterPositioned
	iterExhausted
)

// Iterator is a lazy, forward-only, ascending scan over a key range. It
// owns a private engine cursor, deliberately bypassing the pool: a scan
// may be long-running and must not starve other callers of pooled cursors.
//
// Every advance runs in its own short transaction, so the scan never pins
// engine resources across steps. The price is that the scan is not a
// single consistent snapshot: a concurrent writer's change may or may not
// be visible to later steps.
//
// An exhausted iterator cannot be restarted; create a new one instead.
// Close must be called once the iterator is no longer needed, including
// when it is abandoned before exhaustion.
type Iterator[K, V any] struct {
	d   *Dictionary[K, V]
	cur store.Cursor

	lower, upper []byte
	state        iterState

	key      K
	value    V
	rawValue []byte
	err      error
}

// Iter returns an iterator over the whole dictionary in ascending key
// order.
func (d *Dictionary[K, V]) Iter() (*Iterator[K, V], error) {
	return d.iter(nil, nil)
}

// IterRange returns an iterator over keys in [lower, upper], ascending.
// A nil bound leaves that side of the range open.
func (d *Dictionary[K, V]) IterRange(lower, upper *K) (*Iterator[K, V], error) {
	var lb, ub []byte
	var err error

	if lower != nil {
		if lb, err = d.encodeKey(*lower); err != nil {
			return nil, err
		}
	}
	if upper != nil {
		if ub, err = d.encodeKey(*upper); err != nil {
			return nil, err
		}
	}
	return d.iter(lb, ub)
}

func (d *Dictionary[K, V]) iter(lower, upper []byte) (*Iterator[K, V], error) {
	if err := d.ok(); err != nil {
		return nil, err
	}

	cur, err := d.store.OpenCursor(d.table)
	if err != nil {
		return nil, err
	}

	return &Iterator[K, V]{
		d:     d,
		cur:   cur,
		lower: lower,
		upper: upper,
	}, nil
}

// Next advances to the next entry, reporting whether one exists. The first
// call restricts the cursor to the iterator's range and positions it on
// the first entry.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil || it.state == iterExhausted || it.cur == nil {
		return false
	}

	tx, err := it.cur.Begin(false)
	if err != nil {
		return it.fail(err)
	}

	var found bool
	if it.state == iterNotStarted {
		found, err = it.cur.SetRange(it.lower, it.upper)
	} else {
		found, err = it.cur.Next()
	}
	if err != nil {
		tx.Rollback()
		return it.fail(err)
	}
	if !found {
		tx.Rollback()
		it.state = iterExhausted
		return false
	}

	kb, err := it.cur.Key()
	if err != nil {
		tx.Rollback()
		return it.fail(err)
	}
	vb, err := it.cur.Value()
	if err != nil {
		tx.Rollback()
		return it.fail(err)
	}
	if err := tx.Commit(store.LazyFlush); err != nil {
		return it.fail(err)
	}

	if it.key, err = it.d.keys.DecodeKey(kb); err != nil {
		return it.fail(err)
	}
	if it.value, err = it.d.values.DecodeValue(vb); err != nil {
		return it.fail(err)
	}

	it.rawValue = vb
	it.state = iterPositioned
	return true
}

func (it *Iterator[K, V]) fail(err error) bool {
	it.err = err
	it.state = iterExhausted
	return false
}

// Key returns the key of the current entry. Valid only after a Next call
// that returned true.
func (it *Iterator[K, V]) Key() K {
	return it.key
}

// Value returns the value of the current entry.
func (it *Iterator[K, V]) Value() V {
	return it.value
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator[K, V]) Err() error {
	return it.err
}

// Close releases the iterator's private cursor. It is safe to call Close
// multiple times.
func (it *Iterator[K, V]) Close() error {
	if it.cur == nil {
		return nil
	}

	err := it.cur.Close()
	it.cur = nil
	return err
}
