package pdict

import (
	"sync"

	"github.com/ostafen/pdict/store"
)

// cursorPool caches engine cursors so that concurrent callers do not pay
// the cost of opening one per operation. Cursors are fungible: a released
// cursor may be handed to any future caller. The pool lock only guards the
// idle list and is never held across engine I/O.
type cursorPool struct {
	store store.Store
	table string

	mu     sync.Mutex
	idle   []store.Cursor
	closed bool
}

func newCursorPool(s store.Store, table string) *cursorPool {
	return &cursorPool{store: s, table: table}
}

func (p *cursorPool) acquire() (store.Cursor, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		cur := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return cur, nil
	}
	p.mu.Unlock()

	return p.store.OpenCursor(p.table)
}

func (p *cursorPool) release(cur store.Cursor) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cur.Close()
		return
	}
	p.idle = append(p.idle, cur)
	p.mu.Unlock()
}

// close tears down every idle cursor. Cursors still checked out at this
// point are a caller error; operations concurrent with close are
// unsupported.
func (p *cursorPool) close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, cur := range idle {
		if err := cur.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *cursorPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
