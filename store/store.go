package store

import (
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrTableExist    = errors.New("table already exist")
	ErrTableNotExist = errors.New("no such table")

	// ErrNoRow is returned by positional cursor operations when the cursor
	// is not positioned on a live row.
	ErrNoRow = errors.New("cursor is not positioned on a row")

	// ErrNoTx is returned by cursor operations issued outside a transaction.
	ErrNoTx = errors.New("no active transaction on cursor")
)

// Durability is the commit hint passed to Tx.Commit.
type Durability int

const (
	// LazyFlush commits without forcing a synchronous disk flush. The
	// transaction still provides isolation and atomicity; durability is
	// deferred until a later Flush or a flushed commit.
	LazyFlush Durability = iota

	// Flush commits and forces the committed data to stable storage.
	Flush
)

// Store is an ordered, transactional table engine. Tables map ascending
// byte keys to values; all access goes through cursors.
type Store interface {
	// CreateTable creates an empty table together with its metadata record.
	// It returns ErrTableExist if the table already exists: callers are
	// expected to check HasTable first.
	CreateTable(name string) error

	HasTable(name string) (bool, error)

	// OpenCursor opens a new cursor bound to the given table. Opening a
	// cursor is expensive relative to the operations performed with it,
	// so callers should reuse cursors across logical operations.
	OpenCursor(table string) (Cursor, error)

	// Count reads the table's escrow counter. The counter is adjusted
	// immediately by Cursor.Insert and Cursor.Delete, independently of the
	// outcome of the enclosing transaction, so the returned value is
	// approximate while writers are in flight.
	Count(table string) (int64, error)

	// Flush forces all committed data to stable storage.
	Flush() error

	Close() error
}

// Cursor is a stateful position over one table. Positional operations must
// run inside a transaction started with Begin; the logical position and any
// range restriction survive across transactions, so a scan may commit after
// every step and still resume where it left off.
//
// A cursor is owned by exactly one caller at a time.
type Cursor interface {
	Begin(update bool) (Tx, error)

	// Seek positions the cursor on the row with exactly the given key,
	// reporting whether such a row exists.
	Seek(key []byte) (bool, error)

	Key() ([]byte, error)
	Value() ([]byte, error)

	// Insert adds a new row and increments the table's escrow counter.
	// The caller must have established that the key is absent.
	Insert(key, value []byte) error

	// Replace overwrites the value of the current row.
	Replace(value []byte) error

	// Delete removes the current row and decrements the escrow counter.
	Delete() error

	// First positions the cursor on the first row of the table.
	First() (bool, error)

	// Next advances to the next row in key order, honoring any range
	// restriction set with SetRange.
	Next() (bool, error)

	// SetRange restricts the cursor to keys in [lower, upper] (either
	// bound may be nil for unbounded) and positions it on the first row
	// of the range, reporting whether the range is non-empty.
	SetRange(lower, upper []byte) (bool, error)

	Close() error
}

// Tx is a transaction scope. Commit takes a durability hint; an abandoned
// scope is rolled back. Rollback is idempotent and safe after Commit, so it
// can be deferred unconditionally.
type Tx interface {
	Commit(d Durability) error
	Rollback() error
}

const SchemaVersion = 1

// TableMeta is the single metadata record kept per table. It is created
// once at table bootstrap and rewritten by count and flush updates.
type TableMeta struct {
	Version   int    `msgpack:"version"`
	Count     int64  `msgpack:"count"`
	Flushes   int64  `msgpack:"flushes"`
	Signature string `msgpack:"signature"`
}

// NewTableMeta builds the bootstrap metadata record, minting a fresh
// signature identifying this physical table.
func NewTableMeta() *TableMeta {
	return &TableMeta{
		Version:   SchemaVersion,
		Signature: uuid.Must(uuid.NewV4()).String(),
	}
}

func (m *TableMeta) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

func DecodeTableMeta(data []byte) (*TableMeta, error) {
	m := &TableMeta{}
	err := msgpack.Unmarshal(data, m)
	return m, err
}
