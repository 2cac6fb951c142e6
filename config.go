package pdict

import (
	"fmt"

	"github.com/ostafen/pdict/encoding"
	"github.com/ostafen/pdict/store"
)

const defaultTable = "dict"

// Config contains pdict configuration parameters
type Config[K, V any] struct {
	store    store.Store
	inMemory bool
	table    string
	keys     encoding.KeyCodec[K]
	values   encoding.ValueCodec[V]
}

func defaultConfig[K, V any]() *Config[K, V] {
	return &Config[K, V]{table: defaultTable}
}

func (c *Config[K, V]) applyOptions(opts []Option[K, V]) (*Config[K, V], error) {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Option is a function that takes a config struct and modifies it
type Option[K, V any] func(c *Config[K, V]) error

// InMemoryMode allows to enable/disable in-memory mode.
func InMemoryMode[K, V any](enable bool) Option[K, V] {
	return func(c *Config[K, V]) error {
		c.inMemory = enable
		return nil
	}
}

// WithStore makes the dictionary use the provided engine instead of the
// default one. The dictionary takes ownership and closes it on Close.
func WithStore[K, V any](s store.Store) Option[K, V] {
	return func(c *Config[K, V]) error {
		if s == nil {
			return fmt.Errorf("%w: nil store", ErrInvalidArgument)
		}
		c.store = s
		return nil
	}
}

// WithTable selects the engine table backing the dictionary, so that
// multiple dictionaries can share one store.
func WithTable[K, V any](name string) Option[K, V] {
	return func(c *Config[K, V]) error {
		if name == "" {
			return fmt.Errorf("%w: empty table name", ErrInvalidArgument)
		}
		c.table = name
		return nil
	}
}

// WithKeyCodec overrides the key converter resolved from K. The codec must
// be order-preserving: the engine orders rows by raw key bytes.
func WithKeyCodec[K, V any](codec encoding.KeyCodec[K]) Option[K, V] {
	return func(c *Config[K, V]) error {
		if codec == nil {
			return fmt.Errorf("%w: nil key codec", ErrInvalidArgument)
		}
		c.keys = codec
		return nil
	}
}

// WithValueCodec overrides the default msgpack value converter.
func WithValueCodec[K, V any](codec encoding.ValueCodec[V]) Option[K, V] {
	return func(c *Config[K, V]) error {
		if codec == nil {
			return fmt.Errorf("%w: nil value codec", ErrInvalidArgument)
		}
		c.values = codec
		return nil
	}
}
