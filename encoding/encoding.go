// Package encoding provides the converters between logical keys/values and
// the byte columns stored by the engine. Key codecs are order-preserving:
// the engine compares raw bytes, so the byte order produced here defines
// the dictionary's key order.
package encoding

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/orderedcode"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnsupportedKeyType = errors.New("unsupported key type")

// KeyCodec encodes keys of type K into order-preserving byte strings.
type KeyCodec[K any] interface {
	EncodeKey(dst []byte, key K) ([]byte, error)
	DecodeKey(data []byte) (K, error)
}

// ValueCodec encodes values of type V into byte strings. Value bytes carry
// no ordering requirement.
type ValueCodec[V any] interface {
	EncodeValue(value V) ([]byte, error)
	DecodeValue(data []byte) (V, error)
}

// KeyCodecOf resolves a built-in key codec for K. Supported key types are
// string, int, int64, uint64, float64, time.Time and []byte.
func KeyCodecOf[K any]() (KeyCodec[K], error) {
	var k K
	switch any(k).(type) {
	case string:
		return any(StringKeyCodec{}).(KeyCodec[K]), nil
	case int:
		return any(IntKeyCodec{}).(KeyCodec[K]), nil
	case int64:
		return any(Int64KeyCodec{}).(KeyCodec[K]), nil
	case uint64:
		return any(Uint64KeyCodec{}).(KeyCodec[K]), nil
	case float64:
		return any(Float64KeyCodec{}).(KeyCodec[K]), nil
	case time.Time:
		return any(TimeKeyCodec{}).(KeyCodec[K]), nil
	case []byte:
		return any(BytesKeyCodec{}).(KeyCodec[K]), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, k)
}

type StringKeyCodec struct{}

func (StringKeyCodec) EncodeKey(dst []byte, key string) ([]byte, error) {
	return orderedcode.Append(dst, key)
}

func (StringKeyCodec) DecodeKey(data []byte) (string, error) {
	var key string
	_, err := orderedcode.Parse(string(data), &key)
	return key, err
}

type Int64KeyCodec struct{}

func (Int64KeyCodec) EncodeKey(dst []byte, key int64) ([]byte, error) {
	return orderedcode.Append(dst, key)
}

func (Int64KeyCodec) DecodeKey(data []byte) (int64, error) {
	var key int64
	_, err := orderedcode.Parse(string(data), &key)
	return key, err
}

type IntKeyCodec struct{}

func (IntKeyCodec) EncodeKey(dst []byte, key int) ([]byte, error) {
	return orderedcode.Append(dst, int64(key))
}

func (IntKeyCodec) DecodeKey(data []byte) (int, error) {
	var key int64
	_, err := orderedcode.Parse(string(data), &key)
	return int(key), err
}

type Uint64KeyCodec struct{}

func (Uint64KeyCodec) EncodeKey(dst []byte, key uint64) ([]byte, error) {
	return orderedcode.Append(dst, key)
}

func (Uint64KeyCodec) DecodeKey(data []byte) (uint64, error) {
	var key uint64
	_, err := orderedcode.Parse(string(data), &key)
	return key, err
}

type Float64KeyCodec struct{}

func (Float64KeyCodec) EncodeKey(dst []byte, key float64) ([]byte, error) {
	return orderedcode.Append(dst, key)
}

func (Float64KeyCodec) DecodeKey(data []byte) (float64, error) {
	var key float64
	_, err := orderedcode.Parse(string(data), &key)
	return key, err
}

// TimeKeyCodec orders instants by their UnixNano value.
type TimeKeyCodec struct{}

func (TimeKeyCodec) EncodeKey(dst []byte, key time.Time) ([]byte, error) {
	return orderedcode.Append(dst, key.UnixNano())
}

func (TimeKeyCodec) DecodeKey(data []byte) (time.Time, error) {
	var nanos int64
	_, err := orderedcode.Parse(string(data), &nanos)
	return time.Unix(0, nanos).UTC(), err
}

// BytesKeyCodec stores keys verbatim: raw bytes already sort correctly.
type BytesKeyCodec struct{}

func (BytesKeyCodec) EncodeKey(dst []byte, key []byte) ([]byte, error) {
	return append(dst, key...), nil
}

func (BytesKeyCodec) DecodeKey(data []byte) ([]byte, error) {
	key := make([]byte, len(data))
	copy(key, data)
	return key, nil
}

type msgpackCodec[V any] struct{}

// MsgpackCodec returns the default value codec, encoding any V with msgpack.
func MsgpackCodec[V any]() ValueCodec[V] {
	return msgpackCodec[V]{}
}

func (msgpackCodec[V]) EncodeValue(value V) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (msgpackCodec[V]) DecodeValue(data []byte) (V, error) {
	var value V
	err := msgpack.Unmarshal(data, &value)
	return value, err
}
