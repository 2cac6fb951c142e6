package pdict

import "errors"

var (
	// ErrNotFound is returned by Get when the requested key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrDuplicateKey is returned by Add when the key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidArgument is returned when a dictionary is constructed with
	// invalid inputs, such as an empty directory or a nil codec.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("dictionary is closed")
)
