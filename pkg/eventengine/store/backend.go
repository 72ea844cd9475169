// Package store persists event records over an ordered key-range backend and
// answers time-range and (type, source) queries.
package store

import (
	"context"
	"errors"
)

// Sentinel errors returned by backends and the store.
var (
	// ErrNotFound is returned when a key or event ID does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when appending an event ID that is already stored.
	ErrDuplicate = errors.New("duplicate event id")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("store closed")
)

// KV is a single key/value pair in a write batch.
type KV struct {
	Key   []byte
	Value []byte
}

// Backend is an ordered byte-key store. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Write applies the batch atomically. When Write returns nil the batch is
	// durable and visible to subsequent reads.
	Write(ctx context.Context, batch []KV) error

	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Scan iterates keys in [start, end) in ascending byte order. A nil end
	// means no upper bound. The iterator must be closed.
	Scan(ctx context.Context, start, end []byte) (Iterator, error)

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// Iterator walks a key range. Key and Value are valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}
