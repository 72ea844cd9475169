package store

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

type memEntry struct {
	key   []byte
	value []byte
}

func lessEntry(a, b memEntry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// scanChunk is how many entries an iterator pulls from a snapshot at a time.
const scanChunk = 256

// MemoryBackend is an in-memory Backend for tests and ephemeral engines.
//
// Writers mutate a B-tree under a lock and publish a lazy copy-on-write clone
// of it. Reads and scans walk the published clone, which is never written, so
// they never block writers.
type MemoryBackend struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[memEntry] // guarded by mu
	snap   atomic.Pointer[btree.BTreeG[memEntry]]
	closed atomic.Bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{tree: btree.NewG(32, lessEntry)}
	b.snap.Store(b.tree.Clone())
	return b
}

// Write implements Backend. Later entries in batch win over earlier ones with
// the same key.
func (b *MemoryBackend) Write(ctx context.Context, batch []KV) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kv := range batch {
		b.tree.ReplaceOrInsert(memEntry{key: bytes.Clone(kv.Key), value: bytes.Clone(kv.Value)})
	}
	b.snap.Store(b.tree.Clone())
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := b.snap.Load().Get(memEntry{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Scan implements Backend.
func (b *MemoryBackend) Scan(ctx context.Context, start, end []byte) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return &memIterator{tree: b.snap.Load(), next: start, end: end, pos: -1}, nil
}

// Len returns the number of stored keys.
func (b *MemoryBackend) Len() int {
	return b.snap.Load().Len()
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// memIterator walks a snapshot in chunks so a scan that stops early does
// not copy the whole range.
type memIterator struct {
	tree      *btree.BTreeG[memEntry]
	next      []byte // resume point
	skipKey   []byte // last key of the previous chunk
	end       []byte
	buf       []memEntry
	pos       int
	exhausted bool
	done      bool
}

func (it *memIterator) Next() bool {
	if it.done {
		return false
	}
	it.pos++
	if it.pos < len(it.buf) {
		return true
	}
	if !it.fill() {
		it.done = true
		return false
	}
	it.pos = 0
	return true
}

func (it *memIterator) fill() bool {
	if it.exhausted {
		return false
	}
	it.buf = it.buf[:0]
	more := false
	it.tree.AscendGreaterOrEqual(memEntry{key: it.next}, func(e memEntry) bool {
		if it.skipKey != nil && bytes.Equal(e.key, it.skipKey) {
			return true
		}
		if it.end != nil && bytes.Compare(e.key, it.end) >= 0 {
			return false
		}
		if len(it.buf) == scanChunk {
			more = true
			return false
		}
		it.buf = append(it.buf, e)
		return true
	})
	it.exhausted = !more
	if more {
		last := it.buf[len(it.buf)-1].key
		it.next, it.skipKey = last, last
	}
	return len(it.buf) > 0
}

func (it *memIterator) Key() []byte   { return it.buf[it.pos].key }
func (it *memIterator) Value() []byte { return it.buf[it.pos].value }
func (it *memIterator) Err() error    { return nil }

func (it *memIterator) Close() error {
	it.done = true
	return nil
}
