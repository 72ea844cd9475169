package processor

import (
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/store"
)

// DeadLetter is a record that could not be persisted after all retries.
type DeadLetter struct {
	Record   store.Record
	Stage    string
	Error    string
	Attempts int
	FailedAt time.Time
}

// deadLetterQueue holds failed records keyed by event id. When full, the
// oldest entry is evicted.
type deadLetterQueue struct {
	mu      sync.Mutex
	entries map[string]*DeadLetter
	maxSize int
	evicted int64
}

func newDeadLetterQueue(maxSize int) *deadLetterQueue {
	return &deadLetterQueue{
		entries: make(map[string]*DeadLetter),
		maxSize: maxSize,
	}
}

func (q *deadLetterQueue) add(dl *DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := dl.Record.Event.ID()
	if existing, ok := q.entries[id]; ok {
		dl.Attempts += existing.Attempts
	}
	if _, ok := q.entries[id]; !ok && q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.evictOldestLocked()
	}
	q.entries[id] = dl
}

func (q *deadLetterQueue) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, dl := range q.entries {
		if oldestID == "" || dl.FailedAt.Before(oldest) {
			oldestID, oldest = id, dl.FailedAt
		}
	}
	delete(q.entries, oldestID)
	q.evicted++
}

func (q *deadLetterQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

// list returns copies ordered by failure time.
func (q *deadLetterQueue) list() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, len(q.entries))
	for _, dl := range q.entries {
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (q *deadLetterQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
