package processor

import "sync"

// recentIDs remembers the last N event ids. When full, the oldest id is
// forgotten and may be admitted again.
type recentIDs struct {
	mu   sync.Mutex
	ring []string
	next int
	seen map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		return nil
	}
	return &recentIDs{
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// admit records id and reports whether it was not already present. A nil
// receiver admits everything.
func (r *recentIDs) admit(id string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.seen[id] = struct{}{}
	return true
}

func (r *recentIDs) len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
