package correlate

import (
	"fmt"
	"time"
)

// StateKind is the lifecycle state of a partial match.
type StateKind uint8

const (
	StatePending StateKind = iota
	StateMatched
	StateExpired
)

// String returns the state name.
func (k StateKind) String() string {
	switch k {
	case StatePending:
		return "pending"
	case StateMatched:
		return "matched"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(k))
	}
}

type stateKey struct {
	rule string
	key  string
}

// state is a partial match owned by its shard.
type state struct {
	next     int
	eventIDs []string
	first    time.Time
	last     time.Time
}

func (s *state) snapshot(k stateKey, kind StateKind) Snapshot {
	return Snapshot{
		RuleID:   k.rule,
		Key:      k.key,
		State:    kind,
		NextStep: s.next,
		EventIDs: append([]string(nil), s.eventIDs...),
		First:    s.first,
		Last:     s.last,
	}
}

// Snapshot is an immutable view of a correlation state.
type Snapshot struct {
	RuleID   string
	Key      string
	State    StateKind
	NextStep int
	EventIDs []string
	First    time.Time
	Last     time.Time
}

// Duration is the span from the first to the last matched event.
func (s Snapshot) Duration() time.Duration {
	return s.Last.Sub(s.First)
}
