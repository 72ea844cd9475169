package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
)

// Predicate selects the events a subscription receives.
type Predicate func(event.Event) bool

// ConsumerFunc handles one delivered event.
type ConsumerFunc func(ctx context.Context, evt event.Event) error

// MatchAll accepts every event.
func MatchAll(event.Event) bool { return true }

// MatchPattern compiles p into a predicate.
func MatchPattern(p match.Pattern) (Predicate, error) {
	m, err := p.Compile()
	if err != nil {
		return nil, err
	}
	return m.Match, nil
}

// MatchTypes accepts events of the given types.
func MatchTypes(types ...event.Type) Predicate {
	set := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(evt event.Event) bool {
		_, ok := set[evt.Type()]
		return ok
	}
}

// ExcludeDerived wraps pred so derived events are never accepted.
func ExcludeDerived(pred Predicate) Predicate {
	return func(evt event.Event) bool {
		return !evt.IsDerived() && pred(evt)
	}
}

// OnlyDerived wraps pred so only derived events are accepted.
func OnlyDerived(pred Predicate) Predicate {
	return func(evt event.Event) bool {
		return evt.IsDerived() && pred(evt)
	}
}

type subConfig struct {
	name         string
	capacity     int
	policy       Policy
	blockTimeout time.Duration
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subConfig)

// WithCapacity sets the inbox size.
func WithCapacity(n int) SubscribeOption {
	return func(c *subConfig) {
		c.capacity = n
	}
}

// WithPolicy sets the backpressure policy.
func WithPolicy(p Policy) SubscribeOption {
	return func(c *subConfig) {
		c.policy = p
	}
}

// WithBlockTimeout sets how long a Block-policy publish waits for room.
func WithBlockTimeout(d time.Duration) SubscribeOption {
	return func(c *subConfig) {
		c.blockTimeout = d
	}
}

// WithName labels the subscription in logs and metrics.
func WithName(name string) SubscribeOption {
	return func(c *subConfig) {
		c.name = name
	}
}

// Subscription is a registered consumer with its own bounded inbox.
//
// The inbox channel is never closed: consumers reading C() should also
// select on Done().
type Subscription struct {
	id     string
	cfg    subConfig
	pred   Predicate
	inbox  chan event.Event
	pushMu sync.Mutex // serializes drop-oldest evictions

	done     chan struct{}
	doneOnce sync.Once
	bus      *Bus

	delivered atomic.Int64
	dropped   atomic.Int64
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Name returns the configured name, or the id when unnamed.
func (s *Subscription) Name() string {
	if s.cfg.name != "" {
		return s.cfg.name
	}
	return s.id
}

// Policy returns the backpressure policy.
func (s *Subscription) Policy() Policy { return s.cfg.policy }

// C returns the inbox for channel subscriptions.
func (s *Subscription) C() <-chan event.Event { return s.inbox }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Delivered returns the number of events queued to this subscription.
func (s *Subscription) Delivered() int64 { return s.delivered.Load() }

// Dropped returns the number of events discarded by the backpressure policy.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) stop() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
