// Package bus routes events from publishers to subscribers.
//
// Every subscription owns a bounded inbox and a backpressure policy. Publish
// delivers to matching subscriptions in registration order, and a slow or
// failing subscriber never blocks the others beyond its own block timeout.
//
// Basic usage:
//
//	b := bus.New(bus.DefaultConfig)
//	defer b.Close()
//
//	sub, _ := b.SubscribeFunc(bus.MatchTypes(event.TypeAnomaly), func(ctx context.Context, evt event.Event) error {
//	    log.Println(evt)
//	    return nil
//	})
//	defer sub.Unsubscribe()
//
//	err := b.Publish(ctx, evt)
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Config configures bus behavior. Capacity, Policy and BlockTimeout are the
// defaults for subscriptions that do not override them.
type Config struct {
	// Capacity is the inbox size per subscription.
	// Default: 256
	Capacity int

	// Policy is the default backpressure policy.
	// Default: Block
	Policy Policy

	// BlockTimeout bounds a Block-policy wait.
	// Default: 5s
	BlockTimeout time.Duration

	// OnDrop is called when an event is discarded by a drop policy.
	OnDrop func(evt event.Event, subscription string)

	// OnDeliveryError is called when a callback consumer fails or panics.
	OnDeliveryError func(evt event.Event, subscription string, err error)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Capacity:     256,
	Policy:       Block,
	BlockTimeout: 5 * time.Second,
}

// Stats are cumulative bus counters.
type Stats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	TimedOut    int64
	Subscribers int
}

// Bus is an in-process publish/subscribe router. Construct one per engine;
// there is no package-level instance.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	mu   sync.Mutex // serializes subscription changes
	subs atomic.Pointer[[]*Subscription]

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	consumerCtx    context.Context
	cancelConsumer context.CancelFunc

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	timedOut  atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates a bus.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultConfig.BlockTimeout
	}

	b := &Bus{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		closeCh: make(chan struct{}),
	}
	b.consumerCtx, b.cancelConsumer = context.WithCancel(context.Background())
	empty := []*Subscription{}
	b.subs.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
	b.logger = observability.EnrichLogger(b.logger, "bus")
	return b
}

// Subscribe registers a channel subscription. Read events from C().
func (b *Bus) Subscribe(pred Predicate, opts ...SubscribeOption) (*Subscription, error) {
	return b.register(pred, opts)
}

// SubscribeFunc registers a callback subscription. fn runs on a dedicated
// goroutine, one event at a time; errors and panics are reported through
// OnDeliveryError and never reach the publisher.
func (b *Bus) SubscribeFunc(pred Predicate, fn ConsumerFunc, opts ...SubscribeOption) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("consumer func is required")
	}
	sub, err := b.register(pred, opts)
	if err != nil {
		return nil, err
	}
	b.wg.Add(1)
	go b.consume(sub, fn)
	return sub, nil
}

func (b *Bus) register(pred Predicate, opts []SubscribeOption) (*Subscription, error) {
	if pred == nil {
		pred = MatchAll
	}
	cfg := subConfig{
		capacity:     b.cfg.Capacity,
		policy:       b.cfg.Policy,
		blockTimeout: b.cfg.BlockTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capacity <= 0 {
		return nil, fmt.Errorf("subscription capacity must be positive, got %d", cfg.capacity)
	}
	if cfg.blockTimeout <= 0 {
		cfg.blockTimeout = b.cfg.BlockTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:    "sub-" + strconv.FormatInt(b.nextID.Add(1), 10),
		cfg:   cfg,
		pred:  pred,
		inbox: make(chan event.Event, cfg.capacity),
		done:  make(chan struct{}),
		bus:   b,
	}
	current := *b.subs.Load()
	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	b.subs.Store(&next)
	return sub, nil
}

// Unsubscribe removes sub. Events already queued to it are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	current := *b.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
	b.mu.Unlock()
	sub.stop()
}

// Publish delivers evt to every matching subscription. Drop-policy deliveries
// never fail. Block-policy waits run in parallel and every timeout is returned
// as a *errors.DeliveryTimeoutError, joined together. The bus does not retry.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if evt.IsZero() {
		return &engerrors.ValidationError{Field: "event", Message: "must be constructed with event.New"}
	}
	b.published.Add(1)

	var (
		delivered, dropped int
		waits              []*Subscription
	)
	for _, sub := range *b.subs.Load() {
		if sub.isDone() || !sub.pred(evt) {
			continue
		}
		switch sub.cfg.policy {
		case DropNewest:
			if b.offerDropNewest(sub, evt) {
				delivered++
			} else {
				dropped++
			}
		case DropOldest:
			dropped += b.offerDropOldest(sub, evt)
			delivered++
		default:
			select {
			case sub.inbox <- evt:
				sub.delivered.Add(1)
				delivered++
			default:
				waits = append(waits, sub)
			}
		}
	}

	var errs []error
	if len(waits) > 0 {
		errs = make([]error, len(waits))
		var wg sync.WaitGroup
		for i, sub := range waits {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = b.offerBlocking(ctx, sub, evt)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err == nil {
				delivered++
			}
		}
	}

	b.delivered.Add(int64(delivered))
	b.dropped.Add(int64(dropped))
	b.metrics.RecordBusPublish(ctx, delivered, dropped)
	return errors.Join(errs...)
}

func (b *Bus) offerDropNewest(sub *Subscription, evt event.Event) bool {
	select {
	case sub.inbox <- evt:
		sub.delivered.Add(1)
		return true
	default:
		b.recordDrop(sub, evt)
		return false
	}
}

// offerDropOldest enqueues evt, evicting queued events until it fits, and
// returns how many were evicted.
func (b *Bus) offerDropOldest(sub *Subscription, evt event.Event) int {
	sub.pushMu.Lock()
	defer sub.pushMu.Unlock()

	evicted := 0
	for {
		select {
		case sub.inbox <- evt:
			sub.delivered.Add(1)
			return evicted
		default:
		}
		select {
		case old := <-sub.inbox:
			b.recordDrop(sub, old)
			evicted++
		default:
		}
	}
}

func (b *Bus) offerBlocking(ctx context.Context, sub *Subscription, evt event.Event) error {
	timer := time.NewTimer(sub.cfg.blockTimeout)
	defer timer.Stop()

	select {
	case sub.inbox <- evt:
		sub.delivered.Add(1)
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeCh:
		return ErrClosed
	case <-timer.C:
		b.timedOut.Add(1)
		b.metrics.RecordDeliveryTimeout(ctx, sub.Name())
		observability.LogDeliveryTimeout(b.logger, sub.Name(), evt.ID(), sub.cfg.blockTimeout)
		return &engerrors.DeliveryTimeoutError{
			Subscription: sub.Name(),
			EventID:      evt.ID(),
			Timeout:      sub.cfg.blockTimeout,
		}
	}
}

func (b *Bus) recordDrop(sub *Subscription, evt event.Event) {
	sub.dropped.Add(1)
	observability.LogEventDropped(b.logger, sub.Name(), sub.cfg.policy.String(), evt.ID())
	if b.cfg.OnDrop != nil {
		b.cfg.OnDrop(evt, sub.Name())
	}
}

// consume runs a callback subscription. On bus close, events already queued
// are handed to fn before it exits.
func (b *Bus) consume(sub *Subscription, fn ConsumerFunc) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-sub.inbox:
			b.invoke(sub, fn, evt)
		case <-sub.done:
			return
		case <-b.closeCh:
			for {
				select {
				case evt := <-sub.inbox:
					b.invoke(sub, fn, evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(sub *Subscription, fn ConsumerFunc, evt event.Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				observability.LogConsumerPanic(b.logger, sub.Name(), r)
				err = fmt.Errorf("consumer panic: %v", r)
			}
		}()
		err = fn(b.consumerCtx, evt)
	}()
	if err == nil {
		return
	}
	b.logger.Warn("consumer failed",
		slog.String("subscription", sub.Name()),
		slog.String("event_id", evt.ID()),
		slog.String("error", err.Error()),
	)
	if b.cfg.OnDeliveryError != nil {
		b.cfg.OnDeliveryError(evt, sub.Name(), err)
	}
}

// Stats returns cumulative counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		TimedOut:    b.timedOut.Load(),
		Subscribers: len(*b.subs.Load()),
	}
}

// Close stops accepting publishes, lets callback consumers finish their queued
// events and ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	close(b.closeCh)
	subs := *b.subs.Load()
	b.mu.Unlock()

	b.wg.Wait()
	b.cancelConsumer()
	for _, sub := range subs {
		sub.stop()
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return nil
}
