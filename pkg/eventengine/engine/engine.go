// Package engine wires the event pipeline together from configuration.
//
// An Engine owns one bus, store, filter, aggregator, correlator, anomaly
// detector and processor. Nothing is global: construct an Engine, Start it,
// and Close it when done.
//
//	cfg := config.Default()
//	eng, err := engine.New(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Close(context.Background())
//
//	_, err = eng.Emit(ctx, event.TypeMetricSample, event.SeverityInfo, "api",
//	    event.WithAttr("value", event.NumberValue(12.5)))
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/eventengine/pkg/eventengine/aggregate"
	"github.com/randalmurphal/eventengine/pkg/eventengine/anomaly"
	"github.com/randalmurphal/eventengine/pkg/eventengine/bus"
	"github.com/randalmurphal/eventengine/pkg/eventengine/config"
	"github.com/randalmurphal/eventengine/pkg/eventengine/correlate"
	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
	"github.com/randalmurphal/eventengine/pkg/eventengine/processor"
	"github.com/randalmurphal/eventengine/pkg/eventengine/store"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("engine is closed")

// Engine is the assembled pipeline.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	types   *event.Registry
	clock   *event.Clock

	bus        *bus.Bus
	store      *store.Store
	filter     *filter.Filter
	aggregator *aggregate.Aggregator
	correlator *correlate.Correlator
	detector   *anomaly.Detector
	processor  *processor.Processor

	rulesMu   sync.Mutex // serializes ReloadRules
	partition atomic.Pointer[func(event.Event) string]

	lifeMu    sync.Mutex
	started   bool
	closed    bool
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

type options struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	backend store.Backend
	rules   *config.RuleSet
	clock   *event.Clock
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. By default a JSON logger on stderr at the
// configured level is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics overrides the metrics recorder chosen from configuration.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSpanManager overrides the span manager chosen from configuration.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		o.spans = s
	}
}

// WithBackend supplies the storage backend instead of opening one from
// cfg.Store. The engine closes it on Close.
func WithBackend(b store.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithClock sets the clock Emit stamps events with. Default: the system
// clock shared by every event built without an explicit clock.
func WithClock(c *event.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRules supplies the initial rule set instead of reading cfg.RulesFile.
func WithRules(rs config.RuleSet) Option {
	return func(o *options) {
		o.rules = &rs
	}
}

// New validates cfg and builds every component. The engine does not process
// events until Start.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg.Observability.LogLevel); err != nil {
			return nil, err
		}
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
		if cfg.Observability.Metrics {
			metrics = observability.NewMetricsRecorder()
		}
	}
	spans := o.spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
		if cfg.Observability.Tracing {
			spans = observability.NewSpanManager()
		}
	}

	custom := make([]event.Type, len(cfg.EventTypes))
	for i, t := range cfg.EventTypes {
		custom[i] = event.Type(t)
	}
	types, err := event.NewRegistry(custom...)
	if err != nil {
		return nil, err
	}

	rules := config.RuleSet{}
	switch {
	case o.rules != nil:
		rules = *o.rules
		if err := rules.Validate(); err != nil {
			return nil, err
		}
	case cfg.RulesFile != "":
		if rules, err = config.LoadRules(cfg.RulesFile); err != nil {
			return nil, err
		}
	}
	if err := rules.CheckTypes(types); err != nil {
		return nil, err
	}

	clock := o.clock
	if clock == nil {
		clock = event.SystemClock()
	}

	backend := o.backend
	if backend == nil {
		if backend, err = openBackend(cfg.Store); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:     cfg,
		logger:  observability.EnrichLogger(logger, "engine"),
		metrics: metrics,
		spans:   spans,
		types:   types,
		clock:   clock,
	}
	e.setPartitioning(rules)
	if err := e.build(logger, rules, backend); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(logger *slog.Logger, rules config.RuleSet, backend store.Backend) error {
	cfg := e.cfg
	var err error

	e.filter, err = filter.New(rules.Filter,
		filter.WithDefaultAction(filter.Action(cfg.Filter.DefaultAction)),
		filter.WithLogger(logger))
	if err != nil {
		return err
	}

	e.aggregator, err = aggregate.New(aggregate.Config{
		Size:           cfg.Aggregation.Size,
		Slide:          cfg.Aggregation.Slide,
		Grace:          cfg.Aggregation.Grace,
		KeyAttributes:  cfg.Aggregation.KeyAttributes,
		ValueAttribute: cfg.Aggregation.ValueAttribute,
		ReservoirSize:  cfg.Aggregation.ReservoirSize,
	}, aggregate.WithLogger(logger))
	if err != nil {
		return err
	}

	e.correlator, err = correlate.New(rules.Correlation, correlate.WithLogger(logger))
	if err != nil {
		return err
	}

	e.detector, err = anomaly.New(anomaly.Config{
		Threshold:        cfg.Anomaly.Threshold,
		MinObservations:  cfg.Anomaly.MinObservations,
		MeasureAttribute: cfg.Anomaly.MeasureAttribute,
		KeyAttribute:     cfg.Anomaly.KeyAttribute,
	}, anomaly.WithLogger(logger))
	if err != nil {
		return err
	}

	policy, err := bus.ParsePolicy(cfg.Bus.Policy)
	if err != nil {
		return &engerrors.ValidationError{Field: "bus.policy", Message: err.Error()}
	}
	e.bus = bus.New(bus.Config{
		Capacity:     cfg.Bus.Capacity,
		Policy:       policy,
		BlockTimeout: cfg.Bus.BlockTimeout,
	}, bus.WithLogger(logger), bus.WithMetrics(e.metrics))

	e.store = store.Open(backend, store.WithLogger(logger), store.WithMetrics(e.metrics))

	retry := engerrors.NewRetryConfig(
		engerrors.WithMaxAttempts(cfg.Retry.MaxAttempts),
		engerrors.WithInitialBackoff(cfg.Retry.InitialBackoff),
		engerrors.WithMaxBackoff(cfg.Retry.MaxBackoff),
	)
	e.processor, err = processor.New(processor.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		DedupeWindow:  cfg.DedupeWindow,
		Retry:         retry,
		WindowTick:    cfg.WindowTick,
		SweepInterval: cfg.Correlation.SweepInterval,
		PartitionKey:  e.partitionKey,
	}, processor.Stages{
		Filter:     e.filter,
		Aggregator: e.aggregator,
		Correlator: e.correlator,
		Detector:   e.detector,
		Store:      e.store,
		Publisher:  e.bus,
	},
		processor.WithLogger(logger),
		processor.WithMetrics(e.metrics),
		processor.WithSpanManager(e.spans),
	)
	return err
}

// partitionAttributes picks the attributes that route events to workers.
// Correlation keys come before aggregation keys. Rules keyed by source are
// covered by the source fallback.
func partitionAttributes(cfg config.Config, rules config.RuleSet) []string {
	if len(cfg.PartitionAttributes) > 0 {
		return cfg.PartitionAttributes
	}
	var attrs []string
	add := func(name string) {
		if name != "" && name != "source" && !slices.Contains(attrs, name) {
			attrs = append(attrs, name)
		}
	}
	for _, r := range rules.Correlation {
		add(r.KeyAttribute)
	}
	for _, name := range cfg.Aggregation.KeyAttributes {
		add(name)
	}
	return attrs
}

func (e *Engine) setPartitioning(rules config.RuleSet) {
	attrs := partitionAttributes(e.cfg, rules)
	fn := processor.PartitionByAttributes(attrs...)
	e.partition.Store(&fn)
	e.logger.Debug("partitioning events", slog.Any("attributes", attrs))
}

func (e *Engine) partitionKey(evt event.Event) string {
	return (*e.partition.Load())(evt)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, &engerrors.ValidationError{Field: "observability.log_level", Message: err.Error()}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		b, err := store.NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return b, nil
	default:
		return nil, &engerrors.ValidationError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// Start launches the processor, subscribes it to every non-derived event on
// the bus and, when configured, starts watching the rule file.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return processor.ErrAlreadyRunning
	}

	if err := e.processor.Start(ctx); err != nil {
		return err
	}
	_, err := e.bus.SubscribeFunc(bus.ExcludeDerived(bus.MatchAll), e.processor.Consumer(),
		bus.WithName("processor"),
		bus.WithPolicy(bus.Block),
		bus.WithCapacity(e.cfg.QueueSize),
	)
	if err != nil {
		e.processor.Stop(ctx)
		return err
	}

	if e.cfg.WatchRules && e.cfg.RulesFile != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		e.stopWatch = cancel
		e.watchDone = make(chan struct{})
		go func() {
			defer close(e.watchDone)
			if err := config.Watch(watchCtx, e.cfg.RulesFile, e.ReloadRules, e.logger); err != nil {
				e.logger.Error("rule watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	e.started = true
	e.logger.Info("engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.String("store", e.cfg.Store.Driver),
		slog.Int("filter_rules", len(e.filter.Rules())),
		slog.Int("correlation_rules", len(e.correlator.Rules())),
	)
	return nil
}

// Publish hands evt to the bus. Before Start, nothing consumes it.
func (e *Engine) Publish(ctx context.Context, evt event.Event) error {
	return e.bus.Publish(ctx, evt)
}

// Emit constructs an event against the engine's type registry and clock and
// publishes it.
func (e *Engine) Emit(ctx context.Context, typ event.Type, severity event.Severity, source string, opts ...event.Option) (event.Event, error) {
	opts = append([]event.Option{event.WithRegistry(e.types), event.WithClock(e.clock)}, opts...)
	evt, err := event.New(typ, severity, source, opts...)
	if err != nil {
		return event.Event{}, err
	}
	return evt, e.bus.Publish(ctx, evt)
}

// Subscribe registers a channel subscription on the bus.
func (e *Engine) Subscribe(pred bus.Predicate, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	return e.bus.Subscribe(pred, opts...)
}

// SubscribeFunc registers a callback subscription on the bus.
func (e *Engine) SubscribeFunc(pred bus.Predicate, fn bus.ConsumerFunc, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	return e.bus.SubscribeFunc(pred, fn, opts...)
}

// Get returns a stored record.
func (e *Engine) Get(ctx context.Context, id string) (store.Record, error) {
	return e.store.Get(ctx, id)
}

// Query yields stored records in r that pass f.
func (e *Engine) Query(ctx context.Context, r store.TimeRange, f store.Filter) iter.Seq2[store.Record, error] {
	return e.store.Query(ctx, r, f)
}

// ReloadRules validates rs, swaps it into the filter and correlator and
// re-derives worker partitioning. Events already queued keep their worker.
// An invalid rule set leaves everything unchanged.
func (e *Engine) ReloadRules(rs config.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	if err := rs.CheckTypes(e.types); err != nil {
		return err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if err := e.filter.Replace(rs.Filter); err != nil {
		return err
	}
	if err := e.correlator.SetRules(rs.Correlation); err != nil {
		return err
	}
	e.setPartitioning(rs)
	observability.LogRulesReloaded(e.logger, len(rs.Filter), len(rs.Correlation))
	return nil
}

// Types returns the registry of accepted event types. Types registered on it
// become usable in Emit and in later rule reloads.
func (e *Engine) Types() *event.Registry { return e.types }

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store returns the event store.
func (e *Engine) Store() *store.Store { return e.store }

// Filter returns the filter.
func (e *Engine) Filter() *filter.Filter { return e.filter }

// Aggregator returns the aggregator.
func (e *Engine) Aggregator() *aggregate.Aggregator { return e.aggregator }

// Correlator returns the correlator.
func (e *Engine) Correlator() *correlate.Correlator { return e.correlator }

// Detector returns the anomaly detector.
func (e *Engine) Detector() *anomaly.Detector { return e.detector }

// Processor returns the processor.
func (e *Engine) Processor() *processor.Processor { return e.processor }

// Close stops the rule watcher, drains the bus into the processor, stops the
// processor and closes the store. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.stopWatch != nil {
		e.stopWatch()
		<-e.watchDone
	}

	var errs []error
	if err := e.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
		errs = append(errs, err)
	}
	e.processor.Stop(ctx)
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	stats := e.processor.Stats()
	e.logger.Info("engine closed",
		slog.Int64("processed", stats.Processed),
		slog.Int64("filtered", stats.Filtered),
		slog.Int64("derived", stats.Derived),
		slog.Int("dead_letters", stats.DeadLetters),
	)
	return errors.Join(errs...)
}
