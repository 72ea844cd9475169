// Package processor runs the event pipeline: dedupe, filter, concurrent
// aggregation and correlation, anomaly scoring of derived signals,
// persistence and re-publication.
//
// Events are routed to a fixed pool of workers by partition key, so events
// sharing a key are processed in submission order while different keys
// proceed in parallel. Each pipeline branch fails independently: a failing
// branch is logged, counted and surfaced as a processing-failure event, and
// never prevents the original event from being stored.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventengine/pkg/eventengine/aggregate"
	"github.com/randalmurphal/eventengine/pkg/eventengine/anomaly"
	"github.com/randalmurphal/eventengine/pkg/eventengine/bus"
	"github.com/randalmurphal/eventengine/pkg/eventengine/correlate"
	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
	"github.com/randalmurphal/eventengine/pkg/eventengine/store"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("processor is not running")

	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("processor is already running")
)

// Outcome is the pipeline result for one event.
type Outcome = store.Outcome

// OutcomeDuplicate marks an event skipped because its id was seen recently.
// Duplicates are not stored again.
const OutcomeDuplicate Outcome = "duplicate"

// Stage names used in logs, metrics and processing-failure events.
const (
	StageFilter    = "filter"
	StageAggregate = "aggregate"
	StageCorrelate = "correlate"
	StageDetect    = "detect"
	StageStore     = "store"
	StagePublish   = "publish"
)

// Config configures the processor.
type Config struct {
	// Workers is the number of partitions processed in parallel.
	Workers int

	// QueueSize bounds each worker's queue.
	QueueSize int

	// DedupeWindow is how many recent event ids are remembered. Zero disables
	// deduplication.
	DedupeWindow int

	// Retry controls store append retries.
	Retry engerrors.RetryConfig

	// WindowTick is how often Start closes expired windows. Zero disables it.
	WindowTick time.Duration

	// SweepInterval is how often Start expires correlation state. Zero
	// disables it.
	SweepInterval time.Duration

	// MaxDeadLetters bounds the dead-letter list.
	MaxDeadLetters int

	// PartitionKey routes an event to a worker. Events with equal keys are
	// processed in submission order. Default: the event source.
	PartitionKey func(event.Event) string
}

// PartitionByAttributes returns a PartitionKey that uses the first of attrs
// the event carries, falling back to the event source.
func PartitionByAttributes(attrs ...string) func(event.Event) string {
	attrs = slices.Clone(attrs)
	return func(evt event.Event) string {
		for _, name := range attrs {
			if v, ok := evt.Lookup(name); ok {
				return name + "=" + v.String()
			}
		}
		return evt.Source()
	}
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Workers:        4,
	QueueSize:      1024,
	DedupeWindow:   10000,
	Retry:          engerrors.DefaultRetry,
	WindowTick:     time.Second,
	SweepInterval:  5 * time.Second,
	MaxDeadLetters: 10000,
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Processed   int64
	Filtered    int64
	Late        int64
	Duplicates  int64
	Failed      int64
	Derived     int64
	StageErrors int64
	DeadLetters int
}

// Processor orchestrates the pipeline stages.
type Processor struct {
	cfg     Config
	stages  Stages
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	dedupe      *recentIDs
	deadLetters *deadLetterQueue

	stopMu  sync.Mutex // serializes Stop
	runMu   sync.RWMutex
	running bool
	queues  []chan event.Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	tickWG  sync.WaitGroup

	processed   atomic.Int64
	filtered    atomic.Int64
	late        atomic.Int64
	duplicates  atomic.Int64
	failed      atomic.Int64
	derived     atomic.Int64
	stageErrors atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = s
	}
}

// New creates a processor. Stages.Store is required.
func New(cfg Config, stages Stages, opts ...Option) (*Processor, error) {
	if stages.Store == nil {
		return nil, errors.New("processor requires a store")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = DefaultConfig.MaxDeadLetters
	}
	if cfg.PartitionKey == nil {
		cfg.PartitionKey = PartitionByAttributes()
	}

	p := &Processor{
		cfg:         cfg,
		stages:      stages,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		dedupe:      newRecentIDs(cfg.DedupeWindow),
		deadLetters: newDeadLetterQueue(cfg.MaxDeadLetters),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.EnrichLogger(p.logger, "processor")
	p.cfg.Retry.OnRetry = p.logRetry(cfg.Retry.OnRetry)
	return p, nil
}

func (p *Processor) logRetry(next func(int, error, time.Duration)) func(int, error, time.Duration) {
	return func(attempt int, err error, backoff time.Duration) {
		var pe *engerrors.PersistenceError
		id := ""
		if errors.As(err, &pe) {
			id = pe.EventID
		}
		observability.LogStoreRetry(p.logger, id, attempt, backoff, err)
		if next != nil {
			next(attempt, err, backoff)
		}
	}
}

// Process runs evt through the pipeline synchronously and returns its outcome.
// The returned error is non-nil only when the event itself could not be
// stored; branch failures are reported as processing-failure events.
func (p *Processor) Process(ctx context.Context, evt event.Event) (outcome Outcome, err error) {
	done := observability.TimedOperation()
	ctx, span := p.spans.StartEventSpan(ctx, evt.ID(), string(evt.Type()))
	defer func() {
		p.metrics.RecordEventProcessed(ctx, string(evt.Type()), string(outcome), done())
		p.spans.EndSpanWithError(span, err)
	}()

	if !p.dedupe.admit(evt.ID()) {
		p.duplicates.Add(1)
		return OutcomeDuplicate, nil
	}

	if decision, ok := p.evaluate(ctx, evt); ok && !decision.Allowed() {
		p.filtered.Add(1)
		err := p.persist(ctx, evt, store.OutcomeFiltered, map[string]string{"filter_rule": decision.RuleID})
		if err != nil {
			return store.OutcomeFailed, err
		}
		return store.OutcomeFiltered, nil
	}

	aggResult, derived := p.dispatch(ctx, evt)

	outcome = store.OutcomeProcessed
	var annotations map[string]string
	if aggResult.Late {
		outcome = store.OutcomeLate
		annotations = map[string]string{"metric_key": aggResult.MetricKey}
		p.late.Add(1)
	}
	persistErr := p.persist(ctx, evt, outcome, annotations)

	p.handleDerived(ctx, derived)

	if persistErr != nil {
		return store.OutcomeFailed, persistErr
	}
	p.processed.Add(1)
	return outcome, nil
}

func (p *Processor) evaluate(ctx context.Context, evt event.Event) (decision filter.Decision, ok bool) {
	if p.stages.Filter == nil {
		return filter.Decision{}, false
	}
	_, span := p.spans.StartStageSpan(ctx, StageFilter)
	defer span.End()
	return p.stages.Filter.Evaluate(evt), true
}

// dispatch feeds evt to the aggregator and correlator concurrently. A failure
// or panic in one branch does not affect the other.
func (p *Processor) dispatch(ctx context.Context, evt event.Event) (aggregate.IngestResult, []event.Event) {
	var (
		g         errgroup.Group
		aggResult aggregate.IngestResult
		corrRes   correlate.Result
		aggErr    error
		corrErr   error
	)

	if p.stages.Aggregator != nil {
		g.Go(func() error {
			aggErr = p.runStage(ctx, StageAggregate, evt.ID(), func() error {
				aggResult = p.stages.Aggregator.Ingest(evt)
				return nil
			})
			return aggErr
		})
	}
	if p.stages.Correlator != nil {
		g.Go(func() error {
			corrErr = p.runStage(ctx, StageCorrelate, evt.ID(), func() error {
				var err error
				corrRes, err = p.stages.Correlator.Ingest(evt)
				return err
			})
			return corrErr
		})
	}
	_ = g.Wait()

	derived := corrRes.Matches
	if aggErr != nil {
		derived = append(derived, p.failureEvent(evt, StageAggregate, aggErr, 0)...)
	}
	if corrErr != nil {
		derived = append(derived, p.failureEvent(evt, StageCorrelate, corrErr, 0)...)
	}
	return aggResult, derived
}

// runStage executes fn inside a stage span, converting panics into errors.
func (p *Processor) runStage(ctx context.Context, stage, eventID string, fn func() error) (err error) {
	_, span := p.spans.StartStageSpan(ctx, stage)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", stage, r)
		}
		if err != nil {
			p.stageErrors.Add(1)
			p.metrics.RecordStageError(ctx, stage)
			observability.LogStageError(p.logger, stage, eventID, err)
		}
		p.spans.EndSpanWithError(span, err)
	}()
	return fn()
}

// handleDerived routes derived events: filter, anomaly scoring, store, then
// publish. Anomalies found along the way are stored and published as well.
func (p *Processor) handleDerived(ctx context.Context, derived []event.Event) {
	for _, d := range derived {
		if d.Type() != event.TypeProcessingFailure {
			if decision, ok := p.evaluate(ctx, d); ok && !decision.Allowed() {
				_ = p.persist(ctx, d, store.OutcomeFiltered, map[string]string{"filter_rule": decision.RuleID})
				continue
			}
		}

		var anomalyEvt event.Event
		if p.stages.Detector != nil && d.Type() != event.TypeProcessingFailure {
			err := p.runStage(ctx, StageDetect, d.ID(), func() error {
				res, err := p.stages.Detector.Score(d)
				if errors.Is(err, anomaly.ErrNoMeasure) {
					return nil
				}
				anomalyEvt = res.Event
				return err
			})
			if err != nil {
				p.emitFailure(ctx, d, StageDetect, err)
			}
		}

		p.emit(ctx, d)
		if !anomalyEvt.IsZero() {
			p.emit(ctx, anomalyEvt)
		}
	}
}

// emit stores and publishes a derived event.
func (p *Processor) emit(ctx context.Context, d event.Event) {
	p.derived.Add(1)
	p.metrics.RecordDerived(ctx, string(d.Type()))
	if err := p.persist(ctx, d, store.OutcomeDerived, nil); err != nil && d.Type() == event.TypeProcessingFailure {
		return
	}
	p.publish(ctx, d)
}

func (p *Processor) publish(ctx context.Context, d event.Event) {
	if p.stages.Publisher == nil {
		return
	}
	err := p.stages.Publisher.Publish(ctx, d)
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		p.metrics.RecordStageError(ctx, StagePublish)
		observability.LogStageError(p.logger, StagePublish, d.ID(), err)
	}
}

// persist appends evt with retries. On exhaustion the record is dead-lettered
// and, unless evt is itself a failure event, a processing-failure event is
// emitted.
func (p *Processor) persist(ctx context.Context, evt event.Event, outcome Outcome, annotations map[string]string) error {
	_, span := p.spans.StartStageSpan(ctx, StageStore)
	rec := store.Record{Event: evt, Outcome: outcome, Annotations: annotations}
	res := engerrors.WithRetryContext(ctx, p.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		err := p.stages.Store.Append(ctx, rec)
		if errors.Is(err, store.ErrDuplicate) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	p.spans.EndSpanWithError(span, res.Err)
	if res.Err == nil {
		return nil
	}

	p.failed.Add(1)
	p.stageErrors.Add(1)
	p.metrics.RecordStageError(ctx, StageStore)
	p.deadLetters.add(&DeadLetter{
		Record:   rec,
		Stage:    StageStore,
		Error:    res.Err.Error(),
		Attempts: res.Attempts,
		FailedAt: time.Now(),
	})
	observability.LogDeadLetter(p.logger, evt.ID(), res.Attempts, res.Err)

	if evt.Type() != event.TypeProcessingFailure {
		for _, f := range p.failureEvent(evt, StageStore, res.Err, res.Attempts) {
			p.emit(ctx, f)
		}
	}
	return res.Err
}

func (p *Processor) emitFailure(ctx context.Context, cause event.Event, stage string, err error) {
	for _, f := range p.failureEvent(cause, stage, err, 0) {
		p.emit(ctx, f)
	}
}

func (p *Processor) failureEvent(cause event.Event, stage string, stageErr error, attempts int) []event.Event {
	attrs := map[string]event.Value{
		"stage":      event.StringValue(stage),
		"error":      event.StringValue(stageErr.Error()),
		"event_type": event.StringValue(string(cause.Type())),
		"retryable":  event.BoolValue(engerrors.IsRetryable(stageErr)),
	}
	if attempts > 0 {
		attrs["attempts"] = event.IntValue(int64(attempts))
	}
	f, err := cause.Derive(event.TypeProcessingFailure, event.SeverityError, event.DerivedSource("processor"),
		event.WithAttributes(attrs))
	if err != nil {
		p.logger.Error("build failure event", slog.String("event_id", cause.ID()), slog.String("error", err.Error()))
		return nil
	}
	return []event.Event{f}
}

// Tick closes expired aggregation windows, processes their summaries and
// sweeps expired correlation state.
func (p *Processor) Tick(ctx context.Context, now time.Time) {
	p.closeWindows(ctx, now)
	p.sweep(ctx, now)
}

func (p *Processor) closeWindows(ctx context.Context, now time.Time) {
	if p.stages.Aggregator == nil {
		return
	}
	var summaries []event.Event
	_ = p.runStage(ctx, StageAggregate, "", func() error {
		summaries = p.stages.Aggregator.CloseExpiredWindows(now)
		return nil
	})
	p.handleDerived(ctx, summaries)
}

func (p *Processor) sweep(ctx context.Context, now time.Time) {
	if p.stages.Correlator == nil {
		return
	}
	_ = p.runStage(ctx, StageCorrelate, "", func() error {
		p.stages.Correlator.Sweep(now)
		return nil
	})
}

// Start launches the workers and the window and sweep tickers.
func (p *Processor) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	p.stopCh = make(chan struct{})
	p.queues = make([]chan event.Event, p.cfg.Workers)
	for i := range p.queues {
		q := make(chan event.Event, p.cfg.QueueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.worker(ctx, q)
	}
	if p.cfg.WindowTick > 0 {
		p.tickWG.Add(1)
		go p.tickLoop(ctx, p.stopCh, p.cfg.WindowTick, p.closeWindows)
	}
	if p.cfg.SweepInterval > 0 {
		p.tickWG.Add(1)
		go p.tickLoop(ctx, p.stopCh, p.cfg.SweepInterval, p.sweep)
	}
	p.running = true
	p.logger.Info("processor started", slog.Int("workers", p.cfg.Workers))
	return nil
}

func (p *Processor) worker(ctx context.Context, q <-chan event.Event) {
	defer p.wg.Done()
	for evt := range q {
		// Persistence failures are dead-lettered and logged by Process.
		_, _ = p.Process(ctx, evt)
	}
}

func (p *Processor) tickLoop(ctx context.Context, stop <-chan struct{}, every time.Duration, fn func(context.Context, time.Time)) {
	defer p.tickWG.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			fn(ctx, now)
		}
	}
}

// Submit queues evt on the worker that owns its partition key. It blocks
// while that worker's queue is full.
func (p *Processor) Submit(ctx context.Context, evt event.Event) error {
	p.runMu.RLock()
	defer p.runMu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}
	q := p.queues[p.partition(evt)]
	select {
	case q <- evt:
		return nil
	case <-p.stopCh:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) partition(evt event.Event) int {
	return int(xxhash.Sum64String(p.cfg.PartitionKey(evt)) % uint64(len(p.queues)))
}

// Consumer adapts Submit for a bus subscription.
func (p *Processor) Consumer() bus.ConsumerFunc {
	return p.Submit
}

// Stop drains queued events, runs a final tick and stops the workers.
func (p *Processor) Stop(ctx context.Context) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.runMu.RLock()
	if !p.running {
		p.runMu.RUnlock()
		return
	}
	close(p.stopCh)
	p.runMu.RUnlock()

	p.runMu.Lock()
	p.running = false
	for _, q := range p.queues {
		close(q)
	}
	p.runMu.Unlock()

	p.wg.Wait()
	p.tickWG.Wait()
	p.Tick(ctx, time.Now())
	p.logger.Info("processor stopped")
}

// DeadLetters returns records that failed persistence, oldest first.
func (p *Processor) DeadLetters() []DeadLetter {
	return p.deadLetters.list()
}

// RetryDeadLetters attempts to store every dead letter once more and returns
// how many succeeded. Entries that fail again stay queued.
func (p *Processor) RetryDeadLetters(ctx context.Context) (int, error) {
	recovered := 0
	var errs []error
	for _, dl := range p.deadLetters.list() {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		err := p.stages.Store.Append(ctx, dl.Record)
		if err == nil || errors.Is(err, store.ErrDuplicate) {
			p.deadLetters.remove(dl.Record.Event.ID())
			recovered++
			continue
		}
		dl.Attempts = 1
		dl.Error = err.Error()
		dl.FailedAt = time.Now()
		p.deadLetters.add(&dl)
		errs = append(errs, err)
	}
	return recovered, errors.Join(errs...)
}

// Stats returns cumulative counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:   p.processed.Load(),
		Filtered:    p.filtered.Load(),
		Late:        p.late.Load(),
		Duplicates:  p.duplicates.Load(),
		Failed:      p.failed.Load(),
		Derived:     p.derived.Load(),
		StageErrors: p.stageErrors.Load(),
		DeadLetters: p.deadLetters.len(),
	}
}
