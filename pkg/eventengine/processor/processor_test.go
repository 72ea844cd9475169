package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventengine/pkg/eventengine/aggregate"
	"github.com/randalmurphal/eventengine/pkg/eventengine/anomaly"
	"github.com/randalmurphal/eventengine/pkg/eventengine/correlate"
	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
	"github.com/randalmurphal/eventengine/pkg/eventengine/processor"
	"github.com/randalmurphal/eventengine/pkg/eventengine/store"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(typ event.Type) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Event
	for _, evt := range p.events {
		if evt.Type() == typ {
			out = append(out, evt)
		}
	}
	return out
}

// flakyStore fails the next n appends with a transient persistence error.
type flakyStore struct {
	*store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, rec store.Record) error {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return &engerrors.PersistenceError{Op: "write", EventID: rec.Event.ID(), Err: errors.New("disk busy")}
	}
	return s.Store.Append(ctx, rec)
}

type panickingCorrelator struct{}

func (panickingCorrelator) Ingest(event.Event) (correlate.Result, error) { panic("corrupt state") }
func (panickingCorrelator) Sweep(time.Time) []correlate.Snapshot        { return nil }

// slowCorrelator stalls on events carrying a "slow" attribute so that later
// events on other workers overtake them.
type slowCorrelator struct {
	processor.Correlator
}

func (c slowCorrelator) Ingest(evt event.Event) (correlate.Result, error) {
	if _, ok := evt.Lookup("slow"); ok {
		time.Sleep(100 * time.Millisecond)
	}
	return c.Correlator.Ingest(evt)
}

type fixture struct {
	proc  *processor.Processor
	store *store.Store
	agg   *aggregate.Aggregator
	pub   *recordingPublisher
}

func newFixture(t *testing.T, mutate func(*processor.Stages), configure ...func(*processor.Config)) fixture {
	t.Helper()

	st := store.Open(store.NewMemoryBackend())
	t.Cleanup(func() { _ = st.Close() })

	flt, err := filter.New([]filter.Rule{{
		ID:      "drop-health",
		Action:  filter.ActionDeny,
		Pattern: match.Pattern{Types: []event.Type{event.TypeHealthCheck}},
	}})
	require.NoError(t, err)

	agg, err := aggregate.New(aggregate.Config{Size: time.Minute, KeyAttributes: []string{"host"}})
	require.NoError(t, err)

	corr, err := correlate.New([]correlate.Rule{{
		ID: "brute-force",
		Steps: []match.Pattern{
			{Types: []event.Type{event.TypeLoginAttempt}, Where: []match.Condition{{Key: "success", Op: match.OpEq, Value: false}}},
			{Types: []event.Type{event.TypeLoginAttempt}, Where: []match.Condition{{Key: "success", Op: match.OpEq, Value: true}}},
		},
		Within:       time.Minute,
		KeyAttribute: "user",
	}})
	require.NoError(t, err)

	det, err := anomaly.New(anomaly.Config{Threshold: 3, MinObservations: 3})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	stages := processor.Stages{
		Filter:     flt,
		Aggregator: agg,
		Correlator: corr,
		Detector:   det,
		Store:      st,
		Publisher:  pub,
	}
	if mutate != nil {
		mutate(&stages)
	}

	cfg := processor.DefaultConfig
	cfg.WindowTick = 0
	cfg.SweepInterval = 0
	cfg.Retry = engerrors.NewRetryConfig(
		engerrors.WithMaxAttempts(3),
		engerrors.WithInitialBackoff(time.Millisecond),
		engerrors.WithJitter(0),
	)
	for _, fn := range configure {
		fn(&cfg)
	}
	proc, err := processor.New(cfg, stages)
	require.NoError(t, err)

	return fixture{proc: proc, store: st, agg: agg, pub: pub}
}

func newEvent(t *testing.T, typ event.Type, at time.Time, attrs map[string]any) event.Event {
	t.Helper()
	evt, err := event.New(typ, event.SeverityInfo, "test",
		event.WithTimestamp(at), event.WithAnyAttributes(attrs))
	require.NoError(t, err)
	return evt
}

func outcomes(t *testing.T, st *store.Store, want store.Outcome) []store.Record {
	t.Helper()
	var out []store.Record
	for rec, err := range st.Query(context.Background(), store.TimeRange{}, store.Filter{Outcomes: []store.Outcome{want}}) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestProcess_FilterAndStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	login := newEvent(t, event.TypeLoginAttempt, base, map[string]any{"user": "alice", "success": true})
	outcome, err := f.proc.Process(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeProcessed, outcome)

	health := newEvent(t, event.TypeHealthCheck, base, nil)
	outcome, err = f.proc.Process(ctx, health)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFiltered, outcome)

	rec, err := f.store.Get(ctx, login.ID())
	require.NoError(t, err)
	assert.True(t, rec.Event.Equal(login))
	assert.Equal(t, store.OutcomeProcessed, rec.Outcome)

	rec, err = f.store.Get(ctx, health.ID())
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFiltered, rec.Outcome)
	assert.Equal(t, "drop-health", rec.Annotations["filter_rule"])

	stats := f.proc.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Filtered)
}

func TestProcess_DuplicateIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	evt := newEvent(t, event.TypeMetricSample, base, map[string]any{"host": "web-1", "value": 5.0})
	outcome, err := f.proc.Process(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeProcessed, outcome)

	outcome, err = f.proc.Process(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeDuplicate, outcome)

	windows := f.agg.Windows("metric-sample|web-1")
	require.Len(t, windows, 1)
	assert.Equal(t, int64(1), windows[0].Count)
	assert.InDelta(t, 5.0, windows[0].Sum, 1e-9)
	assert.Equal(t, int64(1), f.proc.Stats().Duplicates)
}

func TestProcess_CorrelationMatchIsStoredAndPublished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	failed := newEvent(t, event.TypeLoginAttempt, base, map[string]any{"user": "alice", "success": false})
	ok := newEvent(t, event.TypeLoginAttempt, base.Add(30*time.Second), map[string]any{"user": "alice", "success": true})
	_, err := f.proc.Process(ctx, failed)
	require.NoError(t, err)
	_, err = f.proc.Process(ctx, ok)
	require.NoError(t, err)

	matches := f.pub.ofType(event.TypeCorrelationMatch)
	require.Len(t, matches, 1)
	assert.Equal(t, ok.ID(), matches[0].CausedBy())

	rec, err := f.store.Get(ctx, matches[0].ID())
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDerived, rec.Outcome)
}

func TestTick_SummariesFeedAnomalyDetection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for minute := 0; minute < 6; minute++ {
		value := 10.0
		if minute == 5 {
			value = 1000
		}
		at := base.Add(time.Duration(minute) * time.Minute)
		_, err := f.proc.Process(ctx, newEvent(t, event.TypeMetricSample, at, map[string]any{"host": "web-1", "value": value}))
		require.NoError(t, err)
	}

	f.proc.Tick(ctx, base.Add(10*time.Minute))

	summaries := f.pub.ofType(event.TypeAggregateSummary)
	assert.Len(t, summaries, 6)
	anomalies := f.pub.ofType(event.TypeAnomaly)
	require.Len(t, anomalies, 1)
	value, _ := anomalies[0].Number("value")
	assert.InDelta(t, 1000.0, value, 1e-9)
	assert.Equal(t, summaries[5].ID(), anomalies[0].CausedBy())

	assert.Len(t, outcomes(t, f.store, store.OutcomeDerived), 7)
}

func TestProcess_LateEventRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, newEvent(t, event.TypeMetricSample, base, map[string]any{"host": "web-1", "value": 1.0}))
	require.NoError(t, err)
	f.proc.Tick(ctx, base.Add(2*time.Minute))

	late := newEvent(t, event.TypeMetricSample, base.Add(10*time.Second), map[string]any{"host": "web-1", "value": 2.0})
	outcome, err := f.proc.Process(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeLate, outcome)

	rec, err := f.store.Get(ctx, late.ID())
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeLate, rec.Outcome)
	assert.Equal(t, "metric-sample|web-1", rec.Annotations["metric_key"])
}

func TestProcess_TransientStoreFailureIsRetried(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s *processor.Stages) {
		flaky = &flakyStore{Store: s.Store.(*store.Store)}
		s.Store = flaky
	})
	flaky.failures.Store(2)

	evt := newEvent(t, event.TypeUserAction, base, nil)
	outcome, err := f.proc.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeProcessed, outcome)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Empty(t, f.proc.DeadLetters())
}

func TestProcess_PersistenceExhaustionDeadLetters(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s *processor.Stages) {
		flaky = &flakyStore{Store: s.Store.(*store.Store)}
		s.Store = flaky
	})
	flaky.failures.Store(3)

	evt := newEvent(t, event.TypeUserAction, base, nil)
	outcome, err := f.proc.Process(context.Background(), evt)
	require.Error(t, err)
	assert.Equal(t, store.OutcomeFailed, outcome)
	assert.True(t, engerrors.IsRetryable(err))

	dead := f.proc.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, evt.ID(), dead[0].Record.Event.ID())
	assert.Equal(t, 3, dead[0].Attempts)

	failures := f.pub.ofType(event.TypeProcessingFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, evt.ID(), failures[0].CausedBy())
	stage, _ := failures[0].Attr("stage")
	assert.Equal(t, processor.StageStore, stage.String())

	_, err = f.store.Get(context.Background(), evt.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)

	recovered, err := f.proc.RetryDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Empty(t, f.proc.DeadLetters())
	_, err = f.store.Get(context.Background(), evt.ID())
	assert.NoError(t, err)
}

func TestProcess_BranchPanicDoesNotBlockStore(t *testing.T) {
	f := newFixture(t, func(s *processor.Stages) {
		s.Correlator = panickingCorrelator{}
	})

	evt := newEvent(t, event.TypeLoginAttempt, base, map[string]any{"user": "alice", "success": false})
	outcome, err := f.proc.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeProcessed, outcome)

	_, err = f.store.Get(context.Background(), evt.ID())
	require.NoError(t, err)

	failures := f.pub.ofType(event.TypeProcessingFailure)
	require.Len(t, failures, 1)
	stage, _ := failures[0].Attr("stage")
	assert.Equal(t, processor.StageCorrelate, stage.String())
	assert.Equal(t, int64(1), f.proc.Stats().StageErrors)
}

func TestSubmit_PartitionedWorkers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.proc.Submit(ctx, newEvent(t, event.TypeUserAction, base, nil)), processor.ErrNotRunning)

	require.NoError(t, f.proc.Start(ctx))
	assert.ErrorIs(t, f.proc.Start(ctx), processor.ErrAlreadyRunning)

	const perSource = 25
	var ids []string
	for s := 0; s < 4; s++ {
		for i := 0; i < perSource; i++ {
			evt, err := event.New(event.TypeUserAction, event.SeverityInfo, fmt.Sprintf("svc-%d", s),
				event.WithTimestamp(base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
			ids = append(ids, evt.ID())
			require.NoError(t, f.proc.Submit(ctx, evt))
		}
	}
	f.proc.Stop(ctx)
	f.proc.Stop(ctx)

	for _, id := range ids {
		_, err := f.store.Get(ctx, id)
		assert.NoError(t, err, id)
	}
	assert.Equal(t, int64(len(ids)), f.proc.Stats().Processed)
	assert.ErrorIs(t, f.proc.Submit(ctx, newEvent(t, event.TypeUserAction, base, nil)), processor.ErrNotRunning)
}

func TestSubmit_SameKeyAcrossSourcesKeepsOrder(t *testing.T) {
	f := newFixture(t, func(s *processor.Stages) {
		s.Correlator = slowCorrelator{Correlator: s.Correlator}
	}, func(cfg *processor.Config) {
		cfg.PartitionKey = processor.PartitionByAttributes("user")
	})
	ctx := context.Background()
	require.NoError(t, f.proc.Start(ctx))

	submit := func(source string, at time.Time, attrs map[string]any) {
		evt, err := event.New(event.TypeLoginAttempt, event.SeverityInfo, source,
			event.WithTimestamp(at), event.WithAnyAttributes(attrs))
		require.NoError(t, err)
		require.NoError(t, f.proc.Submit(ctx, evt))
	}
	submit("web", base, map[string]any{"slow": true})
	submit("web", base.Add(time.Second), map[string]any{"user": "alice", "success": false})
	submit("mobile", base.Add(30*time.Second), map[string]any{"user": "alice", "success": true})
	f.proc.Stop(ctx)

	matches := f.pub.ofType(event.TypeCorrelationMatch)
	require.Len(t, matches, 1)
	key, ok := matches[0].Attr("correlation_key")
	require.True(t, ok)
	assert.Equal(t, "alice", key.String())
}

func TestPartitionByAttributes(t *testing.T) {
	key := processor.PartitionByAttributes("user", "host")

	withUser := newEvent(t, event.TypeLoginAttempt, base, map[string]any{"user": "alice", "host": "h1"})
	fromOtherSource, err := event.New(event.TypeLoginAttempt, event.SeverityInfo, "mobile",
		event.WithAnyAttributes(map[string]any{"user": "alice"}))
	require.NoError(t, err)
	assert.Equal(t, key(withUser), key(fromOtherSource))
	assert.Equal(t, "user=alice", key(withUser))

	hostOnly := newEvent(t, event.TypeMetricSample, base, map[string]any{"host": "h1"})
	assert.Equal(t, "host=h1", key(hostOnly))

	bare := newEvent(t, event.TypeHealthCheck, base, nil)
	assert.Equal(t, "test", key(bare))
}
