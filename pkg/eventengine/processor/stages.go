package processor

import (
	"context"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/aggregate"
	"github.com/randalmurphal/eventengine/pkg/eventengine/anomaly"
	"github.com/randalmurphal/eventengine/pkg/eventengine/correlate"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
	"github.com/randalmurphal/eventengine/pkg/eventengine/store"
)

// Filter decides whether an event continues.
type Filter interface {
	Evaluate(evt event.Event) filter.Decision
}

// Aggregator windows events and emits summaries when windows close.
type Aggregator interface {
	Ingest(evt event.Event) aggregate.IngestResult
	CloseExpiredWindows(now time.Time) []event.Event
}

// Correlator matches multi-event sequences.
type Correlator interface {
	Ingest(evt event.Event) (correlate.Result, error)
	Sweep(now time.Time) []correlate.Snapshot
}

// Detector scores derived signals.
type Detector interface {
	Score(signal event.Event) (anomaly.Result, error)
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, rec store.Record) error
}

// Publisher re-publishes derived events.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Stages are the pipeline components. Any stage may be nil and is then
// skipped, except Store.
type Stages struct {
	Filter     Filter
	Aggregator Aggregator
	Correlator Correlator
	Detector   Detector
	Store      Store
	Publisher  Publisher
}

var (
	_ Filter     = (*filter.Filter)(nil)
	_ Aggregator = (*aggregate.Aggregator)(nil)
	_ Correlator = (*correlate.Correlator)(nil)
	_ Detector   = (*anomaly.Detector)(nil)
	_ Store      = (*store.Store)(nil)
)
