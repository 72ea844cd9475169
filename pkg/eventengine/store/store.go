package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// Outcome records what the pipeline did with an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeLate      Outcome = "late"
	OutcomeDerived   Outcome = "derived"
	OutcomeFailed    Outcome = "failed"
)

// Record is a stored event plus store-side metadata. Annotations never alter
// the event itself.
type Record struct {
	Event       event.Event       `json:"event"`
	IngestedAt  time.Time         `json:"ingested_at"`
	Outcome     Outcome           `json:"outcome"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// TimeRange is the half-open interval [Start, End). A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Filter narrows query results. Pattern applies to the event; Outcomes, when
// set, restricts the record outcome.
type Filter struct {
	Pattern  match.Pattern
	Outcomes []Outcome
}

// Store appends and queries event records.
// All appends go through a single writer lock; reads run concurrently.
type Store struct {
	backend Backend
	mu      sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithNow overrides the clock used for IngestedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open wraps a backend in a Store.
func Open(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.EnrichLogger(s.logger, "store")
	return s
}

// Append durably stores rec. The record and both index entries are written in
// one atomic batch. Appending an ID that already exists returns ErrDuplicate.
func (s *Store) Append(ctx context.Context, rec Record) (err error) {
	if rec.Event.IsZero() {
		return &engerrors.ValidationError{Field: "event", Message: "record has no event"}
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeProcessed
	}

	done := observability.TimedOperation()
	defer func() {
		s.metrics.RecordStoreAppend(ctx, done(), err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Event.ID()
	if _, getErr := s.backend.Get(ctx, recordKey(id)); getErr == nil {
		return ErrDuplicate
	} else if !errors.Is(getErr, ErrNotFound) {
		return &engerrors.PersistenceError{Op: "append", EventID: id, Err: getErr, Permanent: errors.Is(getErr, ErrClosed)}
	}

	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now()
	}
	rec.IngestedAt = rec.IngestedAt.UTC().Round(0)

	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeRecord(ctx context.Context, rec Record) error {
	id := rec.Event.ID()
	data, err := json.Marshal(rec)
	if err != nil {
		return &engerrors.PersistenceError{Op: "encode", EventID: id, Err: err, Permanent: true}
	}

	ts := rec.Event.Timestamp()
	batch := []KV{
		{Key: recordKey(id), Value: data},
		{Key: timeKey(ts, id), Value: data},
		{Key: typeSourceKey(rec.Event.Type(), rec.Event.Source(), ts, id), Value: data},
	}
	if err := s.backend.Write(ctx, batch); err != nil {
		return &engerrors.PersistenceError{Op: "write", EventID: id, Err: err, Permanent: errors.Is(err, ErrClosed)}
	}
	return nil
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.backend.Get(ctx, recordKey(id))
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, &engerrors.PersistenceError{Op: "get", EventID: id, Err: err}
	}
	return decodeRecord(data)
}

// Annotate attaches a store-side annotation to a record.
func (s *Store) Annotate(ctx context.Context, id, key, value string) error {
	if key == "" {
		return &engerrors.ValidationError{Field: "annotation", Message: "key must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Annotations == nil {
		rec.Annotations = make(map[string]string, 1)
	}
	rec.Annotations[key] = value
	return s.writeRecord(ctx, rec)
}

// Query yields records whose timestamp falls in r, ascending by timestamp,
// that pass f. Iteration is lazy: the backend cursor advances only as the
// consumer pulls and is closed when the consumer stops. Each call to the
// returned sequence runs an independent scan.
func (s *Store) Query(ctx context.Context, r TimeRange, f Filter) iter.Seq2[Record, error] {
	start, end := rangeBounds(prefixTime, r)
	return s.scan(ctx, start, end, f)
}

// QueryByKey yields records of one type from one source in r, ascending by
// timestamp.
func (s *Store) QueryByKey(ctx context.Context, typ event.Type, source string, r TimeRange) iter.Seq2[Record, error] {
	start, end := rangeBounds(typeSourcePrefix(typ, source), r)
	return s.scan(ctx, start, end, Filter{})
}

// Count returns the number of records in r.
func (s *Store) Count(ctx context.Context, r TimeRange) (int, error) {
	n := 0
	for _, err := range s.Query(ctx, r, Filter{}) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) scan(ctx context.Context, start, end []byte, f Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		matcher, err := f.Pattern.Compile()
		if err != nil {
			yield(Record{}, fmt.Errorf("query filter: %w", err))
			return
		}
		outcomes := make(map[Outcome]struct{}, len(f.Outcomes))
		for _, o := range f.Outcomes {
			outcomes[o] = struct{}{}
		}

		it, err := s.backend.Scan(ctx, start, end)
		if err != nil {
			yield(Record{}, &engerrors.PersistenceError{Op: "scan", Err: err})
			return
		}
		defer it.Close()

		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			rec, err := decodeRecord(it.Value())
			if err != nil {
				if !yield(Record{}, err) {
					return
				}
				continue
			}
			if len(outcomes) > 0 {
				if _, ok := outcomes[rec.Outcome]; !ok {
					continue
				}
			}
			if !matcher.Match(rec.Event) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Record{}, &engerrors.PersistenceError{Op: "scan", Err: err})
		}
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, &engerrors.PersistenceError{Op: "decode", Err: err, Permanent: true}
	}
	return rec, nil
}
