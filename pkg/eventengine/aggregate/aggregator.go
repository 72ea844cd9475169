// Package aggregate groups events by metric key into tumbling or sliding time
// windows and emits a summary event when each window closes.
package aggregate

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// KeyFunc derives the metric key for an event. Returning false skips the event.
type KeyFunc func(event.Event) (string, bool)

// Config configures windowing.
type Config struct {
	// Size is the window length.
	Size time.Duration

	// Slide is the hop between sliding window starts. Zero (or Size) means
	// tumbling windows.
	Slide time.Duration

	// Grace is how long after its end a window stays open for late arrivals.
	Grace time.Duration

	// KeyAttributes are appended to the event type to form the metric key.
	// The name "source" falls back to the event source when no such attribute exists.
	KeyAttributes []string

	// KeyFunc overrides KeyAttributes.
	KeyFunc KeyFunc

	// ValueAttribute names the numeric attribute sampled into statistics.
	ValueAttribute string

	// ReservoirSize bounds the percentile sample per window.
	ReservoirSize int
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Size:           time.Minute,
	Grace:          5 * time.Second,
	ValueAttribute: "value",
	ReservoirSize:  1024,
}

// IngestResult reports how an event was applied.
type IngestResult struct {
	MetricKey string

	// Windows is the number of open windows the event was added to.
	Windows int

	// Late is set when every window covering the event had already closed.
	Late bool

	// Skipped is set when the key function rejected the event.
	Skipped bool
}

// Stats are cumulative aggregator counters.
type Stats struct {
	Ingested int64
	Late     int64
	Skipped  int64
	Closed   int64
}

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	series map[string]map[int64]*window // metric key -> window start (unix nanos) -> window
}

// Aggregator maintains per-key windows. Updates to one key are serialized by
// its shard lock; different keys proceed in parallel.
type Aggregator struct {
	cfg     Config
	step    time.Duration
	keyFunc KeyFunc
	shards  [shardCount]shard
	logger  *slog.Logger

	closeMu   sync.Mutex
	watermark atomic.Int64 // windows ending at or before this are closed

	ingested atomic.Int64
	late     atomic.Int64
	skipped  atomic.Int64
	closed   atomic.Int64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New creates an aggregator. Zero-valued fields take DefaultConfig values.
func New(cfg Config, opts ...Option) (*Aggregator, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultConfig.Size
	}
	if cfg.ValueAttribute == "" {
		cfg.ValueAttribute = DefaultConfig.ValueAttribute
	}
	if cfg.ReservoirSize == 0 {
		cfg.ReservoirSize = DefaultConfig.ReservoirSize
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", cfg.Size)
	}
	if cfg.Slide < 0 || cfg.Slide > cfg.Size {
		return nil, fmt.Errorf("slide must be within [0, size], got %s", cfg.Slide)
	}
	if cfg.Grace < 0 {
		return nil, fmt.Errorf("grace must not be negative, got %s", cfg.Grace)
	}

	a := &Aggregator{
		cfg:    cfg,
		step:   cfg.Slide,
		logger: slog.Default(),
	}
	if a.step == 0 {
		a.step = cfg.Size
	}
	a.keyFunc = cfg.KeyFunc
	if a.keyFunc == nil {
		a.keyFunc = attributeKey(cfg.KeyAttributes)
	}
	for i := range a.shards {
		a.shards[i].series = make(map[string]map[int64]*window)
	}
	a.watermark.Store(math.MinInt64)
	for _, opt := range opts {
		opt(a)
	}
	a.logger = observability.EnrichLogger(a.logger, "aggregator")
	return a, nil
}

func attributeKey(attrs []string) KeyFunc {
	return func(evt event.Event) (string, bool) {
		if len(attrs) == 0 {
			return string(evt.Type()), true
		}
		var b strings.Builder
		b.WriteString(string(evt.Type()))
		for _, name := range attrs {
			b.WriteByte('|')
			v, ok := evt.Lookup(name)
			switch {
			case ok:
				b.WriteString(v.String())
			case name == "source":
				b.WriteString(evt.Source())
			default:
				b.WriteByte('-')
			}
		}
		return b.String(), true
	}
}

func (a *Aggregator) shardFor(key string) *shard {
	return &a.shards[xxhash.Sum64String(key)%shardCount]
}

// windowStarts returns the starts of every window containing ts, oldest first.
func (a *Aggregator) windowStarts(ts time.Time) []time.Time {
	last := ts.Truncate(a.step)
	var starts []time.Time
	for s := last; s.Add(a.cfg.Size).After(ts); s = s.Add(-a.step) {
		starts = append(starts, s)
	}
	for i, j := 0, len(starts)-1; i < j; i, j = i+1, j-1 {
		starts[i], starts[j] = starts[j], starts[i]
	}
	return starts
}

// Ingest adds evt to every open window covering its timestamp. An event whose
// windows have all closed is counted as late and never reopens them.
func (a *Aggregator) Ingest(evt event.Event) IngestResult {
	key, ok := a.keyFunc(evt)
	if !ok {
		a.skipped.Add(1)
		return IngestResult{Skipped: true}
	}
	a.ingested.Add(1)

	value, hasValue := evt.Number(a.cfg.ValueAttribute)
	ts := evt.Time()
	res := IngestResult{MetricKey: key}

	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	watermark := a.watermark.Load()
	for _, start := range a.windowStarts(ts) {
		end := start.Add(a.cfg.Size)
		if end.UnixNano() <= watermark {
			continue
		}
		windows := sh.series[key]
		if windows == nil {
			windows = make(map[int64]*window)
			sh.series[key] = windows
		}
		w := windows[start.UnixNano()]
		if w == nil {
			w = newWindow(start, end, a.cfg.ReservoirSize)
			windows[start.UnixNano()] = w
		}
		w.add(evt, value, hasValue)
		res.Windows++
	}

	if res.Windows == 0 {
		res.Late = true
		a.late.Add(1)
		observability.LogLateEvent(a.logger, evt.ID(), key)
	}
	return res
}

// CloseExpired finalizes every window whose end is at or before now - grace
// and returns their summaries ordered by end time, then metric key.
func (a *Aggregator) CloseExpired(now time.Time) []Summary {
	cutoff := now.Add(-a.cfg.Grace)

	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if c := cutoff.UnixNano(); c > a.watermark.Load() {
		a.watermark.Store(c)
	}
	watermark := a.watermark.Load()

	var out []Summary
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for key, windows := range sh.series {
			for start, w := range windows {
				if w.end.UnixNano() > watermark {
					continue
				}
				out = append(out, w.summary(key, WindowClosed))
				delete(windows, start)
			}
			if len(windows) == 0 {
				delete(sh.series, key)
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].End.Equal(out[j].End) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].MetricKey < out[j].MetricKey
	})
	a.closed.Add(int64(len(out)))
	observability.LogWindowsClosed(a.logger, len(out), cutoff)
	return out
}

// CloseExpiredWindows closes expired windows and renders each summary as an
// aggregate-summary event.
func (a *Aggregator) CloseExpiredWindows(now time.Time) []event.Event {
	summaries := a.CloseExpired(now)
	events := make([]event.Event, 0, len(summaries))
	for _, s := range summaries {
		evt, err := s.Event()
		if err != nil {
			a.logger.Error("render summary", slog.String("metric_key", s.MetricKey), slog.String("error", err.Error()))
			continue
		}
		events = append(events, evt)
	}
	return events
}

// Windows returns snapshots of the open windows for key, oldest first.
func (a *Aggregator) Windows(key string) []Summary {
	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	windows := sh.series[key]
	out := make([]Summary, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.summary(key, WindowOpen))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Stats returns cumulative counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Ingested: a.ingested.Load(),
		Late:     a.late.Load(),
		Skipped:  a.skipped.Load(),
		Closed:   a.closed.Load(),
	}
}
