// Package anomaly scores numeric signals (aggregate summaries and correlation
// matches) against a per-metric rolling baseline and emits anomaly events.
package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// ErrNoMeasure is returned when a signal lacks a numeric measure.
var ErrNoMeasure = errors.New("signal has no numeric measure")

// ErrNonFinite is returned for NaN or infinite measures, which would poison
// the baseline.
var ErrNonFinite = errors.New("signal measure is not finite")

// Config configures scoring.
type Config struct {
	// Threshold is the z-score above which a signal is anomalous.
	Threshold float64

	// MinObservations is the baseline size required before any signal can be
	// classified as anomalous.
	MinObservations int

	// MeasureAttribute names the numeric attribute scored.
	MeasureAttribute string

	// KeyAttribute names the attribute holding the metric key. Signals without
	// it are keyed by type and source.
	KeyAttribute string
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Threshold:        3,
	MinObservations:  10,
	MeasureAttribute: "value",
	KeyAttribute:     "metric_key",
}

// Result is the outcome of scoring one signal.
type Result struct {
	MetricKey string
	Value     float64
	Score     float64

	// Prior is the baseline the signal was scored against, before the update.
	Prior Baseline

	Anomalous bool

	// Event is the emitted anomaly event, set only when Anomalous.
	Event event.Event
}

const shardCount = 32

type shard struct {
	mu        sync.Mutex
	baselines map[string]*Baseline
}

// Detector maintains baselines and classifies signals. Scoring for a key is
// serialized by its shard lock.
type Detector struct {
	cfg       Config
	shards    [shardCount]shard
	logger    *slog.Logger
	scored    atomic.Int64
	anomalies atomic.Int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// New creates a detector. Zero-valued fields take DefaultConfig values.
func New(cfg Config, opts ...Option) (*Detector, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultConfig.Threshold
	}
	if cfg.MeasureAttribute == "" {
		cfg.MeasureAttribute = DefaultConfig.MeasureAttribute
	}
	if cfg.KeyAttribute == "" {
		cfg.KeyAttribute = DefaultConfig.KeyAttribute
	}
	if cfg.Threshold < 0 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("threshold must be positive, got %v", cfg.Threshold)
	}
	if cfg.MinObservations < 0 {
		return nil, fmt.Errorf("min observations must not be negative, got %d", cfg.MinObservations)
	}

	d := &Detector{cfg: cfg, logger: slog.Default()}
	for i := range d.shards {
		d.shards[i].baselines = make(map[string]*Baseline)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = observability.EnrichLogger(d.logger, "anomaly")
	return d, nil
}

func (d *Detector) shardFor(key string) *shard {
	return &d.shards[xxhash.Sum64String(key)%shardCount]
}

func (d *Detector) keyOf(signal event.Event) string {
	if v, ok := signal.Lookup(d.cfg.KeyAttribute); ok {
		return v.String()
	}
	return string(signal.Type()) + ":" + signal.Source()
}

// Score classifies signal against its key's prior baseline and then folds the
// measure into the baseline, whether or not it was anomalous.
func (d *Detector) Score(signal event.Event) (Result, error) {
	value, ok := signal.Number(d.cfg.MeasureAttribute)
	if !ok {
		return Result{}, fmt.Errorf("%s %s: %w", signal.Type(), signal.ID(), ErrNoMeasure)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Result{}, fmt.Errorf("%s %s: %w", signal.Type(), signal.ID(), ErrNonFinite)
	}

	key := d.keyOf(signal)
	res := Result{MetricKey: key, Value: value}

	sh := d.shardFor(key)
	sh.mu.Lock()
	b := sh.baselines[key]
	if b == nil {
		b = &Baseline{}
		sh.baselines[key] = b
	}
	res.Prior = *b
	if res.Prior.Count() >= int64(d.cfg.MinObservations) && res.Prior.Count() > 0 {
		res.Score = res.Prior.ZScore(value)
		res.Anomalous = res.Score > d.cfg.Threshold
	}
	b.Add(value)
	sh.mu.Unlock()

	d.scored.Add(1)
	if !res.Anomalous {
		return res, nil
	}

	evt, err := d.anomalyEvent(signal, res)
	if err != nil {
		return res, err
	}
	res.Event = evt
	d.anomalies.Add(1)
	observability.LogAnomaly(d.logger, key, value, res.Score)
	return res, nil
}

func (d *Detector) anomalyEvent(signal event.Event, res Result) (event.Event, error) {
	return signal.Derive(event.TypeAnomaly, signal.Severity().Escalate(1), event.DerivedSource("anomaly"),
		event.WithTimestamp(signal.Time()),
		event.WithAttributes(map[string]event.Value{
			"metric_key":  event.StringValue(res.MetricKey),
			"signal_type": event.StringValue(string(signal.Type())),
			"value":       event.NumberValue(res.Value),
			"mean":        event.NumberValue(res.Prior.Mean()),
			"stddev":      event.NumberValue(res.Prior.StdDev()),
			"score":       event.NumberValue(res.Score),
			"threshold":   event.NumberValue(d.cfg.Threshold),
			"baseline_n":  event.IntValue(res.Prior.Count()),
		}),
	)
}

// Baseline returns a copy of the baseline for key.
func (d *Detector) Baseline(key string) (Baseline, bool) {
	sh := d.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.baselines[key]
	if !ok {
		return Baseline{}, false
	}
	return *b, true
}

// Stats returns the number of signals scored and anomalies flagged.
func (d *Detector) Stats() (scored, anomalies int64) {
	return d.scored.Load(), d.anomalies.Load()
}
