package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/stats"
)

// WindowState is the lifecycle state of a window.
type WindowState uint8

const (
	WindowOpen WindowState = iota
	WindowClosed
)

// String returns the state name.
func (s WindowState) String() string {
	switch s {
	case WindowOpen:
		return "open"
	case WindowClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// window accumulates statistics for one metric key over [start, end).
type window struct {
	start       time.Time
	end         time.Time
	count       int64
	values      stats.Welford
	reservoir   *stats.Reservoir
	maxSeverity event.Severity
}

func newWindow(start, end time.Time, reservoirSize int) *window {
	return &window{
		start:     start,
		end:       end,
		reservoir: stats.NewReservoir(reservoirSize),
	}
}

func (w *window) add(evt event.Event, value float64, hasValue bool) {
	w.count++
	if evt.Severity() > w.maxSeverity {
		w.maxSeverity = evt.Severity()
	}
	if hasValue {
		w.values.Add(value)
		w.reservoir.Add(value)
	}
}

func (w *window) summary(key string, state WindowState) Summary {
	s := Summary{
		MetricKey:   key,
		Start:       w.start,
		End:         w.end,
		State:       state,
		Count:       w.count,
		Samples:     w.values.Count(),
		Sum:         w.values.Sum(),
		Min:         w.values.Min(),
		Max:         w.values.Max(),
		Mean:        w.values.Mean(),
		Variance:    w.values.Variance(),
		StdDev:      w.values.StdDev(),
		P50:         math.NaN(),
		P95:         math.NaN(),
		MaxSeverity: w.maxSeverity,
	}
	if s.Samples > 0 {
		s.P50 = w.reservoir.Quantile(0.50)
		s.P95 = w.reservoir.Quantile(0.95)
	}
	return s
}

// Summary is an immutable snapshot of a window's statistics.
type Summary struct {
	MetricKey   string
	Start       time.Time
	End         time.Time
	State       WindowState
	Count       int64
	Samples     int64
	Sum         float64
	Min         float64
	Max         float64
	Mean        float64
	Variance    float64
	StdDev      float64
	P50         float64
	P95         float64
	MaxSeverity event.Severity
}

// Value is the summary's headline measure: the mean of the samples, or the
// event count when the window saw no numeric samples.
func (s Summary) Value() float64 {
	if s.Samples > 0 {
		return s.Mean
	}
	return float64(s.Count)
}

// Event renders the summary as an aggregate-summary event timestamped at the
// window end.
func (s Summary) Event() (event.Event, error) {
	severity := s.MaxSeverity
	if !severity.Valid() {
		severity = event.SeverityInfo
	}
	attrs := map[string]event.Value{
		"metric_key":   event.StringValue(s.MetricKey),
		"window_start": event.TimeValue(s.Start),
		"window_end":   event.TimeValue(s.End),
		"count":        event.IntValue(s.Count),
		"samples":      event.IntValue(s.Samples),
		"value":        event.NumberValue(s.Value()),
	}
	if s.Samples > 0 {
		attrs["sum"] = event.NumberValue(s.Sum)
		attrs["min"] = event.NumberValue(s.Min)
		attrs["max"] = event.NumberValue(s.Max)
		attrs["mean"] = event.NumberValue(s.Mean)
		attrs["variance"] = event.NumberValue(s.Variance)
		attrs["stddev"] = event.NumberValue(s.StdDev)
		attrs["p50"] = event.NumberValue(s.P50)
		attrs["p95"] = event.NumberValue(s.P95)
	}
	return event.New(event.TypeAggregateSummary, severity, event.DerivedSource("aggregator"),
		event.WithTimestamp(s.End),
		event.WithAttributes(attrs),
	)
}
