// Package observability provides structured logging helpers, metrics and
// tracing for the event engine.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Every helper accepts a nil logger, and metrics and tracing have no-op
// implementations for when they are disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger tags a logger with the emitting component.
//
// Example:
//
//	logger := EnrichLogger(slog.Default(), "processor")
//	logger.Info("started") // includes component=processor
func EnrichLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("component", component))
}

// LogEventDropped logs an event discarded by a full subscriber inbox.
func LogEventDropped(logger *slog.Logger, subscription, policy, eventID string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("subscription", subscription),
		slog.String("policy", policy),
		slog.String("event_id", eventID),
	)
}

// LogDeliveryTimeout logs a block-policy delivery that gave up.
func LogDeliveryTimeout(logger *slog.Logger, subscription, eventID string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("delivery timed out",
		slog.String("subscription", subscription),
		slog.String("event_id", eventID),
		slog.Duration("timeout", timeout),
	)
}

// LogConsumerPanic logs a recovered panic in a callback subscriber.
func LogConsumerPanic(logger *slog.Logger, subscription string, recovered any) {
	if logger == nil {
		return
	}
	logger.Error("subscriber panicked",
		slog.String("subscription", subscription),
		slog.Any("panic", recovered),
	)
}

// LogStageError logs a pipeline stage failure.
func LogStageError(logger *slog.Logger, stage, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("stage failed",
		slog.String("stage", stage),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogStoreRetry logs a retried store append.
func LogStoreRetry(logger *slog.Logger, eventID string, attempt int, backoff time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("store append retrying",
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs an event parked after exhausting store retries.
func LogDeadLetter(logger *slog.Logger, eventID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogLateEvent logs an event that arrived after all its windows closed.
func LogLateEvent(logger *slog.Logger, eventID, metricKey string) {
	if logger == nil {
		return
	}
	logger.Debug("late event",
		slog.String("event_id", eventID),
		slog.String("metric_key", metricKey),
	)
}

// LogWindowsClosed logs a window close pass.
func LogWindowsClosed(logger *slog.Logger, closed int, cutoff time.Time) {
	if logger == nil || closed == 0 {
		return
	}
	logger.Debug("windows closed",
		slog.Int("count", closed),
		slog.Time("cutoff", cutoff),
	)
}

// LogCorrelationMatch logs a completed correlation sequence.
func LogCorrelationMatch(logger *slog.Logger, ruleID, key string, events int, span time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("correlation matched",
		slog.String("rule_id", ruleID),
		slog.String("correlation_key", key),
		slog.Int("events", events),
		slog.Duration("span", span),
	)
}

// LogCorrelationExpired logs states dropped by a sweep.
func LogCorrelationExpired(logger *slog.Logger, expired int) {
	if logger == nil || expired == 0 {
		return
	}
	logger.Debug("correlation states expired",
		slog.Int("count", expired),
	)
}

// LogAnomaly logs a flagged anomaly.
func LogAnomaly(logger *slog.Logger, metricKey string, value, score float64) {
	if logger == nil {
		return
	}
	logger.Warn("anomaly detected",
		slog.String("metric_key", metricKey),
		slog.Float64("value", value),
		slog.Float64("score", score),
	)
}

// LogRulesReloaded logs a rule reconfiguration.
func LogRulesReloaded(logger *slog.Logger, filterRules, correlationRules int) {
	if logger == nil {
		return
	}
	logger.Info("rules reloaded",
		slog.Int("filter_rules", filterRules),
		slog.Int("correlation_rules", correlationRules),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
