package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"persistence failure", &PersistenceError{Op: "append", Err: errors.New("disk full")}, CategoryTransient},
		{"permanent persistence failure", &PersistenceError{Op: "append", Permanent: true}, CategoryPermanent},
		{"wrapped persistence failure", fmt.Errorf("store: %w", &PersistenceError{Op: "get"}), CategoryTransient},
		{"delivery timeout", &DeliveryTimeoutError{Subscription: "s1", Timeout: time.Second}, CategoryTransient},
		{"validation error", &ValidationError{Field: "source", Message: "empty"}, CategoryPermanent},
		{"rule config error", &RuleConfigError{RuleID: "r1", Message: "no steps"}, CategoryPermanent},
		{"context cancelled", context.Canceled, CategoryPermanent},
		{"categorized error", &CategorizedError{Category: CategoryTransient}, CategoryTransient},
		{"unknown error", errors.New("unknown"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"validation with field", &ValidationError{Field: "type", Message: "unknown type"}, "validation error on type: unknown type"},
		{"validation without field", &ValidationError{Message: "bad"}, "validation error: bad"},
		{"persistence with event", &PersistenceError{Op: "append", EventID: "e1", Err: errors.New("io")}, "persistence append failed for event e1: io"},
		{"rule config", &RuleConfigError{RuleID: "r1", Message: "within must be positive"}, `rule "r1": within must be positive`},
		{"rule config without id", &RuleConfigError{Message: "duplicate id"}, "rule config: duplicate id"},
		{"delivery timeout", &DeliveryTimeoutError{Subscription: "slow", EventID: "e2", Timeout: 50 * time.Millisecond}, "delivery of event e2 to subscription slow timed out after 50ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("error message with context", func(t *testing.T) {
		err := &CategorizedError{Err: errors.New("failed"), Category: CategoryTransient, Context: "append"}
		expected := "append: failed (category: transient, attempts: 0)"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("unwrap reaches the cause", func(t *testing.T) {
		cause := errors.New("root")
		err := error(&CategorizedError{Err: cause, Category: CategoryPermanent})
		if !errors.Is(err, cause) {
			t.Error("expected errors.Is to find the cause")
		}
	})
}

func TestWithRetryContext_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}

	result := WithRetryContext(context.Background(), cfg, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", &PersistenceError{Op: "append", Err: errors.New("busy")}
		}
		return "ok", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != "ok" {
		t.Errorf("Value = %q, want ok", result.Value)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestWithRetryContext_StopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}

	result := WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, &ValidationError{Message: "bad"}
	})

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	var valErr *ValidationError
	if !errors.As(result.Err, &valErr) {
		t.Errorf("expected ValidationError in chain, got %v", result.Err)
	}
}

func TestWithRetryContext_Exhausted(t *testing.T) {
	var retries []int
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			retries = append(retries, attempt)
		},
	}

	result := WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, &PersistenceError{Op: "append", Err: errors.New("down")}
	})

	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	var catErr *CategorizedError
	if !errors.As(result.Err, &catErr) {
		t.Fatalf("expected CategorizedError, got %T", result.Err)
	}
	if catErr.Context != "max retries exceeded" {
		t.Errorf("Context = %q", catErr.Context)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
}

func TestWithRetryContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithRetryContext(ctx, DefaultRetry, func(context.Context) (int, error) {
		t.Fatal("fn should not run with a cancelled context")
		return 0, nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
	if result.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", result.Attempts)
	}
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(WithMaxAttempts(7), WithInitialBackoff(time.Second), WithMaxBackoff(time.Minute), WithJitter(0))
	if cfg.MaxAttempts != 7 || cfg.InitialBackoff != time.Second || cfg.MaxBackoff != time.Minute || cfg.Jitter != 0 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.BackoffFactor != DefaultRetry.BackoffFactor {
		t.Errorf("BackoffFactor = %v, want default", cfg.BackoffFactor)
	}
}

func TestGrow_CapsAtLimit(t *testing.T) {
	d := 10 * time.Millisecond
	d = grow(d, 2, 25*time.Millisecond)
	if d != 20*time.Millisecond {
		t.Errorf("grow = %v, want 20ms", d)
	}
	if d = grow(d, 2, 25*time.Millisecond); d != 25*time.Millisecond {
		t.Errorf("grow = %v, want 25ms cap", d)
	}
	if d = grow(d, 0, 0); d != 25*time.Millisecond {
		t.Errorf("factor below 1 must not shrink, got %v", d)
	}
}

func TestJittered_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jittered(base, 0.2)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("backoff %v outside jitter bounds", d)
		}
	}
}
