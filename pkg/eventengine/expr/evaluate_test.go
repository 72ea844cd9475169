package expr

import (
	"errors"
	"testing"
	"time"
)

func TestEval_Comparisons(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	vars := map[string]any{
		"status":   "active",
		"count":    5,
		"score":    2.5,
		"enabled":  true,
		"message":  "disk error on sda",
		"seen_at":  now,
		"empty":    "",
		"attempts": float64(7),
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "status == 'active'", true},
		{"double quoted", `status == "active"`, true},
		{"string inequality", "status != 'active'", false},
		{"numeric equality across int and float", "attempts == 7", true},
		{"numeric equality with decimal literal", "count == 5.0", true},
		{"greater than", "count > 3", true},
		{"less or equal", "score <= 2.5", true},
		{"greater or equal false", "score >= 3", false},
		{"contains", "message contains 'error'", true},
		{"startswith", "message startswith 'disk'", true},
		{"matches", "message matches 'sd[a-z]$'", true},
		{"bool truthy", "enabled", true},
		{"empty string falsy", "empty", false},
		{"time compared with RFC3339 literal", "seen_at >= '2024-01-01T11:00:00Z'", true},
		{"ordering on non-numeric string is false", "status > 1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.expr, vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEval_LogicalOperators(t *testing.T) {
	vars := map[string]any{"a": true, "b": false, "c": true}

	tests := []struct {
		expr string
		want bool
	}{
		{"a and c", true},
		{"a and b", false},
		{"b or c", true},
		{"b or b", false},
		{"not b", true},
		{"!a", false},
		{"b and a or c", true},
		{"c or a and b", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Eval(tt.expr, vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEval_OperatorsInsideQuotesAreLiteral(t *testing.T) {
	vars := map[string]any{"msg": "salt and pepper"}
	got, err := Eval("msg == 'salt and pepper'", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected quoted 'and' to be part of the literal")
	}
}

func TestEvaluate_StrictVariables(t *testing.T) {
	e := New(WithStrictVariables())

	_, err := e.Evaluate("missing == 'x'", map[string]any{"present": 1})
	if !errors.Is(err, ErrUnknownVariable) {
		t.Fatalf("expected ErrUnknownVariable, got %v", err)
	}
	var unk *UnknownVariableError
	if !errors.As(err, &unk) || unk.Name != "missing" {
		t.Errorf("expected UnknownVariableError for 'missing', got %v", err)
	}

	// short-circuit avoids resolving the right side
	got, err := e.Evaluate("present == 1 or missing == 2", map[string]any{"present": 1})
	if err != nil || !got {
		t.Errorf("got %v, %v; want true, nil", got, err)
	}

	// lenient evaluation treats the identifier as a literal
	got, err = Eval("missing == 'missing'", nil)
	if err != nil || !got {
		t.Errorf("lenient got %v, %v; want true, nil", got, err)
	}
}

func TestEvaluate_CustomOperator(t *testing.T) {
	e := New(WithCustomOperator("within", func(l, r any) bool {
		return ToFloat64(l) <= ToFloat64(r)*2
	}))
	got, err := e.Evaluate("latency within 100", map[string]any{"latency": 150})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected custom operator to match")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"count > 5", false},
		{"a == 'x' and b != 'y'", false},
		{"", true},
		{"name == 'open", true},
		{"count >", true},
		{"msg matches '['", true},
		{"not enabled", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := Validate(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("42", nil); got != int64(42) {
		t.Errorf("Resolve(42) = %v (%T)", got, got)
	}
	if got := Resolve("3.5", nil); got != 3.5 {
		t.Errorf("Resolve(3.5) = %v", got)
	}
	if got := Resolve("null", nil); got != nil {
		t.Errorf("Resolve(null) = %v", got)
	}
	if got := Resolve("'quoted'", nil); got != "quoted" {
		t.Errorf("Resolve('quoted') = %v", got)
	}
}
