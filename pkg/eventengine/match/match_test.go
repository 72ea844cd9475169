package match_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
)

func loginEvent(t *testing.T, attrs map[string]any) event.Event {
	t.Helper()
	evt, err := event.New(event.TypeLoginAttempt, event.SeverityWarning, "auth-eu",
		event.WithAnyAttributes(attrs))
	require.NoError(t, err)
	return evt
}

func TestPattern_Match(t *testing.T) {
	evt := loginEvent(t, map[string]any{
		"user":     "alice",
		"attempts": 6,
		"success":  false,
		"geo":      map[string]any{"country": "NZ"},
		"at":       time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	tests := []struct {
		name    string
		pattern match.Pattern
		want    bool
	}{
		{"empty pattern matches all", match.Pattern{}, true},
		{"type match", match.Pattern{Types: []event.Type{event.TypeLoginAttempt}}, true},
		{"type mismatch", match.Pattern{Types: []event.Type{event.TypeHealthCheck}}, false},
		{"source prefix", match.Pattern{Sources: []string{"auth-*"}}, true},
		{"source exact mismatch", match.Pattern{Sources: []string{"auth"}}, false},
		{"severity floor met", match.Pattern{MinSeverity: event.SeverityWarning}, true},
		{"severity floor unmet", match.Pattern{MinSeverity: event.SeverityError}, false},
		{"numeric gte", match.Pattern{Where: []match.Condition{{Key: "attempts", Op: match.OpGte, Value: 5}}}, true},
		{"numeric lt", match.Pattern{Where: []match.Condition{{Key: "attempts", Op: match.OpLt, Value: 5}}}, false},
		{"bool eq", match.Pattern{Where: []match.Condition{{Key: "success", Op: match.OpEq, Value: false}}}, true},
		{"nested path", match.Pattern{Where: []match.Condition{{Key: "geo.country", Op: match.OpEq, Value: "NZ"}}}, true},
		{"in list", match.Pattern{Where: []match.Condition{{Key: "user", Op: match.OpIn, Value: []string{"bob", "alice"}}}}, true},
		{"regex", match.Pattern{Where: []match.Condition{{Key: "user", Op: match.OpMatches, Value: "^al"}}}, true},
		{"time after RFC3339", match.Pattern{Where: []match.Condition{{Key: "at", Op: match.OpGt, Value: "2024-01-01T00:00:00Z"}}}, true},
		{"exists", match.Pattern{Where: []match.Condition{{Key: "user", Op: match.OpExists}}}, true},
		{"unknown key does not match", match.Pattern{Where: []match.Condition{{Key: "ip", Op: match.OpEq, Value: "10.0.0.1"}}}, false},
		{"string vs number incomparable", match.Pattern{Where: []match.Condition{{Key: "user", Op: match.OpGt, Value: 1}}}, false},
		{"expr", match.Pattern{Expr: "attempts > 5 and severity == 'warning'"}, true},
		{"expr nested", match.Pattern{Expr: "geo.country == 'NZ'"}, true},
		{"expr unknown identifier does not match", match.Pattern{Expr: "ip == '10.0.0.1'"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.pattern.Compile()
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(evt))
		})
	}
}

func TestPattern_CompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		pattern match.Pattern
	}{
		{"empty type", match.Pattern{Types: []event.Type{""}}},
		{"empty source", match.Pattern{Sources: []string{""}}},
		{"invalid severity", match.Pattern{MinSeverity: event.Severity(9)}},
		{"empty key", match.Pattern{Where: []match.Condition{{Op: match.OpEq, Value: 1}}}},
		{"unknown op", match.Pattern{Where: []match.Condition{{Key: "k", Op: "like", Value: 1}}}},
		{"missing value", match.Pattern{Where: []match.Condition{{Key: "k", Op: match.OpEq}}}},
		{"bad regex", match.Pattern{Where: []match.Condition{{Key: "k", Op: match.OpMatches, Value: "("}}}},
		{"in without list", match.Pattern{Where: []match.Condition{{Key: "k", Op: match.OpIn, Value: "x"}}}},
		{"bad expr", match.Pattern{Expr: "a == 'unterminated"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.pattern.Compile()
			assert.Error(t, err)
		})
	}
}

func TestNilMatcherMatchesEverything(t *testing.T) {
	var m *match.Matcher
	assert.True(t, m.Match(loginEvent(t, nil)))
}

func TestVars(t *testing.T) {
	vars := match.Vars(loginEvent(t, map[string]any{"geo": map[string]any{"city": "Akl"}}))
	assert.Equal(t, "login-attempt", vars["type"])
	assert.Equal(t, "auth-eu", vars["source"])
	assert.Equal(t, "warning", vars["severity"])
	assert.Equal(t, 2, vars["severity_level"])
	assert.Equal(t, "Akl", vars["geo.city"])
}
