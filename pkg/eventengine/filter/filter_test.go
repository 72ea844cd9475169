package filter_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
)

func newEvent(t *testing.T, typ event.Type, sev event.Severity, source string, attrs map[string]any) event.Event {
	t.Helper()
	evt, err := event.New(typ, sev, source, event.WithAnyAttributes(attrs))
	require.NoError(t, err)
	return evt
}

func denyHealthChecks() filter.Rule {
	return filter.Rule{
		ID:      "drop-health",
		Action:  filter.ActionDeny,
		Pattern: match.Pattern{Types: []event.Type{event.TypeHealthCheck}},
	}
}

func allowCritical() filter.Rule {
	return filter.Rule{
		ID:      "keep-critical",
		Action:  filter.ActionAllow,
		Pattern: match.Pattern{MinSeverity: event.SeverityCritical},
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	f, err := filter.New([]filter.Rule{denyHealthChecks()})
	require.NoError(t, err)

	health := newEvent(t, event.TypeHealthCheck, event.SeverityInfo, "healthz", nil)
	d := f.Evaluate(health)
	assert.Equal(t, filter.ActionDeny, d.Action)
	assert.Equal(t, "drop-health", d.RuleID)
	assert.False(t, d.Allowed())

	login := newEvent(t, event.TypeLoginAttempt, event.SeverityInfo, "auth", nil)
	d = f.Evaluate(login)
	assert.True(t, d.Allowed())
	assert.Empty(t, d.RuleID)
}

func TestEvaluate_OrderMattersForOverlappingRules(t *testing.T) {
	critical := newEvent(t, event.TypeHealthCheck, event.SeverityCritical, "healthz", nil)

	allowFirst, err := filter.New([]filter.Rule{allowCritical(), denyHealthChecks()})
	require.NoError(t, err)
	assert.True(t, allowFirst.Allow(critical))

	denyFirst, err := filter.New([]filter.Rule{denyHealthChecks(), allowCritical()})
	require.NoError(t, err)
	assert.False(t, denyFirst.Allow(critical))
}

func TestEvaluate_AllowListIsOrderIndependent(t *testing.T) {
	a := filter.Rule{ID: "a", Action: filter.ActionAllow, Pattern: match.Pattern{Sources: []string{"auth"}}}
	b := filter.Rule{ID: "b", Action: filter.ActionAllow, Pattern: match.Pattern{MinSeverity: event.SeverityError}}

	forward, err := filter.New([]filter.Rule{a, b}, filter.WithDefaultAction(filter.ActionDeny))
	require.NoError(t, err)
	reverse, err := filter.New([]filter.Rule{b, a}, filter.WithDefaultAction(filter.ActionDeny))
	require.NoError(t, err)

	events := []event.Event{
		newEvent(t, event.TypeLoginAttempt, event.SeverityInfo, "auth", nil),
		newEvent(t, event.TypeSystemError, event.SeverityError, "db", nil),
		newEvent(t, event.TypeHealthCheck, event.SeverityInfo, "healthz", nil),
		newEvent(t, event.TypeSecurityAlert, event.SeverityCritical, "auth", nil),
	}
	for _, evt := range events {
		assert.Equal(t, forward.Allow(evt), reverse.Allow(evt), evt.String())
	}
	assert.False(t, forward.Allow(events[2]))
}

func TestEvaluate_UnknownAttributeDoesNotMatch(t *testing.T) {
	f, err := filter.New([]filter.Rule{{
		ID:     "deny-internal",
		Action: filter.ActionDeny,
		Pattern: match.Pattern{
			Where: []match.Condition{{Key: "network.zone", Op: match.OpEq, Value: "internal"}},
		},
	}})
	require.NoError(t, err)

	assert.True(t, f.Allow(newEvent(t, event.TypeNetworkActivity, event.SeverityInfo, "fw", nil)))
	assert.False(t, f.Allow(newEvent(t, event.TypeNetworkActivity, event.SeverityInfo, "fw",
		map[string]any{"network": map[string]any{"zone": "internal"}})))
}

func TestNew_RejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []filter.Rule
	}{
		{"missing id", []filter.Rule{{Action: filter.ActionDeny}}},
		{"bad action", []filter.Rule{{ID: "r", Action: "maybe"}}},
		{"bad pattern", []filter.Rule{{ID: "r", Action: filter.ActionDeny, Pattern: match.Pattern{Expr: "a =="}}}},
		{"duplicate id", []filter.Rule{denyHealthChecks(), denyHealthChecks()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := filter.New(tt.rules)
			require.Error(t, err)
			var rce *engerrors.RuleConfigError
			assert.True(t, errors.As(err, &rce))
		})
	}

	_, err := filter.New(nil, filter.WithDefaultAction("maybe"))
	assert.Error(t, err)
}

func TestReconfiguration_PreservesOrder(t *testing.T) {
	f, err := filter.New([]filter.Rule{denyHealthChecks()})
	require.NoError(t, err)

	require.NoError(t, f.Append(filter.Rule{ID: "last", Action: filter.ActionAllow}))
	require.NoError(t, f.InsertBefore("drop-health", allowCritical()))

	ids := func() []string {
		var out []string
		for _, r := range f.Rules() {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"keep-critical", "drop-health", "last"}, ids())

	require.NoError(t, f.Remove("keep-critical"))
	assert.Equal(t, []string{"drop-health", "last"}, ids())

	assert.True(t, errors.Is(f.Remove("missing"), filter.ErrRuleNotFound))
	assert.True(t, errors.Is(f.InsertBefore("missing", allowCritical()), filter.ErrRuleNotFound))

	// A failed update leaves the active rules untouched.
	assert.Error(t, f.Append(filter.Rule{ID: "last", Action: filter.ActionDeny}))
	assert.Equal(t, []string{"drop-health", "last"}, ids())

	require.NoError(t, f.Replace(nil))
	assert.Empty(t, f.Rules())
}

func TestEvaluate_ConcurrentWithReconfiguration(t *testing.T) {
	f, err := filter.New([]filter.Rule{denyHealthChecks()})
	require.NoError(t, err)
	health := newEvent(t, event.TypeHealthCheck, event.SeverityInfo, "healthz", nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			assert.False(t, f.Allow(health))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = f.Append(filter.Rule{ID: "extra", Action: filter.ActionAllow})
			_ = f.Remove("extra")
		}
	}()
	wg.Wait()
}
