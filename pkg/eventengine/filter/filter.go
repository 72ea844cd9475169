// Package filter decides whether an event continues down the pipeline using an
// ordered list of allow and deny rules.
//
// Rules are evaluated in order and the first matching rule decides. When no
// rule matches, the filter's default action applies. A rule that references
// an attribute the event does not carry simply does not match.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// ErrRuleNotFound is returned when a rule id is not configured.
var ErrRuleNotFound = errors.New("filter rule not found")

// Action is a rule verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionDeny
}

// Rule is a single filter rule. The embedded pattern selects the events it
// applies to.
type Rule struct {
	ID            string `yaml:"id" json:"id"`
	Action        Action `yaml:"action" json:"action"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	match.Pattern `yaml:",inline"`
}

// Decision is the outcome of evaluating an event.
type Decision struct {
	Action Action

	// RuleID is the deciding rule, or empty when the default action applied.
	RuleID string
}

// Allowed reports whether the event may continue.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

type ruleSet struct {
	rules    []Rule
	matchers []*match.Matcher
}

// Filter evaluates rules against events. Evaluation reads an immutable
// snapshot, so it never waits on reconfiguration.
type Filter struct {
	current       atomic.Pointer[ruleSet]
	mu            sync.Mutex // serializes writers
	defaultAction Action
	logger        *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithDefaultAction sets the action applied when no rule matches.
func WithDefaultAction(a Action) Option {
	return func(f *Filter) {
		f.defaultAction = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) {
		f.logger = logger
	}
}

// New creates a filter with the given rules in order.
func New(rules []Rule, opts ...Option) (*Filter, error) {
	f := &Filter{
		defaultAction: ActionAllow,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.defaultAction.Valid() {
		return nil, &engerrors.RuleConfigError{Message: fmt.Sprintf("invalid default action %q", f.defaultAction)}
	}
	f.logger = observability.EnrichLogger(f.logger, "filter")

	set, err := compile(rules)
	if err != nil {
		return nil, err
	}
	f.current.Store(set)
	return f, nil
}

func compileRule(r Rule) (*match.Matcher, error) {
	if r.ID == "" {
		return nil, &engerrors.RuleConfigError{Message: "filter rule id is required"}
	}
	if !r.Action.Valid() {
		return nil, &engerrors.RuleConfigError{
			RuleID:  r.ID,
			Message: fmt.Sprintf("action must be allow or deny, got %q", r.Action),
		}
	}
	m, err := r.Pattern.Compile()
	if err != nil {
		return nil, &engerrors.RuleConfigError{RuleID: r.ID, Message: "invalid pattern", Err: err}
	}
	return m, nil
}

func compile(rules []Rule) (*ruleSet, error) {
	set := &ruleSet{
		rules:    make([]Rule, 0, len(rules)),
		matchers: make([]*match.Matcher, 0, len(rules)),
	}
	seen := make(map[string]struct{}, len(rules))
	var errs []error
	for _, r := range rules {
		m, err := compileRule(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, &engerrors.RuleConfigError{RuleID: r.ID, Message: "duplicate rule id"})
			continue
		}
		seen[r.ID] = struct{}{}
		set.rules = append(set.rules, r)
		set.matchers = append(set.matchers, m)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

// Evaluate returns the decision for evt.
func (f *Filter) Evaluate(evt event.Event) Decision {
	set := f.current.Load()
	for i, m := range set.matchers {
		if m.Match(evt) {
			return Decision{Action: set.rules[i].Action, RuleID: set.rules[i].ID}
		}
	}
	return Decision{Action: f.defaultAction}
}

// Allow is shorthand for Evaluate(evt).Allowed().
func (f *Filter) Allow(evt event.Event) bool {
	return f.Evaluate(evt).Allowed()
}

// Rules returns the configured rules in evaluation order.
func (f *Filter) Rules() []Rule {
	set := f.current.Load()
	return append([]Rule(nil), set.rules...)
}

// Replace swaps the whole rule list. On error the previous rules stay active.
func (f *Filter) Replace(rules []Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swap(rules)
}

// Append adds a rule after all existing ones.
func (f *Filter) Append(rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.current.Load().rules
	next := make([]Rule, 0, len(rules)+1)
	next = append(next, rules...)
	return f.swap(append(next, rule))
}

// InsertBefore adds rule immediately before the rule with id beforeID,
// leaving the relative order of all other rules unchanged.
func (f *Filter) InsertBefore(beforeID string, rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.current.Load().rules
	idx := indexOf(rules, beforeID)
	if idx < 0 {
		return fmt.Errorf("insert before %q: %w", beforeID, ErrRuleNotFound)
	}
	next := make([]Rule, 0, len(rules)+1)
	next = append(next, rules[:idx]...)
	next = append(next, rule)
	next = append(next, rules[idx:]...)
	return f.swap(next)
}

// Remove deletes the rule with the given id.
func (f *Filter) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.current.Load().rules
	idx := indexOf(rules, id)
	if idx < 0 {
		return fmt.Errorf("remove %q: %w", id, ErrRuleNotFound)
	}
	next := make([]Rule, 0, len(rules)-1)
	next = append(next, rules[:idx]...)
	next = append(next, rules[idx+1:]...)
	return f.swap(next)
}

func (f *Filter) swap(rules []Rule) error {
	set, err := compile(rules)
	if err != nil {
		return err
	}
	f.current.Store(set)
	f.logger.Debug("filter rules updated", slog.Int("rules", len(set.rules)))
	return nil
}

func indexOf(rules []Rule, id string) int {
	for i, r := range rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}
