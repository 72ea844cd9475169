// Package match implements the event predicate shared by filter rules,
// correlation steps, and bus subscriptions.
package match

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/expr"
)

// Op is an attribute condition operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpMatches  Op = "matches"
	OpIn       Op = "in"
	OpExists   Op = "exists"
)

// Condition tests a single attribute. Key may be a dotted path into nested maps.
type Condition struct {
	Key   string `yaml:"key" json:"key"`
	Op    Op     `yaml:"op" json:"op"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Pattern describes which events match. Empty fields match everything; all
// non-empty fields must hold.
type Pattern struct {
	// Types restricts the event type.
	Types []event.Type `yaml:"types,omitempty" json:"types,omitempty"`

	// Sources restricts the source. A trailing "*" matches by prefix.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`

	// MinSeverity is the lowest accepted severity.
	MinSeverity event.Severity `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`

	// Where lists attribute conditions that must all hold.
	Where []Condition `yaml:"where,omitempty" json:"where,omitempty"`

	// Expr is an optional expression over the event's attributes plus
	// type, source, severity and severity_level.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Matcher is a compiled Pattern. It is immutable and safe for concurrent use.
type Matcher struct {
	types       map[event.Type]struct{}
	sources     []string
	minSeverity event.Severity
	conds       []compiledCondition
	exprSrc     string
	eval        *expr.Evaluator
}

type compiledCondition struct {
	Condition
	re      *regexp.Regexp
	set     []any
	literal event.Value
}

var strictEval = expr.New(expr.WithStrictVariables())

// Compile validates p and returns its Matcher.
func (p Pattern) Compile() (*Matcher, error) {
	m := &Matcher{
		sources:     append([]string(nil), p.Sources...),
		minSeverity: p.MinSeverity,
		exprSrc:     strings.TrimSpace(p.Expr),
		eval:        strictEval,
	}
	if p.MinSeverity != 0 && !p.MinSeverity.Valid() {
		return nil, fmt.Errorf("invalid min_severity %d", int(p.MinSeverity))
	}
	if len(p.Types) > 0 {
		m.types = make(map[event.Type]struct{}, len(p.Types))
		for _, t := range p.Types {
			if t == "" {
				return nil, fmt.Errorf("empty event type")
			}
			m.types[t] = struct{}{}
		}
	}
	for _, s := range p.Sources {
		if s == "" {
			return nil, fmt.Errorf("empty source pattern")
		}
	}
	for i, c := range p.Where {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("where[%d]: %w", i, err)
		}
		m.conds = append(m.conds, cc)
	}
	if m.exprSrc != "" {
		if err := expr.Validate(m.exprSrc); err != nil {
			return nil, fmt.Errorf("expr: %w", err)
		}
	}
	return m, nil
}

// MustCompile is Compile that panics on error. Intended for tests and
// package-level patterns.
func MustCompile(p Pattern) *Matcher {
	m, err := p.Compile()
	if err != nil {
		panic(err)
	}
	return m
}

func compileCondition(c Condition) (compiledCondition, error) {
	cc := compiledCondition{Condition: c}
	if c.Key == "" {
		return cc, fmt.Errorf("condition key is empty")
	}
	switch c.Op {
	case OpExists:
		return cc, nil
	case OpMatches:
		s, ok := c.Value.(string)
		if !ok {
			return cc, fmt.Errorf("matches needs a string pattern")
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return cc, err
		}
		cc.re = re
		return cc, nil
	case OpIn:
		switch list := c.Value.(type) {
		case []any:
			cc.set = list
		case []string:
			for _, item := range list {
				cc.set = append(cc.set, item)
			}
		default:
			return cc, fmt.Errorf("in needs a list value")
		}
		return cc, nil
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpPrefix:
		v, err := literalValue(c.Value)
		if err != nil {
			return cc, err
		}
		cc.literal = v
		return cc, nil
	default:
		return cc, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// literalValue converts a configured literal into an event.Value. RFC3339
// strings stay strings; comparisons against time attributes parse them.
func literalValue(x any) (event.Value, error) {
	if x == nil {
		return event.Value{}, fmt.Errorf("condition value is missing")
	}
	return event.FromAny(x)
}

// Match reports whether evt satisfies every part of the pattern.
// A missing attribute or an expression error means no match.
func (m *Matcher) Match(evt event.Event) bool {
	if m == nil {
		return true
	}
	if m.types != nil {
		if _, ok := m.types[evt.Type()]; !ok {
			return false
		}
	}
	if len(m.sources) > 0 && !matchSource(m.sources, evt.Source()) {
		return false
	}
	if m.minSeverity != 0 && !evt.Severity().AtLeast(m.minSeverity) {
		return false
	}
	for _, c := range m.conds {
		if !c.match(evt) {
			return false
		}
	}
	if m.exprSrc != "" {
		ok, err := m.eval.Evaluate(m.exprSrc, Vars(evt))
		if err != nil {
			return false
		}
		return ok
	}
	return true
}

// Vars exposes an event to the expression language.
func Vars(evt event.Event) map[string]any {
	attrs := evt.Attributes()
	vars := make(map[string]any, len(attrs)+4)
	for k, v := range attrs {
		vars[k] = v.Any()
		if v.Kind() == event.KindMap {
			flatten(k, v, vars)
		}
	}
	vars["type"] = string(evt.Type())
	vars["source"] = evt.Source()
	vars["severity"] = evt.Severity().String()
	vars["severity_level"] = int(evt.Severity())
	return vars
}

func flatten(prefix string, v event.Value, out map[string]any) {
	m, _ := v.AsMap()
	for k, inner := range m {
		key := prefix + "." + k
		out[key] = inner.Any()
		if inner.Kind() == event.KindMap {
			flatten(key, inner, out)
		}
	}
}

func matchSource(patterns []string, source string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(source, prefix) {
				return true
			}
			continue
		}
		if p == source {
			return true
		}
	}
	return false
}

func (c compiledCondition) match(evt event.Event) bool {
	v, ok := evt.Lookup(c.Key)
	if !ok {
		return false
	}
	switch c.Op {
	case OpExists:
		return true
	case OpMatches:
		return c.re.MatchString(v.String())
	case OpIn:
		for _, item := range c.set {
			lit, err := event.FromAny(item)
			if err == nil && compareValues(v, lit) == 0 {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(v.String(), c.literal.String())
	case OpPrefix:
		return strings.HasPrefix(v.String(), c.literal.String())
	case OpEq:
		return compareValues(v, c.literal) == 0
	case OpNe:
		return compareValues(v, c.literal) != 0
	}

	cmp := compareValues(v, c.literal)
	if cmp == incomparable {
		return false
	}
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

const incomparable = 2

// compareValues orders two values of compatible kinds. Numbers compare
// numerically, times chronologically (a string literal is parsed as RFC3339),
// everything else by string form for equality only.
func compareValues(a, b event.Value) int {
	if an, ok := a.AsNumber(); ok {
		bn, ok := b.AsNumber()
		if !ok {
			return incomparable
		}
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	if at, ok := a.AsTime(); ok {
		bt, ok := b.AsTime()
		if !ok {
			s, isStr := b.AsString()
			if !isStr {
				return incomparable
			}
			parsed, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return incomparable
			}
			bt = parsed
		}
		return at.Compare(bt)
	}
	if a.Kind() == event.KindString && b.Kind() == event.KindString {
		return strings.Compare(a.String(), b.String())
	}
	if a.Kind() == b.Kind() && a.Equal(b) {
		return 0
	}
	return incomparable
}
