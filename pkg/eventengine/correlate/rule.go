package correlate

import (
	"fmt"
	"time"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
)

// Rule describes an ordered sequence of patterns that must be observed on the
// same correlation key within a time bound.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are matched in order. A one-step rule matches every qualifying event.
	Steps []match.Pattern `yaml:"steps" json:"steps"`

	// Within bounds the time from the first to the last matched event.
	Within time.Duration `yaml:"within" json:"within"`

	// KeyAttribute scopes state. Empty means the event source.
	KeyAttribute string `yaml:"key_attribute,omitempty" json:"key_attribute,omitempty"`

	// Severity of the emitted match event. Zero means warning.
	Severity event.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// Validate checks the rule and compiles its steps.
func (r Rule) Validate() error {
	_, err := compileRule(r)
	return err
}

type compiledRule struct {
	Rule
	steps []*match.Matcher
}

func compileRule(r Rule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, &engerrors.RuleConfigError{Message: "correlation rule id is required"}
	}
	if len(r.Steps) == 0 {
		return nil, &engerrors.RuleConfigError{RuleID: r.ID, Message: "at least one step is required"}
	}
	if r.Within <= 0 {
		return nil, &engerrors.RuleConfigError{
			RuleID:  r.ID,
			Message: fmt.Sprintf("within must be positive, got %s", r.Within),
		}
	}
	if r.Severity == 0 {
		r.Severity = event.SeverityWarning
	}
	if !r.Severity.Valid() {
		return nil, &engerrors.RuleConfigError{
			RuleID:  r.ID,
			Message: fmt.Sprintf("invalid severity %d", int(r.Severity)),
		}
	}

	cr := &compiledRule{Rule: r}
	for i, step := range r.Steps {
		m, err := step.Compile()
		if err != nil {
			return nil, &engerrors.RuleConfigError{
				RuleID:  r.ID,
				Message: fmt.Sprintf("step %d", i),
				Err:     err,
			}
		}
		cr.steps = append(cr.steps, m)
	}
	return cr, nil
}

// keyOf extracts the correlation key. Events without the key attribute never
// participate in the rule.
func (r *compiledRule) keyOf(evt event.Event) (string, bool) {
	if r.KeyAttribute == "" {
		return evt.Source(), true
	}
	v, ok := evt.Lookup(r.KeyAttribute)
	if !ok {
		return "", false
	}
	return v.String(), true
}

func (r *compiledRule) matchesAnyStep(evt event.Event) bool {
	for _, m := range r.steps {
		if m.Match(evt) {
			return true
		}
	}
	return false
}
