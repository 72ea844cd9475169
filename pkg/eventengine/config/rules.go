package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/eventengine/pkg/eventengine/correlate"
	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/filter"
)

// RuleSet is the contents of a rule file. Filter rules keep file order.
//
//	filter:
//	  - id: drop-health
//	    action: deny
//	    types: [health-check]
//	correlation:
//	  - id: brute-force
//	    within: 60s
//	    key_attribute: user
//	    steps:
//	      - types: [login-attempt]
//	        where: [{key: success, op: eq, value: false}]
//	      - types: [login-attempt]
//	        where: [{key: success, op: eq, value: true}]
type RuleSet struct {
	Filter      []filter.Rule    `yaml:"filter"`
	Correlation []correlate.Rule `yaml:"correlation"`
}

// ParseRules decodes and validates a YAML rule set. Unknown keys are rejected.
func ParseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("decoding rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadRules reads and parses the rule file at path.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading rules: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Validate compiles every rule and returns all failures as
// *errors.RuleConfigError values.
func (rs RuleSet) Validate() error {
	var errs []error
	if _, err := filter.New(rs.Filter); err != nil {
		errs = append(errs, err)
	}
	if _, err := correlate.New(rs.Correlation); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckTypes reports every rule pattern naming a type reg does not know.
func (rs RuleSet) CheckTypes(reg *event.Registry) error {
	var errs []error
	check := func(ruleID string, types []event.Type) {
		for _, t := range types {
			if !reg.Known(t) {
				errs = append(errs, &engerrors.RuleConfigError{RuleID: ruleID, Message: fmt.Sprintf("unknown event type %q", t)})
			}
		}
	}
	for _, r := range rs.Filter {
		check(r.ID, r.Pattern.Types)
	}
	for _, r := range rs.Correlation {
		for _, step := range r.Steps {
			check(r.ID, step.Types)
		}
	}
	return errors.Join(errs...)
}
