package expr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownVariable is wrapped by errors for identifiers missing from vars
// when strict variable resolution is on.
var ErrUnknownVariable = errors.New("unknown variable")

// UnknownVariableError names the identifier that failed to resolve.
type UnknownVariableError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown variable %q", e.Name)
}

// Unwrap returns ErrUnknownVariable.
func (e *UnknownVariableError) Unwrap() error {
	return ErrUnknownVariable
}

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
	strict    bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom binary operator.
// The operator name should not conflict with built-in operators.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// WithStrictVariables makes unknown identifiers an error instead of a literal.
func WithStrictVariables() Option {
	return func(e *Evaluator) {
		e.strict = true
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a boolean expression against the provided variables.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	return e.evaluateCondition(expr, vars)
}

// Eval is a convenience function that evaluates an expression using
// the default evaluator (no custom operators, lenient variables).
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

// Validate checks an expression for syntax problems that do not depend on
// variable values: empty operands, unterminated quotes and bad regular
// expressions on the right of matches.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("empty expression")
	}
	if quoteOpen(expr) {
		return errors.New("unterminated quoted string")
	}
	return validateNode(expr)
}

func validateNode(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("missing operand")
	}
	if inner, ok := negation(expr); ok {
		return validateNode(inner)
	}
	for _, sep := range []string{" or ", " and "} {
		if left, right, ok := splitOutsideQuotes(expr, sep); ok {
			if err := validateNode(left); err != nil {
				return err
			}
			return validateNode(right)
		}
	}
	for _, op := range builtinOps {
		if left, right, ok := splitOutsideQuotes(expr, op.token); ok {
			if strings.TrimSpace(left) == "" || strings.TrimSpace(right) == "" {
				return fmt.Errorf("operator %s needs two operands", op.name)
			}
			if op.name == "matches" && isQuoted(strings.TrimSpace(right)) {
				pattern := strings.TrimSpace(right)
				if _, err := compileRegex(pattern[1 : len(pattern)-1]); err != nil {
					return fmt.Errorf("matches: %w", err)
				}
			}
			return nil
		}
	}
	return nil
}

// builtinOps lists comparison operators with longer tokens first to avoid
// partial matches.
var builtinOps = []struct {
	token string
	name  string
}{
	{"==", "=="},
	{"!=", "!="},
	{">=", ">="},
	{"<=", "<="},
	{">", ">"},
	{"<", "<"},
	{" contains ", "contains"},
	{" startswith ", "startswith"},
	{" matches ", "matches"},
}

// evaluateCondition evaluates a condition expression.
func (e *Evaluator) evaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if inner, ok := negation(expr); ok {
		result, err := e.evaluateCondition(inner, vars)
		if err != nil {
			return false, err
		}
		return !result, nil
	}

	// or binds loosest, so split on it first
	if left, right, ok := splitOutsideQuotes(expr, " or "); ok {
		l, err := e.evaluateCondition(left, vars)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return e.evaluateCondition(right, vars)
	}

	if left, right, ok := splitOutsideQuotes(expr, " and "); ok {
		l, err := e.evaluateCondition(left, vars)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return e.evaluateCondition(right, vars)
	}

	for _, op := range builtinOps {
		if left, right, ok := splitOutsideQuotes(expr, op.token); ok {
			l, r, err := e.operands(left, right, vars)
			if err != nil {
				return false, err
			}
			return Compare(l, r, op.name)
		}
	}

	for name, fn := range e.customOps {
		if left, right, ok := splitOutsideQuotes(expr, " "+name+" "); ok {
			l, r, err := e.operands(left, right, vars)
			if err != nil {
				return false, err
			}
			return fn(l, r), nil
		}
	}

	val, err := resolve(expr, vars, e.strict)
	if err != nil {
		return false, err
	}
	return IsTruthy(val), nil
}

func (e *Evaluator) operands(left, right string, vars map[string]any) (any, any, error) {
	l, err := resolve(left, vars, e.strict)
	if err != nil {
		return nil, nil, err
	}
	r, err := resolve(right, vars, e.strict)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

// negation strips a leading "not " or "!" (but not "!=").
func negation(expr string) (string, bool) {
	if strings.HasPrefix(expr, "not ") {
		return strings.TrimSpace(strings.TrimPrefix(expr, "not ")), true
	}
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		return strings.TrimSpace(strings.TrimPrefix(expr, "!")), true
	}
	return "", false
}

// splitOutsideQuotes splits expr at the first occurrence of sep that is not
// inside a quoted string.
func splitOutsideQuotes(expr, sep string) (string, string, bool) {
	var quote byte
	for i := 0; i+len(sep) <= len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if expr[i:i+len(sep)] == sep {
			return expr[:i], expr[i+len(sep):], true
		}
	}
	return "", "", false
}

func quoteOpen(expr string) bool {
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		}
	}
	return quote != 0
}
