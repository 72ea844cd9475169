package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// BinaryOp is a function that compares two values and returns a boolean result.
type BinaryOp func(left, right any) bool

// Compare compares two values using the specified operator.
// Returns an error for unknown operators.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return compareEquals(left, right), nil
	case "!=":
		return !compareEquals(left, right), nil
	case "<":
		return compareOrdered(left, right, func(l, r float64) bool { return l < r }), nil
	case ">":
		return compareOrdered(left, right, func(l, r float64) bool { return l > r }), nil
	case "<=":
		return compareOrdered(left, right, func(l, r float64) bool { return l <= r }), nil
	case ">=":
		return compareOrdered(left, right, func(l, r float64) bool { return l >= r }), nil
	case "contains":
		return strings.Contains(stringify(left), stringify(right)), nil
	case "startswith":
		return strings.HasPrefix(stringify(left), stringify(right)), nil
	case "matches":
		return compareMatches(left, right)
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// compareEquals compares numerically when both sides are numbers, otherwise as strings.
func compareEquals(left, right any) bool {
	if isNumeric(left) && isNumeric(right) {
		return ToFloat64(left) == ToFloat64(right)
	}
	return stringify(left) == stringify(right)
}

func compareOrdered(left, right any, cmp func(l, r float64) bool) bool {
	l, okL := toNumber(left)
	r, okR := toNumber(right)
	if !okL || !okR {
		return false
	}
	return cmp(l, r)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, time.Time:
		return true
	default:
		return false
	}
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func compareMatches(left, right any) (bool, error) {
	re, err := compileRegex(stringify(right))
	if err != nil {
		return false, fmt.Errorf("matches: %w", err)
	}
	return re.MatchString(stringify(left)), nil
}
