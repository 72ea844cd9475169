package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolve resolves a value from variables or returns a literal.
// It handles quoted strings, booleans, null, numbers, and variable lookups.
// Unknown identifiers resolve to themselves as string literals.
func Resolve(s string, vars map[string]any) any {
	v, _ := resolve(s, vars, false)
	return v
}

// resolve is Resolve with optional strict identifier handling.
func resolve(s string, vars map[string]any, strict bool) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	if isQuoted(s) {
		return s[1 : len(s)-1], nil
	}

	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}

	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i, nil
		}
		if f, err := num.Float64(); err == nil {
			return f, nil
		}
	}

	if val, ok := vars[s]; ok {
		return val, nil
	}

	if strict {
		return nil, &UnknownVariableError{Name: s}
	}
	return s, nil
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')
}

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings are false,
// zero numbers are false, everything else is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case time.Time:
		return !val.IsZero()
	default:
		return true
	}
}

// ToFloat64 converts a value to float64 for numeric comparison.
// Timestamps convert to Unix seconds. Returns 0 for values that cannot be converted.
func ToFloat64(v any) float64 {
	f, _ := toNumber(v)
	return f
}

// toNumber reports whether v has a numeric reading.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case time.Time:
		return float64(val.UnixNano()) / 1e9, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return float64(t.UnixNano()) / 1e9, true
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// stringify formats a value for string comparison.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
