package event

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is an attribute value. The zero Value is invalid.
//
// Map values are copied on construction and on access, so a Value is safe to
// share between goroutines.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	m    map[string]Value
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a numeric Value.
func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }

// IntValue returns a numeric Value from an integer.
func IntValue(i int64) Value { return Value{kind: KindNumber, num: float64(i)} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// TimeValue returns a timestamp Value normalized to UTC.
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: normalizeTime(t)} }

// MapValue returns a nested map Value holding a copy of m.
func MapValue(m map[string]Value) Value {
	return Value{kind: KindMap, m: copyValues(m)}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// Valid reports whether v holds a value.
func (v Value) Valid() bool { return v.kind != KindInvalid }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsTime returns the timestamp held by v.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// AsMap returns a copy of the nested map held by v.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return copyValues(v.m), true
}

// Any returns v as a plain Go value: string, float64, bool, time.Time or
// map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, inner := range v.m {
			out[k] = inner.Any()
		}
		return out
	default:
		return nil
	}
}

// String formats v for logs and metric keys.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindMap:
		keys := sortedKeys(v.m)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+v.m[k].String())
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "<invalid>"
	}
}

// Equal reports whether v and other hold the same variant and value.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num || (math.IsNaN(v.num) && math.IsNaN(other.num))
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	case KindMap:
		return valuesEqual(v.m, other.m)
	default:
		return true
	}
}

// FromAny converts a plain Go value into a Value. Integers and floats become
// numbers; maps with string keys become nested maps.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case float32:
		return NumberValue(float64(t)), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return NumberValue(float64(t)), nil
	case uint32:
		return NumberValue(float64(t)), nil
	case uint64:
		return NumberValue(float64(t)), nil
	case time.Time:
		return TimeValue(t), nil
	case time.Duration:
		return NumberValue(t.Seconds()), nil
	case map[string]Value:
		return MapValue(t), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, inner := range t {
			iv, err := FromAny(inner)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = iv
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute value type %T", x)
	}
}

// wireValue is the kind-tagged JSON form of a Value. Non-finite numbers are
// carried in Special since JSON has no literal for them.
type wireValue struct {
	Kind    string           `json:"kind"`
	String  *string          `json:"string,omitempty"`
	Number  *float64         `json:"number,omitempty"`
	Special string           `json:"special,omitempty"`
	Bool    *bool            `json:"bool,omitempty"`
	Time    *time.Time       `json:"time,omitempty"`
	Map     map[string]Value `json:"map,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindString:
		w.String = &v.str
	case KindNumber:
		switch {
		case math.IsNaN(v.num):
			w.Special = "NaN"
		case math.IsInf(v.num, 1):
			w.Special = "+Inf"
		case math.IsInf(v.num, -1):
			w.Special = "-Inf"
		default:
			w.Number = &v.num
		}
	case KindBool:
		w.Bool = &v.b
	case KindTime:
		w.Time = &v.t
	case KindMap:
		w.Map = v.m
		if w.Map == nil {
			w.Map = map[string]Value{}
		}
	default:
		return nil, fmt.Errorf("cannot encode invalid value")
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "string":
		if w.String == nil {
			return fmt.Errorf("string value missing")
		}
		*v = StringValue(*w.String)
	case "number":
		switch w.Special {
		case "NaN":
			*v = NumberValue(math.NaN())
		case "+Inf":
			*v = NumberValue(math.Inf(1))
		case "-Inf":
			*v = NumberValue(math.Inf(-1))
		default:
			if w.Number == nil {
				return fmt.Errorf("number value missing")
			}
			*v = NumberValue(*w.Number)
		}
	case "bool":
		if w.Bool == nil {
			return fmt.Errorf("bool value missing")
		}
		*v = BoolValue(*w.Bool)
	case "time":
		if w.Time == nil {
			return fmt.Errorf("time value missing")
		}
		*v = TimeValue(*w.Time)
	case "map":
		*v = Value{kind: KindMap, m: w.Map}
		if v.m == nil {
			v.m = map[string]Value{}
		}
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	return nil
}

func copyValues(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func valuesEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}
