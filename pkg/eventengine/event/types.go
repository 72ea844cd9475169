package event

import (
	"sort"
	"strings"
	"sync"
)

// Type identifies the kind of an event.
type Type string

// Built-in event types.
const (
	TypeLoginAttempt    Type = "login-attempt"
	TypeMetricSample    Type = "metric-sample"
	TypeHealthCheck     Type = "health-check"
	TypeSecurityAlert   Type = "security-alert"
	TypeSystemError     Type = "system-error"
	TypeNetworkActivity Type = "network-activity"
	TypeResourceUsage   Type = "resource-usage"
	TypeUserAction      Type = "user-action"
	TypeConfigChange    Type = "config-change"
)

// Types produced by the engine itself.
const (
	TypeAggregateSummary  Type = "aggregate-summary"
	TypeCorrelationMatch  Type = "correlation-match"
	TypeAnomaly           Type = "anomaly"
	TypeProcessingFailure Type = "processing-failure"
)

// DerivedPrefix marks sources of events emitted by engine components.
const DerivedPrefix = "derived:"

var builtinTypes = map[Type]struct{}{
	TypeLoginAttempt:      {},
	TypeMetricSample:      {},
	TypeHealthCheck:       {},
	TypeSecurityAlert:     {},
	TypeSystemError:       {},
	TypeNetworkActivity:   {},
	TypeResourceUsage:     {},
	TypeUserAction:        {},
	TypeConfigChange:      {},
	TypeAggregateSummary:  {},
	TypeCorrelationMatch:  {},
	TypeAnomaly:           {},
	TypeProcessingFailure: {},
}

// IsBuiltinType reports whether t is one of the predefined types.
func IsBuiltinType(t Type) bool {
	_, ok := builtinTypes[t]
	return ok
}

// Registry is a set of accepted event types: the built-ins plus any
// application-defined ones. Each engine owns its own Registry.
type Registry struct {
	mu     sync.RWMutex
	custom map[Type]struct{}
}

// NewRegistry creates a registry accepting the built-in types and custom.
func NewRegistry(custom ...Type) (*Registry, error) {
	r := &Registry{custom: make(map[Type]struct{})}
	for _, t := range custom {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an application-defined type. Registering a built-in or an
// already registered type is a no-op.
func (r *Registry) Register(t Type) error {
	if err := checkToken("type", string(t)); err != nil {
		return err
	}
	if IsBuiltinType(t) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[t] = struct{}{}
	return nil
}

// Known reports whether t is built in or registered. A nil Registry knows
// only the built-ins.
func (r *Registry) Known(t Type) bool {
	if IsBuiltinType(t) {
		return true
	}
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.custom[t]
	return ok
}

// Types returns every accepted type in sorted order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(builtinTypes))
	for t := range builtinTypes {
		out = append(out, t)
	}
	if r != nil {
		r.mu.RLock()
		for t := range r.custom {
			out = append(out, t)
		}
		r.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DerivedSource returns the source name used by an engine component.
func DerivedSource(component string) string {
	return DerivedPrefix + component
}

// IsDerivedSource reports whether source belongs to an engine component.
func IsDerivedSource(source string) bool {
	return strings.HasPrefix(source, DerivedPrefix)
}
