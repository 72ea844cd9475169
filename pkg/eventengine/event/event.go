package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
)

// AttrCausedBy is the attribute that links a derived event to its origin.
const AttrCausedBy = "caused_by"

// Event is an immutable occurrence observed by or produced within the engine.
// The zero Event is not valid; construct events with New or Derive.
type Event struct {
	id       string
	typ      Type
	severity Severity
	source   string
	ts       Timestamp
	attrs    map[string]Value
	payload  []byte
}

// Option configures event construction.
type Option func(*options)

type options struct {
	id       string
	wall     time.Time
	clock    *Clock
	registry *Registry
	attrs    map[string]Value
	payload  []byte
	causedBy string
	errs     []error
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithTimestamp sets the wall time of the event. Defaults to the clock's now.
func WithTimestamp(t time.Time) Option {
	return func(o *options) {
		o.wall = t
	}
}

// WithClock sets the clock used for the default wall time and logical counter.
func WithClock(c *Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRegistry accepts the custom types of r in addition to the built-ins.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithAttr sets a single attribute.
func WithAttr(key string, v Value) Option {
	return func(o *options) {
		o.attrs[key] = v
	}
}

// WithAttributes merges attrs into the event's attributes.
func WithAttributes(attrs map[string]Value) Option {
	return func(o *options) {
		for k, v := range attrs {
			o.attrs[k] = v
		}
	}
}

// WithAnyAttributes converts plain Go values into attributes.
func WithAnyAttributes(attrs map[string]any) Option {
	return func(o *options) {
		for k, raw := range attrs {
			v, err := FromAny(raw)
			if err != nil {
				o.errs = append(o.errs, &engerrors.ValidationError{Field: "attributes." + k, Message: err.Error()})
				continue
			}
			o.attrs[k] = v
		}
	}
}

// WithPayload attaches an opaque payload. The bytes are copied.
func WithPayload(p []byte) Option {
	return func(o *options) {
		o.payload = bytes.Clone(p)
	}
}

// WithCausedBy records the ID of the event this one was derived from.
func WithCausedBy(id string) Option {
	return func(o *options) {
		o.causedBy = id
	}
}

// New constructs and validates an event.
// Validation failures are returned as *errors.ValidationError.
func New(typ Type, severity Severity, source string, opts ...Option) (Event, error) {
	o := options{attrs: make(map[string]Value)}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.errs) > 0 {
		return Event{}, o.errs[0]
	}

	if typ == "" {
		return Event{}, &engerrors.ValidationError{Field: "type", Message: "must not be empty"}
	}
	if !o.registry.Known(typ) {
		return Event{}, &engerrors.ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", typ)}
	}
	if !severity.Valid() {
		return Event{}, &engerrors.ValidationError{Field: "severity", Message: fmt.Sprintf("invalid severity %d", int(severity))}
	}
	if err := checkToken("source", source); err != nil {
		return Event{}, err
	}
	for k, v := range o.attrs {
		if err := checkAttr(k, v); err != nil {
			return Event{}, err
		}
	}

	clock := o.clock
	if clock == nil {
		clock = systemClock
	}
	wall := o.wall
	if wall.IsZero() {
		wall = clock.Now()
	}

	id := o.id
	if id == "" {
		id = newID()
	} else if err := checkToken("id", id); err != nil {
		return Event{}, err
	}

	if o.causedBy != "" {
		o.attrs[AttrCausedBy] = StringValue(o.causedBy)
	}

	return Event{
		id:       id,
		typ:      typ,
		severity: severity,
		source:   source,
		ts:       clock.Stamp(wall),
		attrs:    o.attrs,
		payload:  o.payload,
	}, nil
}

// Derive builds a new event caused by e. The receiver is not modified.
func (e Event) Derive(typ Type, severity Severity, source string, opts ...Option) (Event, error) {
	opts = append(opts, WithCausedBy(e.id))
	return New(typ, severity, source, opts...)
}

// ID returns the event identifier.
func (e Event) ID() string { return e.id }

// Type returns the event type.
func (e Event) Type() Type { return e.typ }

// Severity returns the event severity.
func (e Event) Severity() Severity { return e.severity }

// Source returns the producer name.
func (e Event) Source() string { return e.source }

// Timestamp returns the event timestamp.
func (e Event) Timestamp() Timestamp { return e.ts }

// Time returns the wall time of the event.
func (e Event) Time() time.Time { return e.ts.Wall }

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool { return e.id == "" }

// IsDerived reports whether e was emitted by an engine component.
func (e Event) IsDerived() bool { return IsDerivedSource(e.source) }

// Attributes returns a copy of the event attributes.
func (e Event) Attributes() map[string]Value {
	return copyValues(e.attrs)
}

// Attr returns a single attribute.
func (e Event) Attr(key string) (Value, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// Lookup resolves a possibly dotted attribute path such as "geo.country".
// An exact key match takes precedence over descending into nested maps.
func (e Event) Lookup(path string) (Value, bool) {
	if v, ok := e.attrs[path]; ok {
		return v, true
	}
	current := e.attrs
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		current = v.m
	}
	return Value{}, false
}

// Number returns a numeric attribute.
func (e Event) Number(key string) (float64, bool) {
	v, ok := e.Lookup(key)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// Payload returns a copy of the opaque payload.
func (e Event) Payload() []byte {
	return bytes.Clone(e.payload)
}

// CausedBy returns the ID of the originating event, if any.
func (e Event) CausedBy() string {
	v, ok := e.attrs[AttrCausedBy]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// Equal reports whether e and other carry identical data.
func (e Event) Equal(other Event) bool {
	return e.id == other.id &&
		e.typ == other.typ &&
		e.severity == other.severity &&
		e.source == other.source &&
		e.ts.Compare(other.ts) == 0 &&
		valuesEqual(e.attrs, other.attrs) &&
		bytes.Equal(e.payload, other.payload)
}

// String returns a short description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s[%s %s from %s]", e.id, e.typ, e.severity, e.source)
}

type wireEvent struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	Severity   Severity         `json:"severity"`
	Source     string           `json:"source"`
	Timestamp  Timestamp        `json:"timestamp"`
	Attributes map[string]Value `json:"attributes,omitempty"`
	Payload    []byte           `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:         e.id,
		Type:       e.typ,
		Severity:   e.severity,
		Source:     e.source,
		Timestamp:  e.ts,
		Attributes: e.attrs,
		Payload:    e.payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("event id missing")
	}
	attrs := w.Attributes
	if attrs == nil {
		attrs = make(map[string]Value)
	}
	*e = Event{
		id:       w.ID,
		typ:      w.Type,
		severity: w.Severity,
		source:   w.Source,
		ts:       Timestamp{Wall: normalizeTime(w.Timestamp.Wall), Logical: w.Timestamp.Logical},
		attrs:    attrs,
		payload:  w.Payload,
	}
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func checkToken(field, s string) error {
	if s == "" {
		return &engerrors.ValidationError{Field: field, Message: "must not be empty"}
	}
	if strings.ContainsRune(s, 0) {
		return &engerrors.ValidationError{Field: field, Message: "must not contain NUL bytes"}
	}
	return nil
}

func checkAttr(key string, v Value) error {
	if key == "" {
		return &engerrors.ValidationError{Field: "attributes", Message: "attribute key must not be empty"}
	}
	if !v.Valid() {
		return &engerrors.ValidationError{Field: "attributes." + key, Message: "attribute value has no kind"}
	}
	if v.kind == KindMap {
		for k, inner := range v.m {
			if err := checkAttr(key+"."+k, inner); err != nil {
				return err
			}
		}
	}
	return nil
}
