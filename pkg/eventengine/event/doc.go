// Package event defines the immutable Event value that flows through the engine.
//
// An Event carries an identity, a type, a severity, a source, a timestamp, and
// a set of typed attributes. Events are never modified once constructed:
// enrichment produces a new Event via Derive, which records the original's ID
// in the caused_by attribute.
//
// Attribute values are a closed set of kinds (string, number, bool, time and
// nested map) so that a stored event decodes back to an equal value.
//
// Basic usage:
//
//	evt, err := event.New(event.TypeLoginAttempt, event.SeverityInfo, "auth-service",
//	    event.WithAttr("user", event.StringValue("alice")),
//	    event.WithAttr("success", event.BoolValue(false)),
//	)
package event
