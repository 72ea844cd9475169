package bus

import (
	"fmt"
	"strings"
)

// Policy decides what happens when a subscriber inbox is full.
type Policy uint8

const (
	// Block waits up to the block timeout for room, then reports a
	// DeliveryTimeoutError to the publisher.
	Block Policy = iota

	// DropOldest evicts the oldest queued event to make room.
	DropOldest

	// DropNewest discards the event being published.
	DropNewest
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses a policy name as produced by String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "":
		return Block, nil
	case "drop-oldest", "drop_oldest":
		return DropOldest, nil
	case "drop-newest", "drop_newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
