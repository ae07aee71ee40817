package async

import (
	"strings"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// Priority orders contention for workers. It never preempts a running task.
// The zero value is medium.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of p
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "medium"
	}
}

// ParsePriority parses a wire name; "" means medium
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityMedium, errors.NewInvalidRequestError("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
