// Package schedule computes next-fire times for automations and triggers
// due runs on a ticking loop.
package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// Kind selects how an automation is scheduled
type Kind string

const (
	KindManual   Kind = "manual"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
)

// MinInterval is the shortest accepted interval
const MinInterval = time.Second

// maxCatchUp bounds how many missed cron fires are counted when coalescing
const maxCatchUp = 10000

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a parsed schedule descriptor. The zero value is manual.
type Schedule struct {
	Kind     Kind
	Every    time.Duration
	Expr     string
	Timezone string

	cron cron.Schedule
	loc  *time.Location
}

// Spec is the serialized form used in JSON, TOML and YAML definitions
type Spec struct {
	Kind     string `json:"kind" toml:"kind" yaml:"kind"`
	Every    string `json:"every,omitempty" toml:"every,omitempty" yaml:"every,omitempty"`
	Expr     string `json:"expr,omitempty" toml:"expr,omitempty" yaml:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty" toml:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Manual returns the manual schedule
func Manual() Schedule {
	return Schedule{Kind: KindManual}
}

// Interval returns a fixed-interval schedule
func Interval(every time.Duration) (Schedule, error) {
	if every < MinInterval {
		return Schedule{}, errors.NewInvalidRequestError("interval must be at least %s, got %s", MinInterval, every)
	}
	return Schedule{Kind: KindInterval, Every: every}, nil
}

// Cron returns a cron schedule evaluated in timezone ("" means UTC)
func Cron(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, errors.NewInvalidRequestError("cron expression is required")
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Schedule{}, errors.WithHint(
				errors.NewInvalidRequestError("unknown timezone %q", timezone),
				"Use an IANA zone name such as Europe/Berlin")
		}
		loc = l
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, errors.NewInvalidRequestError("invalid cron expression %q: %v", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, Timezone: timezone, cron: parsed, loc: loc}, nil
}

// Parse reads the shorthand form: "" or "manual", "@every <duration>", or a
// cron expression.
func Parse(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == string(KindManual):
		return Manual(), nil
	case strings.HasPrefix(s, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(s, "@every ")))
		if err != nil {
			return Schedule{}, errors.NewInvalidRequestError("invalid interval %q: %v", s, err)
		}
		return Interval(d)
	default:
		return Cron(s, "")
	}
}

// FromSpec validates a serialized descriptor
func FromSpec(spec Spec) (Schedule, error) {
	switch Kind(strings.ToLower(spec.Kind)) {
	case "", KindManual:
		return Manual(), nil
	case KindInterval:
		d, err := time.ParseDuration(spec.Every)
		if err != nil {
			return Schedule{}, errors.NewInvalidRequestError("invalid interval %q: %v", spec.Every, err)
		}
		return Interval(d)
	case KindCron:
		return Cron(spec.Expr, spec.Timezone)
	default:
		return Schedule{}, errors.NewInvalidRequestError("unknown schedule kind %q", spec.Kind)
	}
}

// Spec returns the serialized descriptor
func (s Schedule) Spec() Spec {
	switch s.Kind {
	case KindInterval:
		return Spec{Kind: string(KindInterval), Every: s.Every.String()}
	case KindCron:
		return Spec{Kind: string(KindCron), Expr: s.Expr, Timezone: s.Timezone}
	default:
		return Spec{Kind: string(KindManual)}
	}
}

// IsManual reports whether s never fires on its own
func (s Schedule) IsManual() bool {
	return s.Kind == "" || s.Kind == KindManual
}

// Equal compares descriptors
func (s Schedule) Equal(o Schedule) bool {
	return s.Spec() == o.Spec()
}

// String renders the shorthand form accepted by Parse
func (s Schedule) String() string {
	switch s.Kind {
	case KindInterval:
		return "@every " + s.Every.String()
	case KindCron:
		if s.Timezone != "" {
			return s.Expr + " (" + s.Timezone + ")"
		}
		return s.Expr
	default:
		return string(KindManual)
	}
}

// First returns the first fire time strictly after now
func (s Schedule) First(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		return now.Add(s.Every), true
	case KindCron:
		if s.cron == nil {
			return time.Time{}, false
		}
		return s.cron.Next(now.In(s.loc)), true
	default:
		return time.Time{}, false
	}
}

// Advance returns the next fire time after a fire that was due at due, given
// the current time now, plus the number of fire times in between that were
// missed. Interval fires stay on the due + k*Every grid so delays do not
// accumulate.
func (s Schedule) Advance(due, now time.Time) (next time.Time, missed int) {
	switch s.Kind {
	case KindInterval:
		if now.Before(due) {
			return due.Add(s.Every), 0
		}
		missed = int(now.Sub(due) / s.Every)
		return due.Add(time.Duration(missed+1) * s.Every), missed
	case KindCron:
		if s.cron == nil {
			return time.Time{}, 0
		}
		next = s.cron.Next(due.In(s.loc))
		for !next.After(now) && missed < maxCatchUp {
			missed++
			next = s.cron.Next(next)
		}
		return next, missed
	default:
		return time.Time{}, 0
	}
}

// MarshalJSON encodes the Spec form
func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Spec())
}

// UnmarshalJSON decodes and validates the Spec form
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return errors.Wrap(err, "invalid schedule descriptor")
	}
	parsed, err := FromSpec(spec)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
