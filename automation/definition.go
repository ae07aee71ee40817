// Package automation manages automation definitions and exposes the
// operations the API, CLI and MCP surfaces call: create, update, delete,
// start, stop, pause, resume and the status and type queries.
package automation

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
)

// CurrentSchemaVersion is stamped on definitions that do not set one
const CurrentSchemaVersion = 1

// Definition is the identity and policy of one configured automation
type Definition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name" validate:"required"`
	Description    string            `json:"description,omitempty"`
	Type           string            `json:"type" validate:"required"`
	SchemaVersion  int               `json:"schema_version"`
	Enabled        bool              `json:"enabled"`
	Schedule       schedule.Schedule `json:"schedule"`
	Parameters     map[string]any    `json:"parameters"`
	Priority       async.Priority    `json:"priority" validate:"oneof=-1 0 1 2"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"min=0"`
	Secrets        []string          `json:"secrets,omitempty"`
	Author         string            `json:"author,omitempty"`
	Category       string            `json:"category,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Timeout returns the per-run deadline override, zero meaning engine default
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Clone copies the definition including its maps and slices one level deep
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Parameters = cloneParams(d.Parameters)
	c.Secrets = append([]string(nil), d.Secrets...)
	c.Tags = append([]string(nil), d.Tags...)
	return &c
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// request builds the engine request for a run of d
func (d *Definition) request(trigger execution.Trigger, userID string) execution.Request {
	return execution.Request{
		AutomationID:   d.ID,
		AutomationType: d.Type,
		Parameters:     cloneParams(d.Parameters),
		Timeout:        d.Timeout(),
		Priority:       d.Priority,
		TriggeredBy:    trigger,
		UserID:         userID,
		Secrets:        d.Secrets,
	}
}

// validate reports struct tag violations under their JSON field names
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// normalize trims fields and rejects structurally invalid definitions.
// Parameter validation against the plugin schema happens in the Service.
func (d *Definition) normalize() error {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.Type = strings.TrimSpace(d.Type)

	if err := validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return errors.Wrap(err, "failed to validate automation definition")
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			problems = append(problems, fe.Field()+": "+violation(fe))
		}
		return errors.NewInvalidRequestError("invalid automation definition: %s", strings.Join(problems, "; "))
	}

	if d.SchemaVersion == 0 {
		d.SchemaVersion = CurrentSchemaVersion
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	d.Tags = dedupeTags(d.Tags)
	return nil
}

func violation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Param() == "0" {
			return "must not be negative"
		}
		return "must be at least " + fe.Param()
	case "oneof":
		if fe.Field() == "priority" {
			return "must be one of low, medium, high, critical"
		}
		return "must be one of " + fe.Param()
	}
	return "failed the " + fe.Tag() + " check"
}

// dedupeTags treats tags as a set, keeping first-seen order
func dedupeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Automation is a definition with its live projection
type Automation struct {
	*Definition
	Status   plugin.Status        `json:"status"`
	Current  *execution.Execution `json:"current,omitempty"`
	NextFire *time.Time           `json:"next_fire,omitempty"`
}

// Update changes selected fields of a definition. Nil fields are kept;
// Parameters replaces the whole mapping and is always revalidated.
type Update struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	Schedule       *schedule.Schedule `json:"schedule,omitempty"`
	Parameters     map[string]any     `json:"parameters,omitempty"`
	Priority       *async.Priority    `json:"priority,omitempty"`
	TimeoutSeconds *int               `json:"timeout_seconds,omitempty"`
	Secrets        []string           `json:"secrets,omitempty"`
	Author         *string            `json:"author,omitempty"`
	Category       *string            `json:"category,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
}

// apply returns the names of the fields it changed
func (u Update) apply(d *Definition) []string {
	var changed []string
	if u.Name != nil {
		d.Name = *u.Name
		changed = append(changed, "name")
	}
	if u.Description != nil {
		d.Description = *u.Description
		changed = append(changed, "description")
	}
	if u.Enabled != nil {
		d.Enabled = *u.Enabled
		changed = append(changed, "enabled")
	}
	if u.Schedule != nil {
		d.Schedule = *u.Schedule
		changed = append(changed, "schedule")
	}
	if u.Parameters != nil {
		d.Parameters = cloneParams(u.Parameters)
		changed = append(changed, "parameters")
	}
	if u.Priority != nil {
		d.Priority = *u.Priority
		changed = append(changed, "priority")
	}
	if u.TimeoutSeconds != nil {
		d.TimeoutSeconds = *u.TimeoutSeconds
		changed = append(changed, "timeout_seconds")
	}
	if u.Secrets != nil {
		d.Secrets = append([]string(nil), u.Secrets...)
		changed = append(changed, "secrets")
	}
	if u.Author != nil {
		d.Author = *u.Author
		changed = append(changed, "author")
	}
	if u.Category != nil {
		d.Category = *u.Category
		changed = append(changed, "category")
	}
	if u.Tags != nil {
		d.Tags = append([]string(nil), u.Tags...)
		changed = append(changed, "tags")
	}
	return changed
}

// Replace builds an Update that overwrites every mutable field with d's values
func Replace(d *Definition) Update {
	name, desc, enabled := d.Name, d.Description, d.Enabled
	sched, prio, timeout := d.Schedule, d.Priority, d.TimeoutSeconds
	author, category := d.Author, d.Category
	params := d.Parameters
	if params == nil {
		params = map[string]any{}
	}
	secrets := d.Secrets
	if secrets == nil {
		secrets = []string{}
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return Update{
		Name:           &name,
		Description:    &desc,
		Enabled:        &enabled,
		Schedule:       &sched,
		Parameters:     params,
		Priority:       &prio,
		TimeoutSeconds: &timeout,
		Secrets:        secrets,
		Author:         &author,
		Category:       &category,
		Tags:           tags,
	}
}
