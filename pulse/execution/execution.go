// Package execution owns the run lifecycle of automations: the Execution
// record, the per-run context handed to plugins, execution history and the
// Engine that drives plugins through the status state machine.
package execution

import (
	"time"

	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/metrics"
)

// Trigger records what caused an execution
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerAPI      Trigger = "api"
	TriggerWebhook  Trigger = "webhook"
)

// Valid reports whether t is a known trigger
func (t Trigger) Valid() bool {
	switch t {
	case TriggerSchedule, TriggerManual, TriggerAPI, TriggerWebhook:
		return true
	}
	return false
}

// Execution is one attempt to run an automation.
// Result is set only once Status is terminal; the record is not modified after that.
type Execution struct {
	ID             string         `json:"id"`
	AutomationID   string         `json:"automation_id"`
	AutomationType string         `json:"automation_type"`
	Status         plugin.Status  `json:"status"`
	TriggeredBy    Trigger        `json:"triggered_by"`
	Priority       async.Priority `json:"priority"`
	UserID         string         `json:"user_id,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Result         *plugin.Result `json:"result,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
}

// Clone returns a deep enough copy for readers; Result data is shared
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Result != nil {
		r := *e.Result
		r.Logs = append([]string(nil), e.Result.Logs...)
		if e.Result.Metrics != nil {
			m := *e.Result.Metrics
			r.Metrics = &m
		}
		c.Result = &r
	}
	return &c
}

// Sample converts a terminal execution for the metrics aggregator
func (e *Execution) Sample() metrics.Sample {
	s := metrics.Sample{
		AutomationID: e.AutomationID,
		Status:       e.Status,
		StartedAt:    e.StartedAt,
		Duration:     e.Duration,
	}
	if e.CompletedAt != nil {
		s.CompletedAt = *e.CompletedAt
	}
	if e.Result != nil && e.Result.Metrics != nil {
		s.Usage = e.Result.Metrics.ResourceUsage
	}
	return s
}

// Request describes one invocation
type Request struct {
	AutomationID   string
	AutomationType string
	Parameters     map[string]any
	// Timeout overrides the engine default when positive
	Timeout     time.Duration
	Priority    async.Priority
	TriggeredBy Trigger
	UserID      string
	// Secrets lists secret names the definition requires on top of the plugin's own
	Secrets []string
}
