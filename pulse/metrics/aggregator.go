// Package metrics folds terminal executions into per-automation statistics.
package metrics

import (
	"sync"
	"time"

	"github.com/crashkill/hub-automation-sub001/plugin"
)

// Sample is one terminal execution as seen by the aggregator
type Sample struct {
	AutomationID string
	Status       plugin.Status
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
	Usage        plugin.ResourceUsage
}

// Snapshot is the derived statistics for one automation.
// Stopped executions count toward TotalExecutions but are neither successes nor failures.
type Snapshot struct {
	AutomationID         string               `json:"automation_id"`
	TotalExecutions      int64                `json:"total_executions"`
	SuccessfulExecutions int64                `json:"successful_executions"`
	FailedExecutions     int64                `json:"failed_executions"`
	StoppedExecutions    int64                `json:"stopped_executions"`
	AverageDuration      time.Duration        `json:"average_duration"`
	LastExecution        *time.Time           `json:"last_execution,omitempty"`
	NextExecution        *time.Time           `json:"next_execution,omitempty"`
	SuccessRate          float64              `json:"success_rate"`
	ResourceUsage        plugin.ResourceUsage `json:"resource_usage"`
	PeakMemory           uint64               `json:"peak_memory"`
}

// NextFireFunc reports the next scheduled fire of an automation
type NextFireFunc func(automationID string) (time.Time, bool)

type counters struct {
	total, successful, failed, stopped int64
	meanNanos                          float64
	last                               time.Time
	usage                              plugin.ResourceUsage
	peakMemory                         uint64
}

// Aggregator keeps O(1)-updatable counters per automation
type Aggregator struct {
	mu       sync.RWMutex
	stats    map[string]*counters
	nextFire NextFireFunc
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[string]*counters)}
}

// SetNextFireFunc wires the scheduler's next-fire lookup into snapshots
func (a *Aggregator) SetNextFireFunc(fn NextFireFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextFire = fn
}

// Record folds one execution in. Non-terminal samples are ignored.
func (a *Aggregator) Record(s Sample) {
	if !s.Status.IsTerminal() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.stats[s.AutomationID]
	if !ok {
		c = &counters{}
		a.stats[s.AutomationID] = c
	}

	c.total++
	switch s.Status {
	case plugin.StatusCompleted:
		c.successful++
	case plugin.StatusError:
		c.failed++
	case plugin.StatusStopped:
		c.stopped++
	}

	// Running mean over terminal executions
	c.meanNanos += (float64(s.Duration) - c.meanNanos) / float64(c.total)

	if s.CompletedAt.After(c.last) {
		c.last = s.CompletedAt
	}
	c.usage = c.usage.Add(s.Usage)
	if s.Usage.Memory > c.peakMemory {
		c.peakMemory = s.Usage.Memory
	}
}

// Rebuild discards all counters and recomputes them from history
func (a *Aggregator) Rebuild(history []Sample) {
	a.mu.Lock()
	a.stats = make(map[string]*counters)
	a.mu.Unlock()

	for _, s := range history {
		a.Record(s)
	}
}

// Forget drops the counters of a deleted automation
func (a *Aggregator) Forget(automationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stats, automationID)
}

// Snapshot returns a copy of the statistics for automationID
func (a *Aggregator) Snapshot(automationID string) Snapshot {
	a.mu.RLock()
	c, ok := a.stats[automationID]
	var copied counters
	if ok {
		copied = *c
	}
	nextFire := a.nextFire
	a.mu.RUnlock()

	snap := Snapshot{
		AutomationID:         automationID,
		TotalExecutions:      copied.total,
		SuccessfulExecutions: copied.successful,
		FailedExecutions:     copied.failed,
		StoppedExecutions:    copied.stopped,
		AverageDuration:      time.Duration(copied.meanNanos),
		SuccessRate:          SuccessRate(copied.successful, copied.total),
		ResourceUsage:        copied.usage,
		PeakMemory:           copied.peakMemory,
	}
	if !copied.last.IsZero() {
		last := copied.last
		snap.LastExecution = &last
	}
	if nextFire != nil {
		if next, ok := nextFire(automationID); ok {
			snap.NextExecution = &next
		}
	}
	return snap
}

// All returns snapshots for every automation with recorded executions
func (a *Aggregator) All() []Snapshot {
	a.mu.RLock()
	ids := make([]string, 0, len(a.stats))
	for id := range a.stats {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.Snapshot(id))
	}
	return out
}

// SuccessRate is successful/total as a percentage in [0,100], and 0 when total is 0
func SuccessRate(successful, total int64) float64 {
	if total <= 0 || successful <= 0 {
		return 0
	}
	if successful >= total {
		return 100
	}
	return float64(successful) / float64(total) * 100
}
