package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

// Invoker starts a run for an automation. It must not block on the run itself.
type Invoker interface {
	Trigger(ctx context.Context, automationID string, trigger execution.Trigger) (*execution.Execution, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, automationID string, trigger execution.Trigger) (*execution.Execution, error)

// Trigger calls f
func (f InvokerFunc) Trigger(ctx context.Context, automationID string, trigger execution.Trigger) (*execution.Execution, error) {
	return f(ctx, automationID, trigger)
}

// Config contains configuration for the scheduler loop
type Config struct {
	TickInterval time.Duration // How often due automations are checked (default: 1 second)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TickInterval: 1 * time.Second,
	}
}

// Entry is one scheduled automation
type Entry struct {
	AutomationID string    `json:"automation_id"`
	Schedule     Schedule  `json:"schedule"`
	NextFire     time.Time `json:"next_fire"`
	LastFire     time.Time `json:"last_fire,omitempty"`
}

// Reasons attached to schedule.coalesced events
const (
	ReasonMissedTicks    = "missed_ticks"
	ReasonAlreadyRunning = "already_running"
)

// Scheduler holds the next fire time of every enabled, non-manual automation
// and hands due automations to the Invoker. Missed fires are coalesced into
// the latest one; nothing is queued.
type Scheduler struct {
	invoker  Invoker
	events   events.Publisher
	now      func() time.Time
	interval time.Duration
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	entries         map[string]*Entry
	lastTickAt      time.Time
	ticksSinceStart int64
	fired           int64
	coalesced       int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPublisher sets the sink for schedule.coalesced events
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// New creates a scheduler
func New(invoker Invoker, cfg Config, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	return NewWithContext(context.Background(), invoker, cfg, log, opts...)
}

// NewWithContext creates a scheduler with a parent context
func NewWithContext(ctx context.Context, invoker Invoker, cfg Config, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	schedCtx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		invoker:  invoker,
		now:      time.Now,
		interval: cfg.TickInterval,
		logger:   logger.OrNop(log).Named("pulse.schedule"),
		entries:  make(map[string]*Entry),
		ctx:      schedCtx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set schedules or reschedules an automation. Manual or disabled automations
// are removed. A changed or newly enabled schedule is computed from now, so
// missed fires are never replayed; an unchanged schedule keeps its next fire.
func (s *Scheduler) Set(automationID string, sched Schedule, enabled bool) {
	if !enabled || sched.IsManual() {
		s.Remove(automationID)
		return
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[automationID]; ok && existing.Schedule.Equal(sched) {
		return
	}
	next, ok := sched.First(now)
	if !ok {
		delete(s.entries, automationID)
		return
	}
	s.entries[automationID] = &Entry{AutomationID: automationID, Schedule: sched, NextFire: next}

	s.logger.Infow("Automation scheduled",
		logger.FieldAutomationID, automationID,
		"schedule", sched.String(),
		logger.FieldNextFire, next)
}

// Remove stops scheduling an automation
func (s *Scheduler) Remove(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[automationID]; ok {
		delete(s.entries, automationID)
		s.logger.Infow("Automation unscheduled", logger.FieldAutomationID, automationID)
	}
}

// NextFire returns the next fire time of a scheduled automation
func (s *Scheduler) NextFire(automationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[automationID]; ok {
		return e.NextFire, true
	}
	return time.Time{}, false
}

// Entries returns every scheduled automation ordered by next fire
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].AutomationID < out[j].AutomationID
		}
		return out[i].NextFire.Before(out[j].NextFire)
	})
	return out
}

type dueFire struct {
	automationID string
	due          time.Time
	missed       int
}

// Tick fires every automation due at now and returns how many were handed
// to the invoker. Start calls it on every tick; tests call it directly.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	s.lastTickAt = now
	s.ticksSinceStart++

	var due []dueFire
	for id, e := range s.entries {
		if e.NextFire.After(now) {
			continue
		}
		next, missed := e.Schedule.Advance(e.NextFire, now)
		due = append(due, dueFire{automationID: id, due: e.NextFire, missed: missed})
		e.LastFire = now
		e.NextFire = next
	}
	s.mu.Unlock()

	// Earliest due first so a backlog fires in schedule order
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].automationID < due[j].automationID
		}
		return due[i].due.Before(due[j].due)
	})

	fired := 0
	for _, d := range due {
		if d.missed > 0 {
			s.publishCoalesced(d.automationID, d.missed, ReasonMissedTicks, now)
		}
		if s.fire(d, now) {
			fired++
		}
	}
	return fired
}

// fire invokes one due automation; a run still in flight coalesces the fire
func (s *Scheduler) fire(d dueFire, now time.Time) bool {
	exec, err := s.invoker.Trigger(s.ctx, d.automationID, execution.TriggerSchedule)
	switch {
	case err == nil:
		s.mu.Lock()
		s.fired++
		s.mu.Unlock()
		s.logger.Debugw("Scheduled fire",
			logger.FieldAutomationID, d.automationID,
			logger.FieldExecutionID, exec.ID,
			"due", d.due)
		return true

	case errors.Is(err, errors.ErrAlreadyRunning):
		s.publishCoalesced(d.automationID, 1, ReasonAlreadyRunning, now)
		return false

	case errors.Is(err, errors.ErrNotFound):
		// Definition disappeared between scheduling and firing
		s.Remove(d.automationID)
		return false

	default:
		s.logger.Warnw("Scheduled fire rejected",
			logger.FieldAutomationID, d.automationID,
			logger.FieldError, err,
			logger.FieldErrorKind, errors.Kind(err))
		return false
	}
}

func (s *Scheduler) publishCoalesced(automationID string, skipped int, reason string, now time.Time) {
	s.mu.Lock()
	s.coalesced += int64(skipped)
	s.mu.Unlock()

	s.logger.Infow("Scheduled fires coalesced",
		logger.FieldAutomationID, automationID,
		"skipped", skipped,
		"reason", reason)

	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Kind:         events.ScheduleCoalesced,
		AutomationID: automationID,
		Timestamp:    now,
		Payload: map[string]any{
			"skipped": skipped,
			"reason":  reason,
		},
	})
}

// Start begins the tick loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.interval)
}

// Stop gracefully stops the tick loop
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.interval.String(),
		"scheduled":         len(s.entries),
		"fired":             s.fired,
		"coalesced":         s.coalesced,
	}
}
