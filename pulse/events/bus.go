// Package events is the in-process event bus for automation lifecycle events.
//
// Publish never blocks on subscribers: each subscriber owns a mailbox drained
// by its own goroutine, so a slow or failing subscriber only delays itself.
// Events from one publisher goroutine reach every subscriber in publish order,
// which gives per-automation ordering as long as transitions for an automation
// are published in the order they happen.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
)

// Kind identifies an event type
type Kind string

const (
	ExecutionStarted   Kind = "execution.started"
	ExecutionCompleted Kind = "execution.completed"
	ExecutionFailed    Kind = "execution.failed"
	ExecutionPaused    Kind = "execution.paused"
	ExecutionResumed   Kind = "execution.resumed"
	ExecutionStopped   Kind = "execution.stopped"
	ConfigUpdated      Kind = "config.updated"
	AutomationCreated  Kind = "automation.created"
	AutomationDeleted  Kind = "automation.deleted"
	PluginInstalled    Kind = "plugin.installed"
	PluginUninstalled  Kind = "plugin.uninstalled"
	ScheduleCoalesced  Kind = "schedule.coalesced"
)

// Event is one lifecycle notification
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	AutomationID string         `json:"automation_id,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Handler receives events. Returned errors and panics are logged and dropped.
type Handler func(Event) error

// Publisher is the narrow interface producers depend on
type Publisher interface {
	Publish(Event)
}

// DefaultMailboxSize bounds a subscriber's pending events
const DefaultMailboxSize = 4096

// Stats are bus counters
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Bus fans events out to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	mailboxSize int
	logger      *zap.SugaredLogger
	now         func() time.Time

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Bus
type Option func(*Bus)

// WithMailboxSize sets the per-subscriber pending limit; the oldest pending
// event is dropped when it is exceeded.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an event bus
func NewBus(log *zap.SugaredLogger, opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]*subscriber),
		mailboxSize: DefaultMailboxSize,
		logger:      logger.OrNop(log),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for the given kinds (all kinds when none are
// given) and returns a function that unsubscribes it.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil event handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "event bus closed")
	}

	b.nextID++
	id := b.nextID
	sub := newSubscriber(id, handler, kinds, b)
	b.subscribers[id] = sub
	go sub.run()

	b.logger.Debugw("Event subscriber added", "subscriber", id, "kinds", kinds)

	return func() { b.unsubscribe(id) }, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers ev to every interested subscriber without waiting for them
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subscribers {
		if sub.wants(ev.Kind) {
			sub.enqueue(ev)
		}
	}
}

// Close stops accepting events and waits for subscribers to drain their mailboxes
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for _, sub := range subs {
		sub.wait()
	}
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Failed:      b.failed.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// dispatch runs one handler call with panic recovery
func (b *Bus) dispatch(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Errorw("Event handler panic recovered",
				"subscriber", sub.id,
				"kind", ev.Kind,
				"event_id", ev.ID,
				"panic", r)
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.failed.Add(1)
		b.logger.Warnw("Event handler failed",
			"subscriber", sub.id,
			"kind", ev.Kind,
			"event_id", ev.ID,
			logger.FieldError, err)
		return
	}
	b.delivered.Add(1)
}
