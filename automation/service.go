package automation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/metrics"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
)

// Scheduler is the part of the schedule loop the Service drives
type Scheduler interface {
	Set(automationID string, sched schedule.Schedule, enabled bool)
	Remove(automationID string)
	NextFire(automationID string) (time.Time, bool)
}

// StartOptions describe who started a run
type StartOptions struct {
	Trigger execution.Trigger
	UserID  string
}

// Filter selects automations by status and type. Empty fields match all.
type Filter struct {
	Status plugin.Status
	Type   string
}

// Controller is the operation surface shared by an in-process Service and
// a client of a running hub's API
type Controller interface {
	List(ctx context.Context, f Filter) ([]*Automation, error)
	GetByID(ctx context.Context, id string) (*Automation, error)
	Metrics(ctx context.Context, id string) (metrics.Snapshot, error)
	Executions(ctx context.Context, id string, limit int) ([]*execution.Execution, error)
	Upsert(ctx context.Context, d *Definition) (*Automation, error)
	Update(ctx context.Context, id string, u Update) (*Automation, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string, opts StartOptions) (*execution.Execution, error)
	Stop(ctx context.Context, id string) (*execution.Execution, error)
	Await(ctx context.Context, id string) (*execution.Execution, error)
}

var _ Controller = (*Service)(nil)

// Option configures a Service
type Option func(*Service)

// WithScheduler wires the schedule loop
func WithScheduler(s Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

// WithPublisher sets the sink for definition and plugin events
func WithPublisher(p events.Publisher) Option {
	return func(svc *Service) { svc.events = p }
}

// WithClock injects the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithLogger sets the service logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(svc *Service) { svc.logger = logger.OrNop(log).Named("automation") }
}

type nopScheduler struct{}

func (nopScheduler) Set(string, schedule.Schedule, bool) {}
func (nopScheduler) Remove(string)                       {}
func (nopScheduler) NextFire(string) (time.Time, bool)   { return time.Time{}, false }

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Service owns automation definitions and routes lifecycle operations to the
// execution engine. Definition mutations are serialised against starts so a
// delete can never race a run into existence.
type Service struct {
	store     Store
	registry  *plugin.Registry
	engine    *execution.Engine
	scheduler Scheduler
	events    events.Publisher
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu sync.RWMutex
}

// NewService wires a Service. The registry's usage check and the engine's
// next-fire lookup are installed here.
func NewService(store Store, registry *plugin.Registry, engine *execution.Engine, opts ...Option) *Service {
	s := &Service{
		store:     store,
		registry:  registry,
		engine:    engine,
		scheduler: nopScheduler{},
		events:    nopPublisher{},
		now:       time.Now,
		logger:    logger.OrNop(nil).Named("automation"),
	}
	for _, opt := range opts {
		opt(s)
	}

	registry.SetUsageChecker(engine.TypeInUse)
	engine.SetNextFireFunc(s.scheduler.NextFire)
	return s
}

// Load schedules every stored definition. Definitions whose plugin is
// missing stay stored but are not scheduled.
func (s *Service) Load(ctx context.Context) error {
	defs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	scheduled := 0
	for _, d := range defs {
		if _, ok := s.registry.Get(d.Type); !ok {
			s.logger.Warnw("Automation references unregistered plugin",
				logger.FieldAutomationID, d.ID,
				logger.FieldPlugin, d.Type)
			continue
		}
		s.scheduler.Set(d.ID, d.Schedule, d.Enabled)
		if d.Enabled && !d.Schedule.IsManual() {
			scheduled++
		}
	}

	s.logger.Infow("Automations loaded",
		logger.FieldCount, len(defs),
		"scheduled", scheduled)
	return nil
}

// validate checks the definition against its plugin's schema
func (s *Service) validate(d *Definition) error {
	if err := d.normalize(); err != nil {
		return err
	}
	p, err := s.registry.Lookup(d.Type)
	if err != nil {
		return err
	}
	return execution.Validate(p, d.Parameters)
}

// Create validates and stores a new definition. An empty id is assigned.
func (s *Service) Create(ctx context.Context, d *Definition) (*Automation, error) {
	d = d.Clone()
	if err := s.validate(d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.scheduler.Set(d.ID, d.Schedule, d.Enabled)

	s.publish(events.AutomationCreated, d.ID, map[string]any{
		"name": d.Name,
		"type": d.Type,
	})
	s.logger.Infow("Automation created",
		logger.FieldAutomationID, d.ID,
		logger.FieldPlugin, d.Type,
		"schedule", d.Schedule.String())

	return s.project(d), nil
}

// Update applies u and revalidates the whole definition before persisting.
// A run in flight keeps the configuration it started with.
func (s *Service) Update(ctx context.Context, id string, u Update) (*Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	changed := u.apply(d)
	if err := s.validate(d); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return s.project(d), nil
	}
	d.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	s.scheduler.Set(d.ID, d.Schedule, d.Enabled)

	s.publish(events.ConfigUpdated, d.ID, map[string]any{
		"fields": changed,
	})
	s.logger.Infow("Automation updated",
		logger.FieldAutomationID, d.ID,
		"fields", changed)

	return s.project(d), nil
}

// Upsert creates d or replaces every mutable field of the stored copy.
// The automation type of an existing definition cannot change.
func (s *Service) Upsert(ctx context.Context, d *Definition) (*Automation, error) {
	if d.ID == "" {
		return nil, errors.NewInvalidRequestError("upsert requires an automation id")
	}
	existing, err := s.store.Get(ctx, d.ID)
	if errors.Is(err, errors.ErrNotFound) {
		return s.Create(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	if existing.Type != d.Type {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("automation %s has type %s, not %s", d.ID, existing.Type, d.Type),
			"delete the automation before changing its type")
	}
	return s.Update(ctx, d.ID, Replace(d))
}

// Delete removes a definition. It fails with ErrInUse while a run is live.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if current, ok := s.engine.Current(id); ok {
		return errors.NewInUseError("automation", id+" (execution "+current.ID+")")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.scheduler.Remove(id)
	if err := s.engine.Forget(ctx, id); err != nil {
		s.logger.Warnw("Failed to clear execution state of deleted automation",
			logger.FieldAutomationID, id,
			logger.FieldError, err)
	}

	s.publish(events.AutomationDeleted, id, nil)
	s.logger.Infow("Automation deleted", logger.FieldAutomationID, id)
	return nil
}

// Start invokes an automation. A zero trigger means manual.
func (s *Service) Start(ctx context.Context, id string, opts StartOptions) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Enabled {
		return nil, errors.NewUnsupportedOperationError("start", "automation "+id+" is disabled")
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = execution.TriggerManual
	}
	return s.engine.Invoke(ctx, d.request(trigger, opts.UserID))
}

// Trigger starts a run on behalf of a non-interactive source such as the scheduler
func (s *Service) Trigger(ctx context.Context, id string, trigger execution.Trigger) (*execution.Execution, error) {
	return s.Start(ctx, id, StartOptions{Trigger: trigger})
}

// Stop requests cancellation of the live run
func (s *Service) Stop(ctx context.Context, id string) (*execution.Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.Stop(id)
}

// Pause suspends the live run of a pausable plugin
func (s *Service) Pause(ctx context.Context, id string) (*execution.Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.Pause(id)
}

// Resume continues a paused run
func (s *Service) Resume(ctx context.Context, id string) (*execution.Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.Resume(id)
}

// GetByID returns a definition with its live projection
func (s *Service) GetByID(ctx context.Context, id string) (*Automation, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.project(d), nil
}

// List returns automations matching f in creation order
func (s *Service) List(ctx context.Context, f Filter) ([]*Automation, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.NewInvalidRequestError("unknown status %q", f.Status)
	}

	var (
		defs []*Definition
		err  error
	)
	if f.Type != "" {
		defs, err = s.store.ListByType(ctx, f.Type)
	} else {
		defs, err = s.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Automation, 0, len(defs))
	for _, d := range defs {
		a := s.project(d)
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ListByStatus returns automations whose projected status is status
func (s *Service) ListByStatus(ctx context.Context, status plugin.Status) ([]*Automation, error) {
	return s.List(ctx, Filter{Status: status})
}

// ListByType returns automations bound to automationType
func (s *Service) ListByType(ctx context.Context, automationType string) ([]*Automation, error) {
	return s.List(ctx, Filter{Type: automationType})
}

// Executions returns the newest executions of an automation
func (s *Service) Executions(ctx context.Context, id string, limit int) ([]*execution.Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.History().ListByAutomation(ctx, id, limit)
}

// Execution returns one execution by id
func (s *Service) Execution(ctx context.Context, executionID string) (*execution.Execution, error) {
	return s.engine.GetExecution(ctx, executionID)
}

// Metrics returns the statistics of an automation
func (s *Service) Metrics(ctx context.Context, id string) (metrics.Snapshot, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return metrics.Snapshot{}, err
	}
	return s.engine.Metrics().Snapshot(id), nil
}

// Await blocks until the automation has no live run
func (s *Service) Await(ctx context.Context, id string) (*execution.Execution, error) {
	return s.engine.Await(ctx, id)
}

// RegisterPlugin installs a plugin and announces it
func (s *Service) RegisterPlugin(p plugin.Plugin, opts ...plugin.RegisterOption) error {
	if err := s.registry.Register(p, opts...); err != nil {
		return err
	}
	meta := p.Metadata()
	s.publish(events.PluginInstalled, "", map[string]any{
		"type":    meta.Type,
		"version": meta.Version,
	})
	return nil
}

// UnregisterPlugin removes a plugin. It fails with ErrInUse while a run of
// that type is live.
func (s *Service) UnregisterPlugin(automationType string) error {
	p, err := s.registry.Unregister(automationType)
	if err != nil {
		return err
	}
	s.publish(events.PluginUninstalled, "", map[string]any{
		"type":    automationType,
		"version": p.Metadata().Version,
	})
	return nil
}

// Plugins returns the registered plugins in registration order
func (s *Service) Plugins() []plugin.Plugin {
	return s.registry.List()
}

// Plugin returns the plugin bound to automationType
func (s *Service) Plugin(automationType string) (plugin.Plugin, error) {
	return s.registry.Lookup(automationType)
}

// PluginHealth reports the health of plugins that implement a health check
func (s *Service) PluginHealth(ctx context.Context) map[string]plugin.HealthStatus {
	return s.registry.HealthCheckAll(ctx)
}

// project attaches the engine's view of the automation to a definition
func (s *Service) project(d *Definition) *Automation {
	a := &Automation{
		Definition: d,
		Status:     s.engine.Status(d.ID),
	}
	if current, ok := s.engine.Current(d.ID); ok {
		a.Current = current
	}
	if next, ok := s.scheduler.NextFire(d.ID); ok {
		a.NextFire = &next
	}
	return a
}

func (s *Service) publish(kind events.Kind, automationID string, payload map[string]any) {
	s.events.Publish(events.Event{
		Kind:         kind,
		AutomationID: automationID,
		Timestamp:    s.now(),
		Payload:      payload,
	})
}
