package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
	"github.com/crashkill/hub-automation-sub001/pulse/metrics"
)

// Messages recorded on executions the engine closes on its own
const (
	MsgStoppedByRequest    = "stopped by request"
	MsgStoppedBeforeStart  = "stopped before the plugin started"
	MsgStopNotAcknowledged = "stop not acknowledged within grace period"
	MsgNoResult            = "plugin returned no result"
	MsgReportedFailure     = "plugin reported failure"
	MsgInterrupted         = "interrupted by process shutdown"
)

// Config holds engine limits
type Config struct {
	DefaultTimeout time.Duration
	StopGrace      time.Duration
	HistoryLimit   int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		StopGrace:      10 * time.Second,
		HistoryLimit:   100,
	}
}

// ConfigFromAM converts the engine section of am.toml
func ConfigFromAM(c am.EngineConfig) Config {
	cfg := DefaultConfig()
	if d := c.DefaultTimeout(); d > 0 {
		cfg.DefaultTimeout = d
	}
	if d := c.StopGrace(); d > 0 {
		cfg.StopGrace = d
	}
	if c.HistoryLimit > 0 {
		cfg.HistoryLimit = c.HistoryLimit
	}
	return cfg
}

// Option configures an Engine
type Option func(*Engine)

// WithHistory sets the execution history store (default in-memory)
func WithHistory(h HistoryStore) Option {
	return func(e *Engine) { e.history = h }
}

// WithMetrics sets the aggregator updated on terminal transitions
func WithMetrics(a *metrics.Aggregator) Option {
	return func(e *Engine) { e.metrics = a }
}

// WithPublisher sets the event sink
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithPool dispatches runs through a worker pool instead of one goroutine each
func WithPool(p *async.WorkerPool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithClock injects the time source used for execution timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSampler attaches process resource sampling to every run
func WithSampler(s *async.ResourceSampler) Option {
	return func(e *Engine) { e.sampler = s }
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// slot is the per-automation current execution
type slot struct {
	exec          *Execution
	plugin        plugin.Plugin
	cancel        context.CancelFunc // nil until the run starts
	stopRequested bool
	closed        bool
	done          chan struct{}
}

type outcome struct {
	result *plugin.Result
	err    error
}

// Engine drives plugins through the execution state machine. At most one
// non-terminal execution exists per automation; further invocations are
// rejected until it closes.
type Engine struct {
	registry *plugin.Registry
	factory  *ContextFactory
	cfg      Config
	history  HistoryStore
	metrics  *metrics.Aggregator
	events   events.Publisher
	pool     *async.WorkerPool
	sampler  *async.ResourceSampler
	now      func() time.Time
	logger   *zap.SugaredLogger

	// mu guards slots and last. Events are published while holding it so
	// transitions of one automation reach the bus in order.
	mu       sync.Mutex
	slots    map[string]*slot
	pending  map[string]*Execution // reserved by Invoke, not yet started
	last     map[string]*Execution
	nextFire metrics.NextFireFunc
	closed   bool
	wg       sync.WaitGroup
}

// NewEngine creates an execution engine
func NewEngine(registry *plugin.Registry, factory *ContextFactory, cfg Config, log *zap.SugaredLogger, opts ...Option) *Engine {
	if factory == nil {
		factory = NewContextFactory(nil, nil, "", log)
	}
	defaults := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}

	e := &Engine{
		registry: registry,
		factory:  factory,
		cfg:      cfg,
		history:  NewMemoryHistory(),
		metrics:  metrics.NewAggregator(),
		events:   nopPublisher{},
		now:      time.Now,
		logger:   logger.OrNop(log).Named("pulse.engine"),
		slots:    make(map[string]*slot),
		pending:  make(map[string]*Execution),
		last:     make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns the aggregator the engine feeds
func (e *Engine) Metrics() *metrics.Aggregator {
	return e.metrics
}

// History returns the execution history store
func (e *Engine) History() HistoryStore {
	return e.history
}

// SetNextFireFunc wires the scheduler's next-fire lookup into status and metrics
func (e *Engine) SetNextFireFunc(fn metrics.NextFireFunc) {
	e.mu.Lock()
	e.nextFire = fn
	e.mu.Unlock()
	e.metrics.SetNextFireFunc(fn)
}

// Validate checks parameters against the plugin schema
func Validate(p plugin.Plugin, params map[string]any) error {
	return p.ValidateConfig(params).Err()
}

// EffectiveConfig overlays parameters on the plugin defaults
func EffectiveConfig(p plugin.Plugin, params map[string]any) map[string]any {
	config := p.GetDefaultConfig()
	if config == nil {
		config = make(map[string]any, len(params))
	}
	for k, v := range params {
		config[k] = v
	}
	return config
}

// Invoke starts an execution. Validation, missing-secret and single-flight
// failures are returned without creating an execution.
func (e *Engine) Invoke(ctx context.Context, req Request) (*Execution, error) {
	if req.AutomationID == "" {
		return nil, errors.NewInvalidRequestError("automation id is required")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = TriggerManual
	}
	if !req.TriggeredBy.Valid() {
		return nil, errors.NewInvalidRequestError("unknown trigger %q", req.TriggeredBy)
	}

	exec := &Execution{
		ID:             uuid.NewString(),
		AutomationID:   req.AutomationID,
		AutomationType: req.AutomationType,
		Status:         plugin.StatusRunning,
		TriggeredBy:    req.TriggeredBy,
		Priority:       req.Priority,
		UserID:         req.UserID,
	}

	// Reserve the automation before resolving the plugin so TypeInUse and
	// single-flight see the invocation while it is being prepared
	if err := e.reserve(exec); err != nil {
		return nil, err
	}
	claimed := false
	defer func() {
		if !claimed {
			e.release(exec)
		}
	}()

	p, err := e.registry.Lookup(req.AutomationType)
	if err != nil {
		return nil, err
	}
	if err := Validate(p, req.Parameters); err != nil {
		return nil, err
	}
	config := EffectiveConfig(p, req.Parameters)

	rc, err := e.factory.Build(ctx, p, exec, req.Secrets)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.pending, req.AutomationID)
	claimed = true
	if e.closed {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "execution engine is shutting down")
	}

	exec.StartedAt = e.now()
	s := &slot{exec: exec, plugin: p, done: make(chan struct{})}
	e.slots[req.AutomationID] = s

	job := func() { e.run(s, config, rc, timeout) }
	e.wg.Add(1)
	if e.pool != nil {
		if err := e.pool.Submit(req.Priority, job); err != nil {
			e.wg.Done()
			delete(e.slots, req.AutomationID)
			return nil, errors.Wrap(err, "failed to dispatch execution")
		}
	} else {
		go job()
	}

	e.saveLocked(exec, false)
	e.publishLocked(events.ExecutionStarted, exec, map[string]any{
		"triggered_by": string(exec.TriggeredBy),
		"priority":     exec.Priority.String(),
	})
	e.logger.Infow("Execution started",
		logger.FieldAutomationID, exec.AutomationID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldPlugin, exec.AutomationType,
		logger.FieldTrigger, exec.TriggeredBy,
		logger.FieldPriority, exec.Priority.String())

	return exec.Clone(), nil
}

// reserve claims the automation for an invocation still being prepared
func (e *Engine) reserve(exec *Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.Wrap(errors.ErrServiceUnavailable, "execution engine is shutting down")
	}
	if current, ok := e.slots[exec.AutomationID]; ok {
		return errors.NewAlreadyRunningError(exec.AutomationID, current.exec.ID)
	}
	if pending, ok := e.pending[exec.AutomationID]; ok {
		return errors.NewAlreadyRunningError(exec.AutomationID, pending.ID)
	}
	e.pending[exec.AutomationID] = exec
	return nil
}

func (e *Engine) release(exec *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pending, ok := e.pending[exec.AutomationID]; ok && pending == exec {
		delete(e.pending, exec.AutomationID)
	}
}

// run executes the plugin and closes the execution. It is the only writer of
// terminal state apart from Stop on a run that has not started.
func (e *Engine) run(s *slot, config map[string]any, rc *Context, timeout time.Duration) {
	defer e.wg.Done()

	e.mu.Lock()
	if s.closed {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	s.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	endSample := e.sampler.Begin()
	done := make(chan outcome, 1)
	go func() {
		done <- e.call(ctx, s, config, rc)
	}()

	select {
	case o := <-done:
		e.complete(s, o, rc, endSample(), ctx.Err(), timeout)
		return
	case <-ctx.Done():
	}

	e.mu.Lock()
	stopping := s.stopRequested
	e.mu.Unlock()

	if !stopping {
		// Deadline passed; ask the plugin to release its work
		if err := s.plugin.Stop(s.exec.ID); err != nil && !errors.IsNotFoundError(err) {
			e.logger.Warnw("Plugin stop after timeout failed",
				logger.FieldExecutionID, s.exec.ID,
				logger.FieldError, err)
		}
	}

	grace := time.NewTimer(e.cfg.StopGrace)
	defer grace.Stop()

	select {
	case o := <-done:
		e.complete(s, o, rc, endSample(), context.DeadlineExceeded, timeout)
	case <-grace.C:
		usage := endSample()
		e.mu.Lock()
		defer e.mu.Unlock()
		if s.stopRequested {
			e.finishLocked(s, plugin.StatusStopped, e.closingResult(nil, rc, usage, MsgStopNotAcknowledged), "")
			return
		}
		msg := errors.NewPluginTimeoutError(timeout).Error() + "; " + MsgStopNotAcknowledged
		e.finishLocked(s, plugin.StatusError, e.closingResult(nil, rc, usage, msg), errors.Kind(errors.ErrPluginTimeout))
	}
}

// call invokes Execute, turning a panic into a failure
func (e *Engine) call(ctx context.Context, s *slot, config map[string]any, rc *Context) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Plugin panicked",
				logger.FieldExecutionID, s.exec.ID,
				logger.FieldPlugin, s.exec.AutomationType,
				"panic", r)
			o = outcome{err: errors.NewPluginExecutionError(fmt.Sprintf("plugin panicked: %v", r))}
		}
	}()
	res, err := s.plugin.Execute(ctx, config, rc)
	return outcome{result: res, err: err}
}

// complete classifies a returned outcome and closes the execution
func (e *Engine) complete(s *slot, o outcome, rc *Context, usage async.ResourceUsage, ctxErr error, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timedOut := ctxErr == context.DeadlineExceeded && !s.stopRequested

	switch {
	case s.stopRequested:
		e.finishLocked(s, plugin.StatusStopped, e.closingResult(o.result, rc, usage, MsgStoppedByRequest), "")

	case timedOut || (o.err != nil && errors.Is(o.err, errors.ErrPluginTimeout)):
		// Whatever the plugin reported, a run past its deadline is a timeout
		e.finishLocked(s, plugin.StatusError,
			e.closingResult(o.result, rc, usage, errors.NewPluginTimeoutError(timeout).Error()),
			errors.Kind(errors.ErrPluginTimeout))

	case o.err != nil:
		kind := errors.Kind(o.err)
		if kind == "internal" {
			kind = errors.Kind(errors.ErrPluginExecution)
		}
		e.finishLocked(s, plugin.StatusError, e.closingResult(o.result, rc, usage, o.err.Error()), kind)

	case o.result == nil:
		e.finishLocked(s, plugin.StatusError, e.closingResult(nil, rc, usage, MsgNoResult),
			errors.Kind(errors.ErrPluginExecution))

	case !o.result.Success:
		msg := o.result.Error
		if msg == "" {
			msg = MsgReportedFailure
		}
		e.finishLocked(s, plugin.StatusError, e.closingResult(o.result, rc, usage, msg),
			errors.Kind(errors.ErrPluginExecution))

	default:
		e.finishLocked(s, plugin.StatusCompleted, e.closingResult(o.result, rc, usage, ""), "")
	}
}

// closingResult builds the stored result: context log lines first, then the
// plugin's own. A non-empty errMsg marks the result failed.
func (e *Engine) closingResult(from *plugin.Result, rc *Context, usage async.ResourceUsage, errMsg string) *plugin.Result {
	out := &plugin.Result{Success: errMsg == ""}
	logs := rc.Logs()
	if from != nil {
		out.Data = from.Data
		logs = append(logs, from.Logs...)
		if from.Metrics != nil {
			m := *from.Metrics
			out.Metrics = &m
		}
	}
	out.Logs = logs
	if out.Logs == nil {
		out.Logs = []string{}
	}
	out.Error = errMsg

	if out.Metrics == nil || out.Metrics.ResourceUsage == (plugin.ResourceUsage{}) {
		out.Metrics = &plugin.Metrics{ResourceUsage: plugin.ResourceUsage{
			CPU:     usage.CPUPercent,
			Memory:  usage.MemoryBytes,
			Network: usage.NetworkBytes,
		}}
	}
	return out
}

// finishLocked moves an execution to a terminal status exactly once
func (e *Engine) finishLocked(s *slot, status plugin.Status, result *plugin.Result, kind string) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)

	exec := s.exec
	now := e.now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	if exec.Duration < 0 {
		exec.Duration = 0
	}
	result.Metrics.Duration = exec.Duration
	exec.Result = result
	exec.ErrorKind = kind

	if current, ok := e.slots[exec.AutomationID]; ok && current == s {
		delete(e.slots, exec.AutomationID)
	}
	e.last[exec.AutomationID] = exec.Clone()

	e.saveLocked(exec, true)
	e.metrics.Record(exec.Sample())

	var ev events.Kind
	switch status {
	case plugin.StatusCompleted:
		ev = events.ExecutionCompleted
	case plugin.StatusStopped:
		ev = events.ExecutionStopped
	default:
		ev = events.ExecutionFailed
	}
	payload := map[string]any{
		"status":      string(status),
		"duration_ms": exec.Duration.Milliseconds(),
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if kind != "" {
		payload["error_kind"] = kind
	}
	e.publishLocked(ev, exec, payload)

	fields := []interface{}{
		logger.FieldAutomationID, exec.AutomationID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldStatus, status,
		logger.FieldDurationMS, exec.Duration.Milliseconds(),
	}
	if status == plugin.StatusError {
		e.logger.Warnw("Execution failed", append(fields, logger.FieldError, result.Error, logger.FieldErrorKind, kind)...)
	} else {
		e.logger.Infow("Execution finished", fields...)
	}
}

func (e *Engine) saveLocked(exec *Execution, terminal bool) {
	ctx := context.Background()
	if err := e.history.Save(ctx, exec); err != nil {
		e.logger.Errorw("Failed to save execution",
			logger.FieldExecutionID, exec.ID,
			logger.FieldError, err)
		return
	}
	if terminal && e.cfg.HistoryLimit > 0 {
		if _, err := e.history.Prune(ctx, exec.AutomationID, e.cfg.HistoryLimit); err != nil {
			e.logger.Warnw("Failed to prune execution history",
				logger.FieldAutomationID, exec.AutomationID,
				logger.FieldError, err)
		}
	}
}

func (e *Engine) publishLocked(kind events.Kind, exec *Execution, payload map[string]any) {
	e.events.Publish(events.Event{
		Kind:         kind,
		AutomationID: exec.AutomationID,
		ExecutionID:  exec.ID,
		Timestamp:    e.now(),
		Payload:      payload,
	})
}

// Stop requests cancellation of the automation's live execution. The
// execution closes as stopped once the plugin returns, or after the grace
// period if it never does.
func (e *Engine) Stop(automationID string) (*Execution, error) {
	e.mu.Lock()
	s, ok := e.slots[automationID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NewUnsupportedOperationError("stop", "automation "+automationID+" has no running execution")
	}
	if s.stopRequested {
		exec := s.exec.Clone()
		e.mu.Unlock()
		return exec, nil
	}
	s.stopRequested = true

	if s.cancel == nil {
		// Still queued; close without ever calling the plugin
		e.finishLocked(s, plugin.StatusStopped, &plugin.Result{
			Error:   MsgStoppedBeforeStart,
			Logs:    []string{},
			Metrics: &plugin.Metrics{},
		}, "")
		exec := s.exec.Clone()
		e.mu.Unlock()
		return exec, nil
	}
	cancel := s.cancel
	p := s.plugin
	exec := s.exec.Clone()
	e.mu.Unlock()

	e.logger.Infow("Stopping execution",
		logger.FieldAutomationID, automationID,
		logger.FieldExecutionID, exec.ID)

	if err := p.Stop(exec.ID); err != nil && !errors.IsNotFoundError(err) {
		e.logger.Warnw("Plugin stop failed",
			logger.FieldExecutionID, exec.ID,
			logger.FieldError, err)
	}
	cancel()
	return exec, nil
}

// Pause suspends the live execution of a pausable plugin
func (e *Engine) Pause(automationID string) (*Execution, error) {
	return e.transition(automationID, "pause", plugin.StatusRunning, plugin.StatusPaused, events.ExecutionPaused)
}

// Resume continues a paused execution
func (e *Engine) Resume(automationID string) (*Execution, error) {
	return e.transition(automationID, "resume", plugin.StatusPaused, plugin.StatusRunning, events.ExecutionResumed)
}

// transition calls into the plugin under the engine lock; Pause and Resume
// implementations must not block.
func (e *Engine) transition(automationID, op string, from, to plugin.Status, ev events.Kind) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[automationID]
	if !ok {
		return nil, errors.NewUnsupportedOperationError(op, "automation "+automationID+" has no running execution")
	}
	pp, ok := s.plugin.(plugin.PausablePlugin)
	if !ok {
		return nil, errors.NewUnsupportedOperationError(op, "plugin "+s.exec.AutomationType+" does not support pause")
	}
	if s.stopRequested || s.cancel == nil || s.exec.Status != from {
		return nil, errors.NewUnsupportedOperationError(op, "execution is "+string(s.exec.Status))
	}

	var err error
	if to == plugin.StatusPaused {
		err = pp.Pause(s.exec.ID)
	} else {
		err = pp.Resume(s.exec.ID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "plugin %s failed to %s", s.exec.AutomationType, op)
	}

	s.exec.Status = to
	e.saveLocked(s.exec, false)
	e.publishLocked(ev, s.exec, map[string]any{"status": string(to)})
	e.logger.Infow("Execution "+string(to),
		logger.FieldAutomationID, automationID,
		logger.FieldExecutionID, s.exec.ID)

	return s.exec.Clone(), nil
}

// Status projects the automation's state: live status, scheduled when idle
// with a future fire time, else the last terminal status, else idle.
func (e *Engine) Status(automationID string) plugin.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.slots[automationID]; ok {
		return s.exec.Status
	}
	if e.nextFire != nil {
		if next, ok := e.nextFire(automationID); ok && next.After(e.now()) {
			return plugin.StatusScheduled
		}
	}
	if last, ok := e.last[automationID]; ok {
		return last.Status
	}
	return plugin.StatusIdle
}

// Current returns the live execution of an automation
func (e *Engine) Current(automationID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[automationID]; ok {
		return s.exec.Clone(), true
	}
	return nil, false
}

// Last returns the most recent terminal execution of an automation
func (e *Engine) Last(automationID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.last[automationID]
	return last.Clone(), ok
}

// Running reports whether the automation has a live execution
func (e *Engine) Running(automationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.slots[automationID]
	return ok
}

// TypeInUse reports whether any live or reserved execution uses the automation type
func (e *Engine) TypeInUse(automationType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.slots {
		if s.exec.AutomationType == automationType {
			return true
		}
	}
	for _, exec := range e.pending {
		if exec.AutomationType == automationType {
			return true
		}
	}
	return false
}

// Live returns every live execution
func (e *Engine) Live() []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Execution, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s.exec.Clone())
	}
	return out
}

// GetExecution finds an execution by id, live ones first
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	e.mu.Lock()
	for _, s := range e.slots {
		if s.exec.ID == executionID {
			exec := s.exec.Clone()
			e.mu.Unlock()
			return exec, nil
		}
	}
	e.mu.Unlock()
	return e.history.Get(ctx, executionID)
}

// Await blocks until the automation has no live execution and returns the last one
func (e *Engine) Await(ctx context.Context, automationID string) (*Execution, error) {
	e.mu.Lock()
	s, ok := e.slots[automationID]
	if !ok {
		last, found := e.last[automationID]
		e.mu.Unlock()
		if !found {
			return nil, errors.NewNotFoundError("execution for automation", automationID)
		}
		return last.Clone(), nil
	}
	done := s.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return s.exec.Clone(), nil
}

// Forget drops everything the engine knows about a deleted automation
func (e *Engine) Forget(ctx context.Context, automationID string) error {
	e.mu.Lock()
	if s, ok := e.slots[automationID]; ok {
		e.mu.Unlock()
		return errors.NewInUseError("automation", automationID+" (execution "+s.exec.ID+")")
	}
	if exec, ok := e.pending[automationID]; ok {
		e.mu.Unlock()
		return errors.NewInUseError("automation", automationID+" (execution "+exec.ID+")")
	}
	delete(e.last, automationID)
	e.mu.Unlock()

	e.metrics.Forget(automationID)
	if err := e.history.DeleteByAutomation(ctx, automationID); err != nil {
		return err
	}
	return e.factory.KV().DeleteScope(ctx, automationID)
}

// Recover closes executions a previous process left live. Only the process
// holding the engine lease may call it; another process's live runs would
// otherwise be rewritten.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	n, err := e.history.RecoverInterrupted(ctx, MsgInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warnw("Closed interrupted executions", logger.FieldCount, n)
	}
	return n, nil
}

// Restore rebuilds metrics and last-status from the terminal executions in
// history. It never modifies stored records.
func (e *Engine) Restore(ctx context.Context) error {
	list, err := e.history.ListTerminal(ctx)
	if err != nil {
		return err
	}
	samples := make([]metrics.Sample, 0, len(list))
	e.mu.Lock()
	for _, exec := range list {
		samples = append(samples, exec.Sample())
		e.last[exec.AutomationID] = exec
	}
	e.mu.Unlock()
	e.metrics.Rebuild(samples)

	e.logger.Infow("Execution history restored", logger.FieldCount, len(list))
	return nil
}

// Shutdown rejects new invocations, stops live executions and waits for
// them to close
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if _, err := e.Stop(id); err != nil && !errors.Is(err, errors.ErrUnsupportedOperation) {
			e.logger.Warnw("Failed to stop execution on shutdown",
				logger.FieldAutomationID, id,
				logger.FieldError, err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Infow("Execution engine stopped", "stopped", len(ids))
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for executions to stop")
	}
}
