package plugin

import (
	"context"
	"sync"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// finishedRetention bounds how many completed runs GetStatus still knows about
const finishedRetention = 128

// BasePlugin provides schema handling, per-execution status and cooperative
// stop/pause for plugins that embed it.
type BasePlugin struct {
	meta   Metadata
	schema Schema

	mu            sync.Mutex
	runs          map[string]*run
	finished      map[string]Status
	finishedOrder []string
}

type run struct {
	cancel context.CancelFunc
	status Status
	resume chan struct{} // non-nil while paused
}

// NewBasePlugin creates a BasePlugin for the given metadata and schema
func NewBasePlugin(meta Metadata, schema Schema) *BasePlugin {
	return &BasePlugin{
		meta:     meta,
		schema:   schema,
		runs:     make(map[string]*run),
		finished: make(map[string]Status),
	}
}

// Metadata returns plugin information
func (b *BasePlugin) Metadata() Metadata { return b.meta }

// GetConfigSchema returns the plugin schema
func (b *BasePlugin) GetConfigSchema() Schema { return b.schema }

// GetDefaultConfig returns a fresh map of schema defaults
func (b *BasePlugin) GetDefaultConfig() map[string]any { return b.schema.Defaults() }

// ValidateConfig validates against the plugin schema
func (b *BasePlugin) ValidateConfig(config map[string]any) ValidationResult {
	return b.schema.Validate(config)
}

// Track registers executionID as running. The returned context is cancelled
// by Stop; finish must be called exactly once with the final status.
func (b *BasePlugin) Track(ctx context.Context, executionID string) (context.Context, func(Status)) {
	runCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.runs[executionID] = &run{cancel: cancel, status: StatusRunning}
	b.mu.Unlock()

	finish := func(final Status) {
		cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.runs, executionID)
		b.finished[executionID] = final
		b.finishedOrder = append(b.finishedOrder, executionID)
		if len(b.finishedOrder) > finishedRetention {
			delete(b.finished, b.finishedOrder[0])
			b.finishedOrder = b.finishedOrder[1:]
		}
	}
	return runCtx, finish
}

// Stop cancels a tracked execution and releases it if paused
func (b *BasePlugin) Stop(executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[executionID]
	if !ok {
		return errors.NewNotFoundError("execution", executionID)
	}
	r.cancel()
	if r.resume != nil {
		close(r.resume)
		r.resume = nil
	}
	r.status = StatusStopped
	return nil
}

// GetStatus reports a tracked or recently finished execution
func (b *BasePlugin) GetStatus(executionID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.runs[executionID]; ok {
		return r.status, nil
	}
	if s, ok := b.finished[executionID]; ok {
		return s, nil
	}
	return "", errors.NewNotFoundError("execution", executionID)
}

// PauseRun marks a tracked execution paused; WaitIfPaused blocks until resumed
func (b *BasePlugin) PauseRun(executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[executionID]
	if !ok {
		return errors.NewNotFoundError("execution", executionID)
	}
	if r.status != StatusRunning {
		return errors.NewUnsupportedOperationError("pause", "execution is "+string(r.status))
	}
	r.status = StatusPaused
	r.resume = make(chan struct{})
	return nil
}

// ResumeRun releases a paused execution
func (b *BasePlugin) ResumeRun(executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[executionID]
	if !ok {
		return errors.NewNotFoundError("execution", executionID)
	}
	if r.status != StatusPaused {
		return errors.NewUnsupportedOperationError("resume", "execution is "+string(r.status))
	}
	r.status = StatusRunning
	close(r.resume)
	r.resume = nil
	return nil
}

// WaitIfPaused blocks while executionID is paused. Plugins call it between units of work.
func (b *BasePlugin) WaitIfPaused(ctx context.Context, executionID string) error {
	b.mu.Lock()
	r, ok := b.runs[executionID]
	var resume chan struct{}
	if ok {
		resume = r.resume
	}
	b.mu.Unlock()

	if resume == nil {
		return ctx.Err()
	}
	select {
	case <-resume:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
