package plugin

import (
	"context"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// UsageChecker reports whether any non-terminal execution uses automationType
type UsageChecker func(automationType string) bool

// RegisterOption modifies a Register call
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace allows Register to replace an existing binding. It behaves as
// Unregister followed by Register, so it fails with ErrInUse while the old
// binding has a live execution.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// Registry binds automation types to plugins. List order is insertion order.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	version string // plugin API version
	inUse   UsageChecker
}

// NewRegistry creates a registry for the given plugin API version
func NewRegistry(apiVersion string) *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		version: apiVersion,
	}
}

// SetUsageChecker installs the function consulted before a binding is removed
func (r *Registry) SetUsageChecker(fn UsageChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse = fn
}

// Register binds a plugin to its automation type
func (r *Registry) Register(p Plugin, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	metadata := p.Metadata()
	if metadata.Type == "" {
		return errors.NewInvalidRequestError("plugin %q has no automation type", metadata.Name)
	}
	if err := r.validateVersion(metadata); err != nil {
		return errors.Wrapf(err, "version incompatible for %s", metadata.Type)
	}
	if err := p.GetConfigSchema().Check(); err != nil {
		return errors.Wrapf(err, "invalid schema for %s", metadata.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[metadata.Type]; exists {
		if !o.replace {
			return errors.NewDuplicateTypeError(metadata.Type)
		}
		if err := r.removeLocked(metadata.Type); err != nil {
			return err
		}
	}

	r.plugins[metadata.Type] = p
	r.order = append(r.order, metadata.Type)
	return nil
}

// Unregister removes the binding for automationType
func (r *Registry) Unregister(automationType string) (Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plugins[automationType]
	if !ok {
		return nil, errors.NewNotFoundError("plugin", automationType)
	}
	if err := r.removeLocked(automationType); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) removeLocked(automationType string) error {
	if r.inUse != nil && r.inUse(automationType) {
		return errors.NewInUseError("plugin", automationType)
	}
	delete(r.plugins, automationType)
	for i, t := range r.order {
		if t == automationType {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves the plugin bound to automationType
func (r *Registry) Get(automationType string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[automationType]
	return p, ok
}

// Lookup is Get returning ErrNotFound for an unknown type
func (r *Registry) Lookup(automationType string) (Plugin, error) {
	p, ok := r.Get(automationType)
	if !ok {
		return nil, errors.NewNotFoundError("plugin", automationType)
	}
	return p, nil
}

// Types returns the registered automation types in insertion order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns all plugins in insertion order
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.plugins[t])
	}
	return out
}

// GetByCategory returns plugins of a category in insertion order
func (r *Registry) GetByCategory(category string) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Plugin
	for _, t := range r.order {
		if p := r.plugins[t]; p.Metadata().Category == category {
			out = append(out, p)
		}
	}
	return out
}

// InitializeAll initializes every plugin with the lifecycle capability, in insertion order
func (r *Registry) InitializeAll(ctx context.Context, services ServiceRegistry) error {
	for _, p := range r.List() {
		lp, ok := p.(LifecyclePlugin)
		if !ok {
			continue
		}
		if err := lp.Initialize(ctx, services); err != nil {
			return errors.Wrapf(err, "failed to initialize plugin %s", p.Metadata().Type)
		}
	}
	return nil
}

// ShutdownAll shuts down lifecycle plugins in reverse insertion order
func (r *Registry) ShutdownAll(ctx context.Context) error {
	plugins := r.List()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		lp, ok := plugins[i].(LifecyclePlugin)
		if !ok {
			continue
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to shutdown plugin %s", plugins[i].Metadata().Type))
		}
	}

	if len(errs) > 0 {
		return errors.Newf("shutdown errors: %v", errs)
	}
	return nil
}

// HealthCheckAll checks plugins with the health capability; others report healthy
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	results := make(map[string]HealthStatus)
	for _, p := range r.List() {
		if hc, ok := p.(HealthChecker); ok {
			results[p.Metadata().Type] = hc.Health(ctx)
			continue
		}
		results[p.Metadata().Type] = HealthStatus{Healthy: true}
	}
	return results
}

// validateVersion checks the plugin's API constraint against the registry version
func (r *Registry) validateVersion(metadata Metadata) error {
	if metadata.APIVersion == "" {
		return nil
	}

	apiVer, err := semver.NewVersion(r.version)
	if err != nil {
		return errors.Wrapf(err, "invalid plugin API version %s", r.version)
	}

	constraint, err := semver.NewConstraint(metadata.APIVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint %s", metadata.APIVersion)
	}

	if !constraint.Check(apiVer) {
		return errors.Newf("plugin requires API %s, but running %s", metadata.APIVersion, r.version)
	}

	return nil
}
