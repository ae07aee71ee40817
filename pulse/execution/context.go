package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/secrets"
)

// ContextFactory builds the per-run context handed to a plugin
type ContextFactory struct {
	secrets     secrets.Provider
	kv          KVStore
	environment string
	log         *zap.SugaredLogger
}

// NewContextFactory creates a factory. A nil provider resolves no secrets and
// a nil kv falls back to in-memory storage.
func NewContextFactory(provider secrets.Provider, kv KVStore, environment string, log *zap.SugaredLogger) *ContextFactory {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &ContextFactory{
		secrets:     provider,
		kv:          kv,
		environment: environment,
		log:         logger.OrNop(log).Named("plugin"),
	}
}

// KV returns the storage backend
func (f *ContextFactory) KV() KVStore {
	return f.kv
}

// Build resolves the plugin's required secrets plus extra and returns the
// context. An unresolved required secret fails construction.
func (f *ContextFactory) Build(ctx context.Context, p plugin.Plugin, e *Execution, extra []string) (*Context, error) {
	names := dedupe(append(plugin.RequiredSecrets(p), extra...))
	resolved, err := secrets.Resolve(ctx, f.secrets, names)
	if err != nil {
		return nil, err
	}

	base := f.log.With(
		logger.FieldAutomationID, e.AutomationID,
		logger.FieldExecutionID, e.ID,
		logger.FieldPlugin, e.AutomationType,
	)

	return &Context{
		executionID:  e.ID,
		automationID: e.AutomationID,
		userID:       e.UserID,
		environment:  f.environment,
		resolved:     resolved,
		provider:     f.secrets,
		storage:      Scoped(f.kv, e.AutomationID),
		log:          &runLogger{base: base},
	}, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Context implements plugin.ExecutionContext
type Context struct {
	executionID  string
	automationID string
	userID       string
	environment  string

	mu       sync.Mutex
	resolved map[string]string
	provider secrets.Provider

	storage plugin.Storage
	log     *runLogger
}

func (c *Context) ExecutionID() string  { return c.executionID }
func (c *Context) AutomationID() string { return c.automationID }
func (c *Context) UserID() string       { return c.userID }
func (c *Context) Environment() string  { return c.environment }
func (c *Context) Logger() plugin.Logger {
	return c.log
}
func (c *Context) Storage() plugin.Storage { return c.storage }

// Secret returns a resolved secret, consulting the provider for names that
// were not required up front
func (c *Context) Secret(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.resolved[name]; ok {
		return v, true
	}
	if c.provider == nil {
		return "", false
	}
	v, ok, err := c.provider.Lookup(context.Background(), name)
	if err != nil || !ok {
		return "", false
	}
	c.resolved[name] = v
	return v, true
}

// Secrets returns a copy of every secret resolved so far
func (c *Context) Secrets() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.resolved))
	for k, v := range c.resolved {
		out[k] = v
	}
	return out
}

// Logs returns the ordered lines written through the plugin logger
func (c *Context) Logs() []string {
	return c.log.lines()
}

// runLogger forwards to zap and keeps every line for the execution result
type runLogger struct {
	base *zap.SugaredLogger

	mu  sync.Mutex
	buf []string
}

func (l *runLogger) Info(msg string, kv ...any) {
	l.base.Infow(msg, kv...)
	l.append("info", msg, kv)
}

func (l *runLogger) Warn(msg string, kv ...any) {
	l.base.Warnw(msg, kv...)
	l.append("warn", msg, kv)
}

func (l *runLogger) Error(msg string, kv ...any) {
	l.base.Errorw(msg, kv...)
	l.append("error", msg, kv)
}

func (l *runLogger) Debug(msg string, kv ...any) {
	l.base.Debugw(msg, kv...)
	l.append("debug", msg, kv)
}

func (l *runLogger) append(level, msg string, kv []any) {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v", kv[len(kv)-1])
	}

	l.mu.Lock()
	l.buf = append(l.buf, b.String())
	l.mu.Unlock()
}

func (l *runLogger) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.buf...)
}
