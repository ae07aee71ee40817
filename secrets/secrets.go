// Package secrets resolves named secrets for execution contexts.
//
// Providers are consulted in order by Chain; the first provider that knows a
// name wins. A provider error aborts resolution rather than falling through,
// so a broken backend never silently yields an empty value.
package secrets

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// Provider looks up secrets by name
type Provider interface {
	Name() string
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// EnvProvider reads secrets from environment variables. The name "api_token"
// with prefix "HUB_SECRET_" is read from HUB_SECRET_API_TOKEN.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider creates an environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Lookup(_ context.Context, name string) (string, bool, error) {
	key := p.Prefix + envKey(name)
	v, ok := os.LookupEnv(key)
	return v, ok, nil
}

func envKey(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(r.Replace(name))
}

// FileProvider reads a dotenv file once at construction
type FileProvider struct {
	path   string
	values map[string]string
}

// NewFileProvider loads KEY=VALUE pairs from path
func NewFileProvider(path string) (*FileProvider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read secrets file %s", path)
	}

	values := make(map[string]string)
	for _, key := range v.AllKeys() {
		// viper lowercases keys
		values[key] = v.GetString(key)
	}
	return &FileProvider{path: path, values: values}, nil
}

func (p *FileProvider) Name() string { return "file:" + p.path }

func (p *FileProvider) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := p.values[strings.ToLower(envKey(name))]
	return v, ok, nil
}

// MemoryProvider holds secrets in memory
type MemoryProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryProvider creates a provider seeded with values
func NewMemoryProvider(values map[string]string) *MemoryProvider {
	m := &MemoryProvider{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) Lookup(_ context.Context, name string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok, nil
}

// Set stores a secret
func (p *MemoryProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}

// Chain consults providers in order
type Chain []Provider

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c Chain) Lookup(ctx context.Context, name string) (string, bool, error) {
	for _, p := range c {
		v, ok, err := p.Lookup(ctx, name)
		if err != nil {
			return "", false, errors.Wrapf(err, "secret provider %s", p.Name())
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Resolve looks up every name and fails on the first one no provider supplies.
// An empty value counts as missing.
func Resolve(ctx context.Context, p Provider, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	if p == nil {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return nil, errors.NewMissingSecretError(sorted[0])
	}
	for _, name := range names {
		v, ok, err := p.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok || v == "" {
			return nil, errors.NewMissingSecretError(name)
		}
		out[name] = v
	}
	return out, nil
}
