package execution

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// KVStore is the backend behind plugin storage. Scopes isolate automations.
type KVStore interface {
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Set(ctx context.Context, scope, key, value string) error
	Delete(ctx context.Context, scope, key string) error
	DeleteScope(ctx context.Context, scope string) error
}

// Scoped binds a KVStore to one scope as a plugin.Storage
func Scoped(kv KVStore, scope string) plugin.Storage {
	return scopedStorage{kv: kv, scope: scope}
}

type scopedStorage struct {
	kv    KVStore
	scope string
}

func (s scopedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	return s.kv.Get(ctx, s.scope, key)
}

func (s scopedStorage) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.NewInvalidRequestError("storage key cannot be empty")
	}
	return s.kv.Set(ctx, s.scope, key, value)
}

func (s scopedStorage) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, s.scope, key)
}

// MemoryKV is an in-process KVStore
type MemoryKV struct {
	mu     sync.RWMutex
	scopes map[string]map[string]string
}

// NewMemoryKV creates an empty store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{scopes: make(map[string]map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scopes[scope][key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scopes[scope] == nil {
		m.scopes[scope] = make(map[string]string)
	}
	m.scopes[scope][key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes[scope], key)
	return nil
}

func (m *MemoryKV) DeleteScope(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scope)
	return nil
}

// SQLKV stores plugin values in the plugin_storage table
type SQLKV struct {
	db *sql.DB
}

// NewSQLKV creates a KVStore over a migrated database
func NewSQLKV(db *sql.DB) *SQLKV {
	return &SQLKV{db: db}
}

func (s *SQLKV) Get(ctx context.Context, scope, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_storage WHERE scope = ? AND key = ?`, scope, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read storage key %s/%s", scope, key)
	}
	return value, true, nil
}

func (s *SQLKV) Set(ctx context.Context, scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_storage (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, key, value, FormatTime(time.Now()))
	if err != nil {
		return errors.Wrapf(err, "failed to write storage key %s/%s", scope, key)
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, scope, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_storage WHERE scope = ? AND key = ?`, scope, key); err != nil {
		return errors.Wrapf(err, "failed to delete storage key %s/%s", scope, key)
	}
	return nil
}

func (s *SQLKV) DeleteScope(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_storage WHERE scope = ?`, scope); err != nil {
		return errors.Wrapf(err, "failed to delete storage scope %s", scope)
	}
	return nil
}
