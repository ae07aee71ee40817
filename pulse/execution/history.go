package execution

import (
	"context"
	"sort"
	"sync"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// HistoryStore persists execution records
type HistoryStore interface {
	// Save inserts or replaces the record with e.ID
	// Save upserts a record; one that is already terminal never changes
	Save(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// ListByAutomation returns newest first; limit <= 0 means all
	ListByAutomation(ctx context.Context, automationID string, limit int) ([]*Execution, error)
	// ListTerminal returns every terminal record, oldest first
	ListTerminal(ctx context.Context) ([]*Execution, error)
	// Prune keeps the newest keep records of an automation
	Prune(ctx context.Context, automationID string, keep int) (int64, error)
	DeleteByAutomation(ctx context.Context, automationID string) error
	// RecoverInterrupted closes records left non-terminal by a previous process
	RecoverInterrupted(ctx context.Context, msg string) (int64, error)
}

// MemoryHistory is an in-process HistoryStore
type MemoryHistory struct {
	mu   sync.RWMutex
	byID map[string]*Execution
}

// NewMemoryHistory creates an empty in-memory history
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{byID: make(map[string]*Execution)}
}

func (m *MemoryHistory) Save(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[e.ID]; ok && existing.Status.IsTerminal() {
		return nil
	}
	m.byID[e.ID] = e.Clone()
	return nil
}

func (m *MemoryHistory) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("execution", id)
	}
	return e.Clone(), nil
}

func (m *MemoryHistory) ListByAutomation(_ context.Context, automationID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.collect(func(e *Execution) bool { return e.AutomationID == automationID })
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryHistory) ListTerminal(_ context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.collect(func(e *Execution) bool { return e.Status.IsTerminal() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryHistory) Prune(_ context.Context, automationID string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep <= 0 {
		return 0, nil
	}
	list := m.collect(func(e *Execution) bool { return e.AutomationID == automationID })
	sortNewestFirst(list)
	var removed int64
	for _, e := range list[min(keep, len(list)):] {
		delete(m.byID, e.ID)
		removed++
	}
	return removed, nil
}

func (m *MemoryHistory) DeleteByAutomation(_ context.Context, automationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.byID {
		if e.AutomationID == automationID {
			delete(m.byID, id)
		}
	}
	return nil
}

func (m *MemoryHistory) RecoverInterrupted(_ context.Context, msg string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.byID {
		if !e.Status.IsTerminal() {
			e.Status = plugin.StatusError
			e.ErrorKind = errors.Kind(errors.ErrPluginExecution)
			e.Result = plugin.Failed(msg)
			n++
		}
	}
	return n, nil
}

// collect must be called with m.mu held
func (m *MemoryHistory) collect(keep func(*Execution) bool) []*Execution {
	var out []*Execution
	for _, e := range m.byID {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func sortNewestFirst(list []*Execution) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].StartedAt.After(list[j].StartedAt)
	})
}
