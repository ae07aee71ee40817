package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// Store persists automation definitions
type Store interface {
	Create(ctx context.Context, d *Definition) error
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Definition, error)
	// List returns definitions in creation order
	List(ctx context.Context) ([]*Definition, error)
	ListByType(ctx context.Context, automationType string) ([]*Definition, error)
}

// ErrAlreadyExists is returned when creating a definition whose id is taken
var ErrAlreadyExists = errors.Wrap(errors.ErrInvalidRequest, "automation already exists")

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	seq  map[string]int
	next int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs: make(map[string]*Definition),
		seq:  make(map[string]int),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[d.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "id %s", d.ID)
	}
	m.defs[d.ID] = d.Clone()
	m.next++
	m.seq[d.ID] = m.next
	return nil
}

func (m *MemoryStore) Update(_ context.Context, d *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[d.ID]; !ok {
		return errors.NewNotFoundError("automation", d.ID)
	}
	m.defs[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return errors.NewNotFoundError("automation", id)
	}
	delete(m.defs, id)
	delete(m.seq, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, errors.NewNotFoundError("automation", id)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Definition, error) {
	return m.filter(func(*Definition) bool { return true }), nil
}

func (m *MemoryStore) ListByType(_ context.Context, automationType string) ([]*Definition, error) {
	return m.filter(func(d *Definition) bool { return d.Type == automationType }), nil
}

func (m *MemoryStore) filter(keep func(*Definition) bool) []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Definition, 0, len(m.defs))
	for _, d := range m.defs {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out
}
