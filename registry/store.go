package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

// Store persists callable definitions and agent links.
//
// UpsertCallables replaces each definition wholesale by id. InsertLink
// returns core.ErrDuplicateLink when the pair already exists; DeleteLink of
// a missing pair is not an error. Lists are ordered by name.
type Store interface {
	UpsertCallables(ctx context.Context, defs []core.CallableDefinition) error
	ListCallables(ctx context.Context) ([]core.CallableDefinition, error)
	GetCallable(ctx context.Context, id string) (*core.CallableDefinition, error)
	InsertLink(ctx context.Context, link core.AgentCallableLink) error
	DeleteLink(ctx context.Context, agentID, callableID string) error
	ListCallablesForAgent(ctx context.Context, agentID string) ([]core.CallableDefinition, error)
	Close() error
}

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	callables map[string]core.CallableDefinition
	links     map[string]map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		callables: make(map[string]core.CallableDefinition),
		links:     make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) UpsertCallables(ctx context.Context, defs []core.CallableDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range defs {
		m.callables[def.ID] = def
	}
	return nil
}

func (m *MemoryStore) ListCallables(ctx context.Context) ([]core.CallableDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.CallableDefinition, 0, len(m.callables))
	for _, def := range m.callables {
		out = append(out, def)
	}
	sortByName(out)
	return out, nil
}

func (m *MemoryStore) GetCallable(ctx context.Context, id string) (*core.CallableDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.callables[id]
	if !ok {
		return nil, core.ErrCallableNotFound
	}
	return &def, nil
}

func (m *MemoryStore) InsertLink(ctx context.Context, link core.AgentCallableLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.links[link.AgentID]
	if !ok {
		set = make(map[string]time.Time)
		m.links[link.AgentID] = set
	}
	if _, exists := set[link.CallableID]; exists {
		return core.ErrDuplicateLink
	}
	set[link.CallableID] = link.CreatedAt
	return nil
}

func (m *MemoryStore) DeleteLink(ctx context.Context, agentID, callableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.links[agentID]; ok {
		delete(set, callableID)
	}
	return nil
}

func (m *MemoryStore) ListCallablesForAgent(ctx context.Context, agentID string) ([]core.CallableDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.CallableDefinition
	for id := range m.links[agentID] {
		if def, ok := m.callables[id]; ok {
			out = append(out, def)
		}
	}
	sortByName(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortByName(defs []core.CallableDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].ID < defs[j].ID
	})
}
