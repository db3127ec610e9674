package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// MemoryStore keeps everything in process. Values are copied on the way in
// and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	battles   map[string]contracts.Battle
	personas  map[string]*contracts.Persona
	scenarios map[string]contracts.Scenario
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		battles:   make(map[string]contracts.Battle),
		personas:  make(map[string]*contracts.Persona),
		scenarios: make(map[string]contracts.Scenario),
	}
}

func copyBattle(b contracts.Battle) contracts.Battle {
	if b.ProsodyFeatures != nil {
		f := make(contracts.ProsodyFeatures, len(b.ProsodyFeatures))
		for k, v := range b.ProsodyFeatures {
			f[k] = v
		}
		b.ProsodyFeatures = f
	}
	if b.GapReport != nil {
		b.GapReport = append([]string(nil), b.GapReport...)
	}
	return b
}

func (m *MemoryStore) CreateBattle(_ context.Context, b *contracts.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[b.ID]; ok {
		return fmt.Errorf("battle %s already exists", b.ID)
	}
	m.battles[b.ID] = copyBattle(*b)
	return nil
}

func (m *MemoryStore) UpdateBattle(_ context.Context, b *contracts.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[b.ID]; !ok {
		return contracts.ErrNotFound
	}
	m.battles[b.ID] = copyBattle(*b)
	return nil
}

func (m *MemoryStore) GetBattle(_ context.Context, id string) (*contracts.Battle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.battles[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := copyBattle(b)
	return &cp, nil
}

func (m *MemoryStore) ListBattles(_ context.Context, f BattleFilter) ([]contracts.Battle, error) {
	m.mu.RLock()
	var out []contracts.Battle
	for _, b := range m.battles {
		if f.match(&b) {
			out = append(out, copyBattle(b))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreatePersona(_ context.Context, p *contracts.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.personas[p.ID]; ok {
		return fmt.Errorf("persona %s already exists", p.ID)
	}
	m.personas[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) UpdatePersona(_ context.Context, p *contracts.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.personas[p.ID]; !ok {
		return contracts.ErrNotFound
	}
	m.personas[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetPersona(_ context.Context, id string) (*contracts.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListPersonas(_ context.Context, activeOnly bool) ([]contracts.Persona, error) {
	m.mu.RLock()
	var out []contracts.Persona
	for _, p := range m.personas {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, *p.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateScenario(_ context.Context, s *contracts.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenarios[s.ID]; ok {
		return fmt.Errorf("scenario %s already exists", s.ID)
	}
	m.scenarios[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateScenario(_ context.Context, s *contracts.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenarios[s.ID]; !ok {
		return contracts.ErrNotFound
	}
	m.scenarios[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetScenario(_ context.Context, id string) (*contracts.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListScenarios(_ context.Context) ([]contracts.Scenario, error) {
	m.mu.RLock()
	out := make([]contracts.Scenario, 0, len(m.scenarios))
	for _, s := range m.scenarios {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
