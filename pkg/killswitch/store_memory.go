package killswitch

import (
	"context"
	"sync"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// MemoryStore keeps the state in process. It is only shared between
// schedulers that hold the same *MemoryStore.
type MemoryStore struct {
	mu    sync.Mutex
	state contracts.KillSwitchState
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (contracts.KillSwitchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, changed := fn(m.state)
	if changed {
		m.state = next
	}
	return m.state, changed, nil
}
