// Package store persists battles, personas and scenarios.
package store

import (
	"context"
	"time"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// BattleFilter narrows ListBattles. Zero fields match everything.
type BattleFilter struct {
	PersonaID  string
	ScenarioID string
	Statuses   []contracts.BattleStatus
	Since      time.Time
	Limit      int
}

func (f BattleFilter) match(b *contracts.Battle) bool {
	if f.PersonaID != "" && b.PersonaID != f.PersonaID {
		return false
	}
	if f.ScenarioID != "" && b.ScenarioID != f.ScenarioID {
		return false
	}
	if !f.Since.IsZero() && b.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if b.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type BattleStore interface {
	CreateBattle(ctx context.Context, b *contracts.Battle) error
	UpdateBattle(ctx context.Context, b *contracts.Battle) error
	GetBattle(ctx context.Context, id string) (*contracts.Battle, error)
	// ListBattles returns matches newest first.
	ListBattles(ctx context.Context, f BattleFilter) ([]contracts.Battle, error)
}

type PersonaStore interface {
	CreatePersona(ctx context.Context, p *contracts.Persona) error
	UpdatePersona(ctx context.Context, p *contracts.Persona) error
	GetPersona(ctx context.Context, id string) (*contracts.Persona, error)
	// ListPersonas returns personas ordered by name.
	ListPersonas(ctx context.Context, activeOnly bool) ([]contracts.Persona, error)
}

type ScenarioStore interface {
	CreateScenario(ctx context.Context, s *contracts.Scenario) error
	UpdateScenario(ctx context.Context, s *contracts.Scenario) error
	GetScenario(ctx context.Context, id string) (*contracts.Scenario, error)
	ListScenarios(ctx context.Context) ([]contracts.Scenario, error)
}

// Store is the full persistence surface.
type Store interface {
	BattleStore
	PersonaStore
	ScenarioStore
}
