package analytics

import (
	"context"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

// PersonaAnalytics reports success statistics for every active persona,
// hardest first. Personas with no battles report zeros.
func PersonaAnalytics(ctx context.Context, st interface {
	store.BattleStore
	store.PersonaStore
}) ([]referee.Stats, error) {
	personas, err := st.ListPersonas(ctx, true)
	if err != nil {
		return nil, err
	}
	battles, err := st.ListBattles(ctx, store.BattleFilter{})
	if err != nil {
		return nil, err
	}
	grouped := referee.GroupByPersona(battles)

	out := make([]referee.Stats, 0, len(personas))
	for _, p := range personas {
		s, ok := grouped[p.ID]
		if !ok {
			s = referee.Stats{PersonaID: p.ID}
		}
		s.PersonaName = p.Name
		out = append(out, s)
	}
	referee.SortByDifficulty(out)
	return out, nil
}
