package referee

import (
	"math"
	"sort"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Stats aggregates judged battles. SuccessfulBattles uses the dual
// criterion, so SuccessfulBattles <= PrimarySuccesses <= TotalBattles.
type Stats struct {
	PersonaID         string  `json:"personaId"`
	PersonaName       string  `json:"personaName,omitempty"`
	TotalBattles      int     `json:"totalBattles"`
	PrimarySuccesses  int     `json:"primarySuccesses"`
	SuccessfulBattles int     `json:"successfulBattles"`
	SuccessRate       float64 `json:"successRate"`
	AverageScore      float64 `json:"averageScore"`
}

// Summarize computes Stats over battles that carry judge scores. Running and
// failed battles are ignored.
func Summarize(personaID string, battles []contracts.Battle) Stats {
	st := Stats{PersonaID: personaID}
	var sum float64
	for i := range battles {
		b := &battles[i]
		if !b.Finished() {
			continue
		}
		st.TotalBattles++
		sum += b.RefereeScore
		if b.IsPrimarySuccess() {
			st.PrimarySuccesses++
		}
		if b.IsUltimateSuccess() {
			st.SuccessfulBattles++
		}
	}
	if st.TotalBattles > 0 {
		st.SuccessRate = round2(float64(st.SuccessfulBattles) / float64(st.TotalBattles) * 100)
		st.AverageScore = round2(sum / float64(st.TotalBattles))
	}
	return st
}

// GroupByPersona summarizes battles per persona.
func GroupByPersona(battles []contracts.Battle) map[string]Stats {
	byPersona := make(map[string][]contracts.Battle)
	for _, b := range battles {
		byPersona[b.PersonaID] = append(byPersona[b.PersonaID], b)
	}
	out := make(map[string]Stats, len(byPersona))
	for id, bs := range byPersona {
		out[id] = Summarize(id, bs)
	}
	return out
}

// SortByDifficulty orders stats ascending by success rate, hardest first.
func SortByDifficulty(stats []Stats) {
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].SuccessRate != stats[j].SuccessRate {
			return stats[i].SuccessRate < stats[j].SuccessRate
		}
		return stats[i].PersonaID < stats[j].PersonaID
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
