// Package gates scores how closely a call follows the ordered sales script
// and recommends when to move to the next gate.
package gates

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// DefaultAdvanceThreshold is the similarity the current gate must exceed
// before the next gate is recommended.
const DefaultAdvanceThreshold = 0.75

// Spec describes one gate before it is embedded.
type Spec struct {
	Name      string
	Reference string
	Embedding []float32
}

type gate struct {
	number    int
	name      string
	embedding Embedding
}

// GateScore is the similarity of the transcript to one gate.
type GateScore struct {
	Gate       int     `json:"gate"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Result is the outcome of CheckAdherence.
type Result struct {
	Mode            string      `json:"mode"`
	Gates           []GateScore `json:"gates"`
	AdherenceScore  float64     `json:"adherenceScore"`
	CurrentGate     int         `json:"currentGate"`
	RecommendedGate int         `json:"recommendedGate"`
	Warning         string      `json:"warning,omitempty"`
}

// Checker holds the embedded gate index.
type Checker struct {
	embedder  Embedder
	threshold float64
	logger    *slog.Logger

	mu    sync.RWMutex
	index map[string][]gate
}

func NewChecker(e Embedder, threshold float64) *Checker {
	if threshold <= 0 {
		threshold = DefaultAdvanceThreshold
	}
	return &Checker{
		embedder:  e,
		threshold: threshold,
		logger:    slog.Default().With("component", "gates"),
		index:     make(map[string][]gate),
	}
}

// Load embeds every mode's references and replaces the index. Specs that
// already carry an embedding are used as-is. On error the previous index is
// kept.
func (c *Checker) Load(ctx context.Context, modes map[string][]Spec) error {
	next := make(map[string][]gate, len(modes))
	for mode, specs := range modes {
		gs := make([]gate, 0, len(specs))
		for i, s := range specs {
			emb := Embedding(s.Embedding)
			if len(emb) == 0 {
				if c.embedder == nil {
					return fmt.Errorf("gates: no embedder for %s gate %d", mode, i+1)
				}
				var err error
				emb, err = c.embedder.Embed(ctx, s.Reference)
				if err != nil {
					return fmt.Errorf("gates: embed %s gate %d: %w", mode, i+1, err)
				}
			}
			gs = append(gs, gate{number: i + 1, name: s.Name, embedding: emb})
		}
		next[mode] = gs
	}
	c.mu.Lock()
	c.index = next
	c.mu.Unlock()
	return nil
}

// Modes lists loaded modes with their gate counts.
func (c *Checker) Modes() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.index))
	for m, gs := range c.index {
		out[m] = len(gs)
	}
	return out
}

// CheckAdherence compares transcript to every gate of mode. When the index
// or embedder is unavailable it returns an all-zero result with a warning
// instead of an error.
func (c *Checker) CheckAdherence(ctx context.Context, transcript string, currentGate int, mode string) *Result {
	c.mu.RLock()
	gs := c.index[mode]
	c.mu.RUnlock()

	res := &Result{Mode: mode, CurrentGate: clampGate(currentGate, len(gs))}
	res.RecommendedGate = res.CurrentGate
	res.Gates = make([]GateScore, len(gs))
	for i, g := range gs {
		res.Gates[i] = GateScore{Gate: g.number, Name: g.name}
	}

	if len(gs) == 0 {
		res.Warning = fmt.Sprintf("gate index unavailable for mode %q", mode)
		c.logger.WarnContext(ctx, "gate index unavailable", "mode", mode)
		return res
	}
	if c.embedder == nil {
		res.Warning = "embedder unavailable"
		return res
	}
	vec, err := c.embedder.Embed(ctx, transcript)
	if err != nil {
		res.Warning = "transcript embedding failed: " + err.Error()
		c.logger.WarnContext(ctx, "transcript embedding failed", "mode", mode, "error", err)
		return res
	}

	var sum float64
	for i, g := range gs {
		sim, err := CosineSimilarity(vec, g.embedding)
		if err != nil {
			res.Warning = err.Error()
			sim = 0
		}
		sim = math.Max(sim, 0)
		res.Gates[i].Similarity = math.Round(sim*10000) / 10000
		sum += sim
	}
	res.AdherenceScore = math.Round(sum/float64(len(gs))*100*100) / 100

	cur := res.Gates[res.CurrentGate-1]
	if cur.Similarity > c.threshold && res.CurrentGate < len(gs) {
		res.RecommendedGate = res.CurrentGate + 1
	}
	return res
}

func clampGate(g, n int) int {
	if g < 1 {
		return 1
	}
	if n > 0 && g > n {
		return n
	}
	return g
}
