// Package referee is the contract with the external synthesis and judging
// collaborator, plus the success rules applied to its verdicts.
package referee

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Transcript is a synthesized call.
type Transcript struct {
	Text       string               `json:"text"`
	Turns      int                  `json:"turns"`
	TokenUsage contracts.TokenUsage `json:"tokenUsage"`
	CostUSD    decimal.Decimal      `json:"costUsd"`
	Provider   string               `json:"provider"`
	Model      string               `json:"model"`
}

// Scores is the judge's verdict on a transcript.
type Scores struct {
	RefereeScore     float64                  `json:"refereeScore"`
	MathDefenseScore float64                  `json:"mathDefenseScore"`
	HumanityScore    float64                  `json:"humanityScore"`
	SuccessScore     float64                  `json:"successScore"`
	VerbalYesToPrice bool                     `json:"verbalYesToPrice"`
	DocumentStatus   contracts.DocumentStatus `json:"documentStatus"`
	TokenUsage       contracts.TokenUsage     `json:"tokenUsage"`
	CostUSD          decimal.Decimal          `json:"costUsd"`
	Provider         string                   `json:"provider"`
	Model            string                   `json:"model"`
}

// Options tune a single collaborator call.
type Options struct {
	BattleID string `json:"battleId,omitempty"`
	// Model overrides the default judge model, e.g. a cheaper one while
	// throttled.
	Model    string `json:"model,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Synthesizer produces a call transcript for a persona.
type Synthesizer interface {
	Synthesize(ctx context.Context, persona *contracts.Persona, opts Options) (*Transcript, error)
}

// Judge scores a transcript.
type Judge interface {
	Judge(ctx context.Context, transcript *Transcript, opts Options) (*Scores, error)
}

// Client is the full collaborator surface used by the scheduler.
type Client interface {
	Synthesizer
	Judge
}

// Apply copies the verdict onto a battle.
func (s *Scores) Apply(b *contracts.Battle) {
	b.RefereeScore = s.RefereeScore
	b.MathDefenseScore = s.MathDefenseScore
	b.HumanityScore = s.HumanityScore
	b.SuccessScore = s.SuccessScore
	b.VerbalYesToPrice = s.VerbalYesToPrice
	b.DocumentStatus = s.DocumentStatus
	if b.DocumentStatus == "" {
		b.DocumentStatus = contracts.DocumentPending
	}
	b.JudgeModel = s.Model
}
