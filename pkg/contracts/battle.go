// Package contracts defines the shared domain types of the training governor.
package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// BattleStatus is the lifecycle state of a Battle.
type BattleStatus string

const (
	BattleRunning       BattleStatus = "running"
	BattleCompleted     BattleStatus = "completed"
	BattleFailed        BattleStatus = "failed"
	BattlePendingReview BattleStatus = "pending_review"
	BattleReviewed      BattleStatus = "reviewed"
	BattlePromoted      BattleStatus = "promoted"
	BattleRejected      BattleStatus = "rejected"
)

// DocumentStatus tracks the purchase agreement sent during a call.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentSent      DocumentStatus = "sent"
	DocumentCompleted DocumentStatus = "completed"
)

// TokenUsage counts provider tokens consumed by a call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.Input + u.Output }

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

// Battle is one simulated call between the closer and a persona.
type Battle struct {
	ID         string `json:"id"`
	PersonaID  string `json:"personaId"`
	ScenarioID string `json:"scenarioId,omitempty"`
	Transcript string `json:"transcript"`
	Turns      int    `json:"turns"`

	// Judge-provided scores.
	RefereeScore     float64 `json:"refereeScore"`
	MathDefenseScore float64 `json:"mathDefenseScore"`
	HumanityScore    float64 `json:"humanityScore"`
	SuccessScore     float64 `json:"successScore"`

	// Auditor-provided scores.
	HumanityGrade    *float64        `json:"humanityGrade,omitempty"`
	ClosenessToCline *float64        `json:"closenessToCline,omitempty"`
	ProsodyFeatures  ProsodyFeatures `json:"prosodyFeatures,omitempty"`
	GapReport        []string        `json:"gapReport,omitempty"`

	VerbalYesToPrice bool           `json:"verbalYesToPrice"`
	DocumentStatus   DocumentStatus `json:"documentStatus"`
	Status           BattleStatus   `json:"status"`

	JudgeModel   string          `json:"judgeModel,omitempty"`
	Degraded     bool            `json:"degraded"`
	CostUSD      decimal.Decimal `json:"costUsd"`
	TokenUsage   TokenUsage      `json:"tokenUsage"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ArchiveRef   string          `json:"archiveRef,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	ReviewedBy string     `json:"reviewedBy,omitempty"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
}

// ProsodyFeatures is the heuristic acoustic feature vector extracted from a
// transcript. Keys are opaque labels.
type ProsodyFeatures map[string]float64

// IsPrimarySuccess reports whether the persona verbally agreed to the price.
func (b *Battle) IsPrimarySuccess() bool {
	return b.VerbalYesToPrice
}

// IsUltimateSuccess additionally requires the agreement to be signed.
func (b *Battle) IsUltimateSuccess() bool {
	return b.VerbalYesToPrice && b.DocumentStatus == DocumentCompleted
}

// Finished reports whether the battle left the running/failed states and
// carries judge scores.
func (b *Battle) Finished() bool {
	switch b.Status {
	case BattleCompleted, BattlePendingReview, BattleReviewed, BattlePromoted, BattleRejected:
		return true
	}
	return false
}

var reviewTransitions = map[BattleStatus][]BattleStatus{
	BattleCompleted:     {BattlePendingReview},
	BattlePendingReview: {BattleReviewed, BattlePromoted, BattleRejected},
	BattleReviewed:      {BattlePromoted, BattleRejected},
}

// CanTransition reports whether a battle may move from one review state to
// another. Review is one-way.
func CanTransition(from, to BattleStatus) bool {
	for _, s := range reviewTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
