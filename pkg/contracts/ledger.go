package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetLedgerEntry records one billable provider call. Entries are never
// mutated or deleted.
type BudgetLedgerEntry struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	CostUSD   decimal.Decimal   `json:"costUsd"`
	Env       string            `json:"env"`
	BattleID  string            `json:"battleId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// KillSwitchState is the shared halt flag.
type KillSwitchState struct {
	Active      bool       `json:"active"`
	ActivatedAt *time.Time `json:"activatedAt"`
	Reason      string     `json:"reason"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
