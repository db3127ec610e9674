package contracts

import "time"

// ScenarioStatus is the lifecycle of an injected objection.
type ScenarioStatus string

const (
	ScenarioPending   ScenarioStatus = "pending"
	ScenarioRunning   ScenarioStatus = "running"
	ScenarioSolved    ScenarioStatus = "solved"
	ScenarioExhausted ScenarioStatus = "exhausted"
)

// Terminal reports whether no further attempts may run.
func (s ScenarioStatus) Terminal() bool {
	return s == ScenarioSolved || s == ScenarioExhausted
}

// Scenario is an operator-injected objection brute-forced by repeated battles.
type Scenario struct {
	ID                   string         `json:"id"`
	RawObjection         string         `json:"rawObjection"`
	BasePersonaID        string         `json:"basePersonaId,omitempty"`
	SynthesizedPersonaID string         `json:"synthesizedPersonaId"`
	Status               ScenarioStatus `json:"status"`
	Attempts             int            `json:"attempts"`
	MaxAttempts          int            `json:"maxAttempts"`
	BestScore            float64        `json:"bestScore"`
	WinningBattleID      string         `json:"winningBattleId,omitempty"`
	WinningTranscript    string         `json:"winningTranscript,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}
