package contracts

import "time"

// Persona types.
const (
	PersonaTypeSeller   = "seller"
	PersonaTypeScenario = "scenario"
)

// Behavior parameter keys read and written by the feedback loop.
const (
	ParamAcousticTextureFrequency = "acoustic_texture_frequency"
	ParamAcousticTextureBase      = "acoustic_texture_base"
	ParamAcousticBoostSessions    = "acoustic_boost_sessions_remaining"
	ParamFeedbackBattleID         = "feedback_last_battle_id"
	ParamInjectedObjection        = "injected_objection"
)

// Persona is a synthetic counterpart configuration.
type Persona struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	PersonaType    string         `json:"personaType"`
	Description    string         `json:"description"`
	IsActive       bool           `json:"isActive"`
	BehaviorParams map[string]any `json:"behaviorParams"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Float returns a numeric behavior parameter, or def when absent or not a number.
func (p *Persona) Float(key string, def float64) float64 {
	switch v := p.BehaviorParams[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// String returns a string behavior parameter, or "" when absent.
func (p *Persona) String(key string) string {
	s, _ := p.BehaviorParams[key].(string)
	return s
}

// Clone returns a deep-enough copy for safe mutation of BehaviorParams.
func (p *Persona) Clone() *Persona {
	cp := *p
	cp.BehaviorParams = make(map[string]any, len(p.BehaviorParams))
	for k, v := range p.BehaviorParams {
		cp.BehaviorParams[k] = v
	}
	return &cp
}
