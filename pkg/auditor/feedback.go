package auditor

import (
	"context"
	"fmt"
	"math"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Feedback raises the persona's acoustic texture frequency by a fixed delta
// for the next few sessions when grade is below the floor. The boost never
// exceeds base+MaxBoost, and replaying the same battle is a no-op.
func (a *Auditor) Feedback(ctx context.Context, personaID, battleID string, grade float64) (bool, error) {
	fb := a.Settings().Feedback
	if grade >= fb.GradeFloor || a.personas == nil {
		return false, nil
	}

	a.feedbackMu.Lock()
	defer a.feedbackMu.Unlock()

	p, err := a.personas.GetPersona(ctx, personaID)
	if err != nil {
		return false, fmt.Errorf("auditor: load persona %s: %w", personaID, err)
	}
	if battleID != "" && p.String(contracts.ParamFeedbackBattleID) == battleID {
		return false, nil
	}

	p = p.Clone()
	base := p.Float(contracts.ParamAcousticTextureBase, math.NaN())
	if math.IsNaN(base) {
		base = p.Float(contracts.ParamAcousticTextureFrequency, fb.Base)
		p.BehaviorParams[contracts.ParamAcousticTextureBase] = base
	}
	cur := p.Float(contracts.ParamAcousticTextureFrequency, base)
	next := math.Min(cur+fb.Delta, base+fb.MaxBoost)

	p.BehaviorParams[contracts.ParamAcousticTextureFrequency] = round3(next)
	p.BehaviorParams[contracts.ParamAcousticBoostSessions] = float64(fb.Sessions)
	p.BehaviorParams[contracts.ParamFeedbackBattleID] = battleID
	p.UpdatedAt = a.clock().UTC()

	if err := a.personas.UpdatePersona(ctx, p); err != nil {
		return false, &contracts.PersistenceError{Op: "feedback update", Err: err}
	}
	a.logger.InfoContext(ctx, "persona acoustic texture boosted",
		"persona", personaID, "battle", battleID, "grade", grade, "frequency", round3(next))
	return true, nil
}

// ConsumeSession counts down a boost when the persona is used for a battle
// and restores the base frequency once the boost runs out.
func (a *Auditor) ConsumeSession(ctx context.Context, personaID string) error {
	if a.personas == nil {
		return nil
	}
	a.feedbackMu.Lock()
	defer a.feedbackMu.Unlock()

	p, err := a.personas.GetPersona(ctx, personaID)
	if err != nil {
		return err
	}
	left := p.Float(contracts.ParamAcousticBoostSessions, 0)
	if left <= 0 {
		return nil
	}
	p = p.Clone()
	left--
	p.BehaviorParams[contracts.ParamAcousticBoostSessions] = left
	if left <= 0 {
		p.BehaviorParams[contracts.ParamAcousticTextureFrequency] =
			p.Float(contracts.ParamAcousticTextureBase, a.Settings().Feedback.Base)
	}
	p.UpdatedAt = a.clock().UTC()
	return a.personas.UpdatePersona(ctx, p)
}
