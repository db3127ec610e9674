package scheduler

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/observability"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
)

type outcome struct {
	battle    *contracts.Battle
	completed bool
	audited   bool
	err       error
}

// runBattle synthesizes, judges, persists and optionally audits one battle.
// It never returns a halt error; every failure is recorded on the battle.
func (s *Scheduler) runBattle(ctx context.Context, p *contracts.Persona, scenarioID string, adm *admission, settings Settings) (out outcome) {
	spent := decimal.Zero
	defer func() { s.monitor.Commit(ctx, adm.reservation, spent) }()

	if s.auditor != nil {
		// Feedback from an earlier battle in this batch may have boosted
		// the persona since the rotation snapshot was taken.
		if fresh, err := s.store.GetPersona(ctx, p.ID); err != nil {
			s.logger.WarnContext(ctx, "reload persona", "persona", p.ID, "error", err)
		} else {
			p = fresh
		}
		if err := s.auditor.ConsumeSession(ctx, p.ID); err != nil {
			s.logger.WarnContext(ctx, "consume feedback session", "persona", p.ID, "error", err)
		}
	}

	b := &contracts.Battle{
		ID:             uuid.NewString(),
		PersonaID:      p.ID,
		ScenarioID:     scenarioID,
		Status:         contracts.BattleRunning,
		DocumentStatus: contracts.DocumentPending,
		Degraded:       adm.degraded,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.store.CreateBattle(ctx, b); err != nil {
		s.logger.ErrorContext(ctx, "create battle", "persona", p.ID, "error", err)
		return outcome{err: &contracts.PersistenceError{Op: "create battle", Err: err}}
	}
	out.battle = b

	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "scheduler.battle",
			observability.AttrBattleID.String(b.ID),
			observability.AttrPersonaID.String(p.ID),
			observability.AttrDegraded.Bool(adm.degraded),
		)
		defer func() {
			done(out.err)
			s.obs.RecordBattle(ctx, p.ID, string(b.Status), b.Degraded)
		}()
	}

	if settings.BattleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.BattleTimeout)
		defer cancel()
	}

	audit := s.arena != nil && settings.AuditEnabled && !adm.degraded
	if audit {
		if err := s.arena.Begin(b.ID); err != nil {
			audit = false
		} else {
			defer s.arena.Discard(b.ID)
		}
	}

	opts := referee.Options{BattleID: b.ID, Model: settings.JudgeModel, Degraded: adm.degraded}
	if adm.degraded {
		opts.Model = settings.DegradedJudgeModel
	}

	transcript, err := s.client.Synthesize(ctx, p, opts)
	if err != nil {
		out.err = s.fail(ctx, b, err)
		return out
	}
	spent = spent.Add(transcript.CostUSD)
	s.charge(ctx, b.ID, "synthesize", transcript.Provider, transcript.Model, transcript.CostUSD)

	if strings.TrimSpace(transcript.Text) == "" {
		b.CostUSD = spent
		b.TokenUsage = transcript.TokenUsage
		out.err = s.fail(ctx, b, contracts.ErrEmptyTranscript)
		return out
	}
	b.Transcript = transcript.Text
	b.Turns = transcript.Turns
	if audit {
		_ = s.arena.Observe(b.ID, transcript.Text)
	}

	scores, err := s.client.Judge(ctx, transcript, opts)
	if err != nil {
		b.CostUSD = spent
		b.TokenUsage = transcript.TokenUsage
		out.err = s.fail(ctx, b, err)
		return out
	}
	spent = spent.Add(scores.CostUSD)
	s.charge(ctx, b.ID, "judge", scores.Provider, scores.Model, scores.CostUSD)

	scores.Apply(b)
	if b.JudgeModel == "" {
		b.JudgeModel = opts.Model
	}
	ended := s.clock().UTC()
	b.EndedAt = &ended
	b.CostUSD = spent
	b.TokenUsage = transcript.TokenUsage.Add(scores.TokenUsage)
	b.Status = contracts.BattleCompleted

	if err := s.store.UpdateBattle(ctx, b); err != nil {
		s.logger.ErrorContext(ctx, "persist battle", "battle", b.ID, "error", err)
		out.err = s.fail(ctx, b, &contracts.PersistenceError{Op: "update battle", Err: err})
		return out
	}
	out.completed = true

	if audit {
		report, err := s.arena.Finish(ctx, b.ID)
		if err != nil {
			out.err = err
			s.logger.ErrorContext(ctx, "audit battle", "battle", b.ID, "error", err)
			return out
		}
		out.audited = true
		grade, closeness := report.HumanityGrade, report.ClosenessToCline
		b.HumanityGrade = &grade
		b.ClosenessToCline = &closeness
		b.ProsodyFeatures = report.ProsodyFeatures
		b.GapReport = report.Recommendations
		if s.obs != nil {
			s.obs.RecordHumanityGrade(ctx, grade)
		}
		if _, err := s.auditor.Feedback(ctx, p.ID, b.ID, grade); err != nil {
			s.logger.WarnContext(ctx, "persona feedback", "persona", p.ID, "battle", b.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "battle complete",
		"battle", b.ID,
		"persona", p.ID,
		"referee_score", b.RefereeScore,
		"cost_usd", b.CostUSD.String(),
		"degraded", b.Degraded,
	)
	return out
}

// fail marks b failed and returns cause.
func (s *Scheduler) fail(ctx context.Context, b *contracts.Battle, cause error) error {
	ended := s.clock().UTC()
	b.Status = contracts.BattleFailed
	b.ErrorMessage = cause.Error()
	b.EndedAt = &ended
	// The battle context may be the one that expired.
	if err := s.store.UpdateBattle(context.WithoutCancel(ctx), b); err != nil {
		s.logger.ErrorContext(ctx, "persist failed battle", "battle", b.ID, "error", err)
		cause = errors.Join(cause, &contracts.PersistenceError{Op: "update battle", Err: err})
	}
	s.logger.WarnContext(ctx, "battle failed", "battle", b.ID, "persona", b.PersonaID, "error", cause)
	return cause
}

// charge appends a provider cost to the ledger. A failed append is logged;
// the reservation still covers the spend until it expires.
func (s *Scheduler) charge(ctx context.Context, battleID, kind, provider, model string, cost decimal.Decimal) {
	if provider == "" {
		provider = "unknown"
	}
	entry := contracts.BudgetLedgerEntry{
		Provider: provider,
		Model:    model,
		CostUSD:  cost,
		Env:      s.monitor.Env(),
		BattleID: battleID,
		Metadata: map[string]string{"kind": kind},
	}
	if _, err := s.ledger.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.ErrorContext(ctx, "ledger append", "battle", battleID, "kind", kind, "error", err)
		return
	}
	if s.obs != nil {
		s.obs.RecordSpend(ctx, provider, model, cost)
	}
}
