// Package analytics flags breakthrough battles for human review and reports
// per-persona difficulty.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/artifacts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

// Detector scans recent battles and runs the review workflow.
type Detector struct {
	store   store.BattleStore
	archive artifacts.Archive
	logger  *slog.Logger
	clock   func() time.Time

	mu     sync.RWMutex
	rule   *Rule
	bars   Bars
	window time.Duration
}

// NewDetector flags completed battles newer than window that match rule.
// archive may be nil, in which case promotion records no archive reference.
func NewDetector(st store.BattleStore, archive artifacts.Archive, rule *Rule, bars Bars, window time.Duration) *Detector {
	return &Detector{
		store:   st,
		archive: archive,
		rule:    rule,
		bars:    bars,
		window:  window,
		logger:  slog.Default().With("component", "breakthroughs"),
		clock:   time.Now,
	}
}

// Configure swaps rule, bars and window, e.g. after a tuning reload.
func (d *Detector) Configure(rule *Rule, bars Bars, window time.Duration) {
	d.mu.Lock()
	d.rule, d.bars, d.window = rule, bars, window
	d.mu.Unlock()
}

func (d *Detector) config() (*Rule, Bars, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rule, d.bars, d.window
}

// Scan flags matching battles as pending_review and returns them. Battles
// without a humanity grade are never flagged.
func (d *Detector) Scan(ctx context.Context) ([]contracts.Battle, error) {
	rule, bars, window := d.config()
	candidates, err := d.store.ListBattles(ctx, store.BattleFilter{
		Statuses: []contracts.BattleStatus{contracts.BattleCompleted},
		Since:    d.clock().UTC().Add(-window),
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: list candidates: %w", err)
	}

	flagged := []contracts.Battle{}
	for i := range candidates {
		b := &candidates[i]
		if b.HumanityGrade == nil {
			continue
		}
		ok, err := rule.Match(b, bars)
		if err != nil {
			d.logger.WarnContext(ctx, "breakthrough rule failed", "battle", b.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		b.Status = contracts.BattlePendingReview
		if err := d.store.UpdateBattle(ctx, b); err != nil {
			return flagged, &contracts.PersistenceError{Op: "flag breakthrough", Err: err}
		}
		flagged = append(flagged, *b)
	}
	if len(flagged) > 0 {
		d.logger.InfoContext(ctx, "breakthroughs flagged", "count", len(flagged), "rule", rule.String())
	}
	return flagged, nil
}

// List returns battles in the given review statuses, newest first. With no
// statuses it lists everything awaiting or past review.
func (d *Detector) List(ctx context.Context, statuses ...contracts.BattleStatus) ([]contracts.Battle, error) {
	if len(statuses) == 0 {
		statuses = []contracts.BattleStatus{
			contracts.BattlePendingReview,
			contracts.BattleReviewed,
			contracts.BattlePromoted,
			contracts.BattleRejected,
		}
	}
	return d.store.ListBattles(ctx, store.BattleFilter{Statuses: statuses})
}

// archiveRecord is what gets written for a promoted battle.
type archiveRecord struct {
	BattleID      string                    `json:"battleId"`
	PersonaID     string                    `json:"personaId"`
	ScenarioID    string                    `json:"scenarioId,omitempty"`
	Transcript    string                    `json:"transcript"`
	RefereeScore  float64                   `json:"refereeScore"`
	HumanityGrade *float64                  `json:"humanityGrade,omitempty"`
	Prosody       contracts.ProsodyFeatures `json:"prosodyFeatures,omitempty"`
	PromotedBy    string                    `json:"promotedBy"`
	PromotedAt    time.Time                 `json:"promotedAt"`
}

// Review moves a flagged battle forward. Allowed moves are
// pending_review → reviewed|promoted|rejected and reviewed → promoted|rejected.
func (d *Detector) Review(ctx context.Context, battleID string, decision contracts.BattleStatus, reviewer string) (*contracts.Battle, error) {
	b, err := d.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if !contracts.CanTransition(b.Status, decision) || decision == contracts.BattlePendingReview {
		return nil, fmt.Errorf("%w: %s → %s", contracts.ErrInvalidTransition, b.Status, decision)
	}

	now := d.clock().UTC()
	if decision == contracts.BattlePromoted && d.archive != nil {
		data, err := json.Marshal(archiveRecord{
			BattleID:      b.ID,
			PersonaID:     b.PersonaID,
			ScenarioID:    b.ScenarioID,
			Transcript:    b.Transcript,
			RefereeScore:  b.RefereeScore,
			HumanityGrade: b.HumanityGrade,
			Prosody:       b.ProsodyFeatures,
			PromotedBy:    reviewer,
			PromotedAt:    now,
		})
		if err != nil {
			return nil, err
		}
		ref, err := d.archive.Put(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("analytics: archive transcript: %w", err)
		}
		b.ArchiveRef = ref
	}

	b.Status = decision
	b.ReviewedBy = reviewer
	b.ReviewedAt = &now
	if err := d.store.UpdateBattle(ctx, b); err != nil {
		return nil, &contracts.PersistenceError{Op: "review battle", Err: err}
	}
	d.logger.InfoContext(ctx, "breakthrough reviewed",
		"battle", b.ID,
		"decision", decision,
		"reviewer", reviewer,
		"archive_ref", b.ArchiveRef,
	)
	return b, nil
}

// Run scans every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.ErrorContext(ctx, "breakthrough scan", "error", err)
			}
		}
	}
}
