// Package auditor grades how human a synthesized call sounds and nudges
// personas whose calls grade low.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// GapReport is the outcome of one audit.
type GapReport struct {
	BattleID         string                    `json:"battleId"`
	Strategy         string                    `json:"strategy"`
	HumanityGrade    float64                   `json:"humanityGrade"`
	ClosenessToCline float64                   `json:"closenessToCline"`
	ProsodyFeatures  contracts.ProsodyFeatures `json:"prosodyFeatures"`
	CategoryGaps     map[string]float64        `json:"categoryGaps"`
	Gaps             []FeatureGap              `json:"gaps"`
	Recommendations  []string                  `json:"recommendations"`
	Words            int                       `json:"words"`
}

// Settings are the tunable parts of an audit.
type Settings struct {
	Speaker        string
	WordsPerMinute float64
	Weights        Weights
	GoldStandard   contracts.ProsodyFeatures
	Feedback       FeedbackSettings
}

// FeedbackSettings bound the persona adjustment made after a low grade.
type FeedbackSettings struct {
	GradeFloor float64
	Delta      float64
	Sessions   int
	MaxBoost   float64
	Base       float64
}

// DefaultSettings mirror the built-in tuning.
func DefaultSettings() Settings {
	return Settings{
		Speaker:        "closer",
		WordsPerMinute: 150,
		Weights:        DefaultWeights(),
		GoldStandard: contracts.ProsodyFeatures{
			FeaturePitchVariance:  4.0,
			FeatureRhythmVariance: 0.45,
			FeatureJitterRate:     3.0,
			FeatureShimmerRate:    1.5,
			FeaturePauseRate:      5.0,
			FeatureTextureRate:    1.0,
		},
		Feedback: FeedbackSettings{GradeFloor: 85, Delta: 0.1, Sessions: 5, MaxBoost: 0.5, Base: 0.2},
	}
}

// BattleStore is the slice of battle persistence the auditor writes to.
type BattleStore interface {
	GetBattle(ctx context.Context, id string) (*contracts.Battle, error)
	UpdateBattle(ctx context.Context, b *contracts.Battle) error
}

// PersonaStore is the slice of persona persistence the feedback loop uses.
type PersonaStore interface {
	GetPersona(ctx context.Context, id string) (*contracts.Persona, error)
	UpdatePersona(ctx context.Context, p *contracts.Persona) error
}

// Auditor grades transcripts with a pluggable Strategy.
type Auditor struct {
	strategy Strategy
	battles  BattleStore
	personas PersonaStore
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.RWMutex
	settings Settings

	// feedbackMu serializes persona read-modify-write in this process.
	feedbackMu sync.Mutex
}

// Option configures an Auditor.
type Option func(*Auditor)

func WithStrategy(s Strategy) Option { return func(a *Auditor) { a.strategy = s } }

// WithStores lets Audit persist onto battles and Feedback adjust personas.
func WithStores(b BattleStore, p PersonaStore) Option {
	return func(a *Auditor) {
		a.battles = b
		a.personas = p
	}
}

func New(settings Settings, opts ...Option) *Auditor {
	a := &Auditor{
		strategy: WeightedGapStrategy{},
		settings: settings,
		logger:   slog.Default().With("component", "auditor"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetSettings swaps the tuning, e.g. after a reload.
func (a *Auditor) SetSettings(s Settings) {
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
}

func (a *Auditor) Settings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Audit grades transcript. When battleID names a stored battle, the grade
// and report are written onto it.
func (a *Auditor) Audit(ctx context.Context, transcript, battleID string) (*GapReport, error) {
	s := a.Settings()
	ex, err := Extract(transcript, s.Speaker, s.WordsPerMinute)
	if err != nil {
		return nil, err
	}
	score, err := a.strategy.Score(ex.Features, s.GoldStandard, s.Weights)
	if err != nil {
		return nil, err
	}

	report := &GapReport{
		BattleID:         battleID,
		Strategy:         a.strategy.Name(),
		HumanityGrade:    score.HumanityGrade,
		ClosenessToCline: score.ClosenessToCline,
		ProsodyFeatures:  ex.Features,
		CategoryGaps:     score.CategoryGaps,
		Gaps:             score.Gaps,
		Recommendations:  recommend(score.Gaps),
		Words:            ex.Words,
	}

	if a.battles != nil && battleID != "" {
		if err := a.persist(ctx, report); err != nil {
			return report, err
		}
	}
	a.logger.DebugContext(ctx, "audit complete", "battle", battleID, "grade", report.HumanityGrade)
	return report, nil
}

func (a *Auditor) persist(ctx context.Context, r *GapReport) error {
	b, err := a.battles.GetBattle(ctx, r.BattleID)
	if err != nil {
		return fmt.Errorf("auditor: load battle %s: %w", r.BattleID, err)
	}
	grade, closeness := r.HumanityGrade, r.ClosenessToCline
	b.HumanityGrade = &grade
	b.ClosenessToCline = &closeness
	b.ProsodyFeatures = r.ProsodyFeatures
	b.GapReport = r.Recommendations
	if err := a.battles.UpdateBattle(ctx, b); err != nil {
		return &contracts.PersistenceError{Op: "audit update", Err: err}
	}
	return nil
}

// recommend emits one line per feature that is far from the target, worst
// first.
func recommend(gaps []FeatureGap) []string {
	sorted := make([]FeatureGap, len(gaps))
	copy(sorted, gaps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Gap > sorted[j].Gap })

	var out []string
	for _, g := range sorted {
		if g.Gap < 0.3 {
			continue
		}
		dir := "increase"
		if g.Actual > g.Target {
			dir = "reduce"
		}
		out = append(out, fmt.Sprintf("%s %s (%.2f vs target %.2f): %s", dir, g.Feature, g.Actual, g.Target, hint(g.Feature, dir)))
	}
	return out
}

func hint(feature, dir string) string {
	switch feature {
	case FeaturePitchVariance:
		return "vary intonation with emphasis and rising or falling cues"
	case FeatureRhythmVariance:
		return "mix short and long sentences"
	case FeatureJitterRate:
		if dir == "reduce" {
			return "fewer fillers and hesitations"
		}
		return "allow natural fillers such as um or uh"
	case FeatureShimmerRate:
		return "adjust audible breaths and sighs"
	case FeaturePauseRate:
		return "adjust pauses between thoughts"
	case FeatureTextureRate:
		return "adjust acoustic texture such as chuckles or background cues"
	}
	return "adjust delivery"
}
