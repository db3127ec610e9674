package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SupportedTuningVersions is the semver constraint a tuning file must satisfy.
const SupportedTuningVersions = ">= 1.0.0, < 2.0.0"

// Tuning holds the operator-tunable knobs of the training loop.
type Tuning struct {
	Version      string             `yaml:"version"`
	Budget       BudgetTuning       `yaml:"budget"`
	Scheduler    SchedulerTuning    `yaml:"scheduler"`
	Scenario     ScenarioTuning     `yaml:"scenario"`
	Auditor      AuditorTuning      `yaml:"auditor"`
	Gates        GateTuning         `yaml:"gates"`
	Breakthrough BreakthroughTuning `yaml:"breakthrough"`
}

// BudgetTuning sets the daily spend guardrails in USD.
type BudgetTuning struct {
	DailyCapUSD          float64 `yaml:"daily_cap_usd"`
	ThrottleThresholdUSD float64 `yaml:"throttle_threshold_usd"`
	EstimatedBattleUSD   float64 `yaml:"estimated_battle_usd"`
	Reserve              bool    `yaml:"reserve"`
}

func (b BudgetTuning) DailyCap() decimal.Decimal { return decimal.NewFromFloat(b.DailyCapUSD) }
func (b BudgetTuning) Throttle() decimal.Decimal { return decimal.NewFromFloat(b.ThrottleThresholdUSD) }
func (b BudgetTuning) Estimate() decimal.Decimal { return decimal.NewFromFloat(b.EstimatedBattleUSD) }

type SchedulerTuning struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	MaxBattlesPerBatch int           `yaml:"max_battles_per_batch"`
	BattleTimeout      time.Duration `yaml:"battle_timeout"`
	JudgeModel         string        `yaml:"judge_model"`
	DegradedJudgeModel string        `yaml:"degraded_judge_model"`
}

type ScenarioTuning struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	SuccessThreshold float64 `yaml:"success_threshold"`
}

// AuditorTuning configures the humanity grader and its feedback loop.
type AuditorTuning struct {
	Enabled        bool               `yaml:"enabled"`
	WordsPerMinute float64            `yaml:"words_per_minute"`
	Weights        map[string]float64 `yaml:"weights"`
	GoldStandard   map[string]float64 `yaml:"gold_standard"`
	Feedback       FeedbackTuning     `yaml:"feedback"`
}

type FeedbackTuning struct {
	GradeFloor float64 `yaml:"grade_floor"`
	Delta      float64 `yaml:"delta"`
	Sessions   int     `yaml:"sessions"`
	MaxBoost   float64 `yaml:"max_boost"`
	Base       float64 `yaml:"base"`
}

// GateTuning lists the reference text for each ordered gate per mode.
type GateTuning struct {
	AdvanceThreshold float64               `yaml:"advance_threshold"`
	Modes            map[string][]GateSpec `yaml:"modes"`
}

type GateSpec struct {
	Name      string    `yaml:"name"`
	Reference string    `yaml:"reference"`
	Embedding []float32 `yaml:"embedding,omitempty"`
}

type BreakthroughTuning struct {
	Rule         string        `yaml:"rule"`
	MinReferee   float64       `yaml:"min_referee"`
	MinHumanity  float64       `yaml:"min_humanity"`
	Window       time.Duration `yaml:"window"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// DefaultTuning returns the built-in tuning used when no file is configured.
func DefaultTuning() *Tuning {
	return &Tuning{
		Version: "1.0.0",
		Budget: BudgetTuning{
			DailyCapUSD:          15.00,
			ThrottleThresholdUSD: 3.00,
			EstimatedBattleUSD:   0.25,
			Reserve:              true,
		},
		Scheduler: SchedulerTuning{
			MaxConcurrent:      3,
			MaxBattlesPerBatch: 50,
			BattleTimeout:      5 * time.Minute,
			JudgeModel:         "gpt-4o",
			DegradedJudgeModel: "gpt-4o-mini",
		},
		Scenario: ScenarioTuning{
			MaxAttempts:      10,
			SuccessThreshold: 80,
		},
		Auditor: AuditorTuning{
			Enabled:        true,
			WordsPerMinute: 150,
			Weights: map[string]float64{
				"pitch_rhythm":   0.5,
				"jitter_shimmer": 0.3,
				"pause_texture":  0.2,
			},
			GoldStandard: map[string]float64{
				"pitch_variance":  4.0,
				"rhythm_variance": 0.45,
				"jitter_rate":     3.0,
				"shimmer_rate":    1.5,
				"pause_rate":      5.0,
				"texture_rate":    1.0,
			},
			Feedback: FeedbackTuning{
				GradeFloor: 85,
				Delta:      0.1,
				Sessions:   5,
				MaxBoost:   0.5,
				Base:       0.2,
			},
		},
		Gates: GateTuning{
			AdvanceThreshold: 0.75,
			Modes:            defaultGateModes(),
		},
		Breakthrough: BreakthroughTuning{
			Rule:         "battle.referee_score >= min_referee && battle.humanity_grade >= min_humanity",
			MinReferee:   90,
			MinHumanity:  85,
			Window:       24 * time.Hour,
			ScanInterval: 15 * time.Minute,
		},
	}
}

func defaultGateModes() map[string][]GateSpec {
	return map[string][]GateSpec{
		"disposition": {
			{Name: "Introduction", Reference: "Hi, thanks for taking my call. I work with local investors and wanted to introduce a property that just came available."},
			{Name: "Qualification", Reference: "Are you buying in this area right now? What price range and property types are you looking for, and how do you usually fund deals?"},
			{Name: "Property Presentation", Reference: "The house is a three bedroom two bath, it needs a roof and some cosmetic work, and comparable sales nearby are around two hundred thousand."},
			{Name: "Price and Terms", Reference: "We are asking one forty with a ten day close and a five thousand dollar earnest money deposit. Does that number work for you?"},
			{Name: "Close", Reference: "Great, I will send the assignment contract over now so you can sign it and we can lock in the closing date."},
		},
		"acquisition": {
			{Name: "Introduction", Reference: "Hi, this is calling about your property. I buy houses in the area and wanted to see if you would consider an offer."},
			{Name: "Rapport", Reference: "How long have you owned the home? It sounds like it has been a big part of your family for a while."},
			{Name: "Motivation", Reference: "What has you thinking about selling now? What would selling the house allow you to do next?"},
			{Name: "Property Condition", Reference: "Walk me through the condition of the house. How old is the roof, the HVAC, and are there any foundation or plumbing issues?"},
			{Name: "Timeline", Reference: "If we agreed on a price, how soon would you want to close and move out?"},
			{Name: "Numbers", Reference: "Based on the repairs and what similar homes sell for, let me walk you through how I arrive at my offer and the math behind it."},
			{Name: "Offer", Reference: "I can pay you one hundred twenty thousand cash, cover all closing costs, and close on your timeline. Can you do that price?"},
			{Name: "Agreement", Reference: "Perfect, I will send the purchase agreement to your email right now and stay on the line while you sign it."},
		},
	}
}

// LoadTuning reads a YAML tuning file, fills unset fields from defaults and
// rejects unsupported versions.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tuning %s: %w", path, err)
	}
	return ParseTuning(data)
}

// ParseTuning decodes tuning YAML on top of DefaultTuning.
func ParseTuning(data []byte) (*Tuning, error) {
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("config: parse tuning: %w", err)
	}
	if err := checkVersion(t.Version); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func checkVersion(v string) error {
	if v == "" {
		return &MissingConfigError{Keys: []string{"tuning.version"}}
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("config: invalid tuning version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(SupportedTuningVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("config: tuning version %s not in %s", v, SupportedTuningVersions)
	}
	return nil
}

// Validate checks internal consistency of the tuning values.
func (t *Tuning) Validate() error {
	var errs []error
	// An unusable cap or threshold is fatal at startup like an absent one.
	var budgetKeys []string
	if t.Budget.DailyCapUSD <= 0 {
		budgetKeys = append(budgetKeys, "budget.daily_cap_usd")
	}
	if t.Budget.ThrottleThresholdUSD < 0 || t.Budget.ThrottleThresholdUSD > t.Budget.DailyCapUSD {
		budgetKeys = append(budgetKeys, "budget.throttle_threshold_usd")
	}
	if len(budgetKeys) > 0 {
		errs = append(errs, &MissingConfigError{Keys: budgetKeys})
	}
	if t.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be >= 1"))
	}
	if t.Scheduler.MaxBattlesPerBatch < 1 {
		errs = append(errs, errors.New("scheduler.max_battles_per_batch must be >= 1"))
	}
	if t.Scenario.MaxAttempts < 1 {
		errs = append(errs, errors.New("scenario.max_attempts must be >= 1"))
	}
	if t.Auditor.WordsPerMinute <= 0 {
		errs = append(errs, errors.New("auditor.words_per_minute must be positive"))
	}
	if t.Breakthrough.Window <= 0 || t.Breakthrough.ScanInterval <= 0 {
		errs = append(errs, errors.New("breakthrough.window and breakthrough.scan_interval must be positive"))
	}
	for mode, gates := range t.Gates.Modes {
		if len(gates) < 2 {
			errs = append(errs, fmt.Errorf("gates.modes.%s needs at least two gates", mode))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid tuning: %w", errors.Join(errs...))
	}
	return nil
}
