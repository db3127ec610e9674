// Package scenario injects an operator-supplied objection as a synthetic
// persona and brute-forces it with repeated gated battles until one scores
// above the success threshold or the attempt cap is reached.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

var (
	ErrEmptyObjection = errors.New("scenario: objection is empty")
	ErrTerminal       = errors.New("scenario: already solved or exhausted")
	ErrBusy           = errors.New("scenario: already running")
)

// Runner runs one gated battle. The scheduler implements it.
type Runner interface {
	RunBattle(ctx context.Context, personaID, scenarioID string) (*contracts.Battle, error)
}

// Store is the persistence the injector needs.
type Store interface {
	store.ScenarioStore
	store.PersonaStore
}

type Settings struct {
	MaxAttempts      int
	SuccessThreshold float64
}

func DefaultSettings() Settings {
	return Settings{MaxAttempts: 10, SuccessThreshold: 80}
}

// Injector drives scenarios to a terminal status.
type Injector struct {
	runner Runner
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	settings Settings
	running  map[string]struct{}
}

func New(runner Runner, st Store, settings Settings) *Injector {
	return &Injector{
		runner:   runner,
		store:    st,
		settings: settings,
		logger:   slog.Default().With("component", "scenario"),
		clock:    time.Now,
		running:  make(map[string]struct{}),
	}
}

// SetSettings applies to scenarios injected afterwards.
func (in *Injector) SetSettings(s Settings) {
	in.mu.Lock()
	in.settings = s
	in.mu.Unlock()
}

func (in *Injector) Settings() Settings {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.settings
}

// InjectAndBruteForce creates the scenario and its persona, then runs
// attempts. On a kill switch or budget halt the scenario is left pending with
// its attempts preserved and the halt error is returned alongside it.
func (in *Injector) InjectAndBruteForce(ctx context.Context, rawObjection, basePersonaID string) (*contracts.Scenario, error) {
	rawObjection = strings.TrimSpace(rawObjection)
	if rawObjection == "" {
		return nil, ErrEmptyObjection
	}
	var base *contracts.Persona
	if basePersonaID != "" {
		p, err := in.store.GetPersona(ctx, basePersonaID)
		if err != nil {
			return nil, fmt.Errorf("scenario: base persona %s: %w", basePersonaID, err)
		}
		base = p
	}

	settings := in.Settings()
	now := in.clock().UTC()
	sc := &contracts.Scenario{
		ID:            uuid.NewString(),
		RawObjection:  rawObjection,
		BasePersonaID: basePersonaID,
		Status:        contracts.ScenarioPending,
		MaxAttempts:   settings.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	persona := synthesize(sc, base, now)
	if err := in.store.CreatePersona(ctx, persona); err != nil {
		return nil, &contracts.PersistenceError{Op: "create scenario persona", Err: err}
	}
	sc.SynthesizedPersonaID = persona.ID
	if err := in.store.CreateScenario(ctx, sc); err != nil {
		return nil, &contracts.PersistenceError{Op: "create scenario", Err: err}
	}
	in.logger.InfoContext(ctx, "scenario injected", "scenario", sc.ID, "persona", persona.ID, "base", basePersonaID)

	return in.run(ctx, sc, settings.SuccessThreshold)
}

// Resume continues a pending scenario.
func (in *Injector) Resume(ctx context.Context, scenarioID string) (*contracts.Scenario, error) {
	sc, err := in.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if sc.Status.Terminal() {
		return sc, ErrTerminal
	}
	return in.run(ctx, sc, in.Settings().SuccessThreshold)
}

// synthesize derives the counterpart persona that carries the objection.
func synthesize(sc *contracts.Scenario, base *contracts.Persona, now time.Time) *contracts.Persona {
	p := &contracts.Persona{
		ID:             uuid.NewString(),
		Name:           "Scenario: " + truncate(sc.RawObjection, 48),
		PersonaType:    contracts.PersonaTypeScenario,
		IsActive:       true,
		BehaviorParams: map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	desc := "Raises the objection: " + sc.RawObjection
	if base != nil {
		for k, v := range base.Clone().BehaviorParams {
			p.BehaviorParams[k] = v
		}
		desc = base.Description + "\n" + desc
	}
	p.Description = strings.TrimSpace(desc)
	p.BehaviorParams[contracts.ParamInjectedObjection] = sc.RawObjection
	p.BehaviorParams["scenario_id"] = sc.ID
	return p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (in *Injector) claim(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.running[id]; ok {
		return false
	}
	in.running[id] = struct{}{}
	return true
}

func (in *Injector) unclaim(id string) {
	in.mu.Lock()
	delete(in.running, id)
	in.mu.Unlock()
}

func (in *Injector) run(ctx context.Context, sc *contracts.Scenario, threshold float64) (*contracts.Scenario, error) {
	if !in.claim(sc.ID) {
		return sc, ErrBusy
	}
	defer in.unclaim(sc.ID)

	sc.Status = contracts.ScenarioRunning
	if err := in.save(ctx, sc); err != nil {
		return sc, err
	}

	for sc.Attempts < sc.MaxAttempts {
		b, err := in.runner.RunBattle(ctx, sc.SynthesizedPersonaID, sc.ID)
		if contracts.IsHalt(err) || ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			sc.Status = contracts.ScenarioPending
			if serr := in.save(context.WithoutCancel(ctx), sc); serr != nil {
				err = errors.Join(err, serr)
			}
			in.logger.WarnContext(ctx, "scenario halted", "scenario", sc.ID, "attempts", sc.Attempts, "error", err)
			return sc, err
		}

		sc.Attempts++
		if err != nil {
			in.logger.WarnContext(ctx, "scenario attempt failed", "scenario", sc.ID, "attempt", sc.Attempts, "error", err)
		} else if b != nil {
			if b.RefereeScore > sc.BestScore {
				sc.BestScore = b.RefereeScore
			}
			if b.RefereeScore >= threshold {
				sc.Status = contracts.ScenarioSolved
				sc.WinningBattleID = b.ID
				sc.WinningTranscript = b.Transcript
				break
			}
		}
		if err := in.save(ctx, sc); err != nil {
			return sc, err
		}
	}

	if sc.Status != contracts.ScenarioSolved {
		sc.Status = contracts.ScenarioExhausted
	}
	if err := in.save(ctx, sc); err != nil {
		return sc, err
	}
	in.retire(ctx, sc.SynthesizedPersonaID)
	in.logger.InfoContext(ctx, "scenario finished",
		"scenario", sc.ID,
		"status", sc.Status,
		"attempts", sc.Attempts,
		"best_score", sc.BestScore,
	)
	return sc, nil
}

func (in *Injector) save(ctx context.Context, sc *contracts.Scenario) error {
	sc.UpdatedAt = in.clock().UTC()
	if err := in.store.UpdateScenario(ctx, sc); err != nil {
		return &contracts.PersistenceError{Op: "update scenario", Err: err}
	}
	return nil
}

// retire deactivates the scenario persona so it cannot be picked again.
func (in *Injector) retire(ctx context.Context, personaID string) {
	p, err := in.store.GetPersona(ctx, personaID)
	if err != nil {
		in.logger.WarnContext(ctx, "load scenario persona", "persona", personaID, "error", err)
		return
	}
	p.IsActive = false
	p.UpdatedAt = in.clock().UTC()
	if err := in.store.UpdatePersona(ctx, p); err != nil {
		in.logger.WarnContext(ctx, "deactivate scenario persona", "persona", personaID, "error", err)
	}
}
