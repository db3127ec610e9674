// Package scheduler runs gated batches of self-play battles.
//
// Every unit of work is admitted in the same order: the kill switch is read
// first, then the daily budget (an exceeded budget trips the kill switch),
// then the throttle threshold selects the degraded configuration, and finally
// the estimated battle cost is reserved. Battles that fail are recorded and
// counted; only kill switch and budget conditions halt a batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/auditor"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/budget"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/killswitch"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/ledger"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/observability"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

// ErrNoPersonas means there is nothing to train against.
var ErrNoPersonas = errors.New("scheduler: no active personas")

// State is the loop's externally observable state.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateThrottled        State = "throttled"
	StateHaltedBudget     State = "halted_budget"
	StateHaltedKillSwitch State = "halted_kill_switch"
)

// actor is recorded on kill switch receipts the loop produces.
const actor = "scheduler"

// Settings bound a batch.
type Settings struct {
	MaxConcurrent      int
	MaxBattlesPerBatch int
	BattleTimeout      time.Duration
	JudgeModel         string
	DegradedJudgeModel string
	EstimatedBattleUSD decimal.Decimal
	Reserve            bool
	AuditEnabled       bool
}

// DefaultSettings mirror the built-in tuning.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent:      3,
		MaxBattlesPerBatch: 50,
		BattleTimeout:      5 * time.Minute,
		JudgeModel:         "gpt-4o",
		DegradedJudgeModel: "gpt-4o-mini",
		EstimatedBattleUSD: decimal.RequireFromString("0.25"),
		Reserve:            true,
		AuditEnabled:       true,
	}
}

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Started          int      `json:"started"`
	BattlesCompleted int      `json:"battlesCompleted"`
	Audited          int      `json:"audited"`
	Errors           int      `json:"errors"`
	Throttled        bool     `json:"throttled"`
	HaltedReason     string   `json:"haltedReason,omitempty"`
	BattleIDs        []string `json:"battleIds"`
}

// Store is the persistence the loop needs.
type Store interface {
	store.BattleStore
	store.PersonaStore
}

// Scheduler admits and runs battles.
type Scheduler struct {
	client  referee.Client
	store   Store
	monitor *budget.Monitor
	ledger  ledger.Ledger
	kill    *killswitch.Switch
	auditor *auditor.Auditor
	arena   *auditor.Arena
	obs     *observability.Provider
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.RWMutex
	settings Settings
	state    State

	cursor atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAuditor enables grading and persona feedback on non-degraded battles.
func WithAuditor(a *auditor.Auditor) Option {
	return func(s *Scheduler) {
		s.auditor = a
		s.arena = auditor.NewArena(a)
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Scheduler) { s.obs = p }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New wires a Scheduler. Spend is appended to l and checked through m.
func New(client referee.Client, st Store, l ledger.Ledger, m *budget.Monitor, ks *killswitch.Switch, settings Settings, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:   client,
		store:    st,
		ledger:   l,
		monitor:  m,
		kill:     ks,
		settings: settings,
		state:    StateIdle,
		logger:   slog.Default().With("component", "scheduler"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSettings swaps the tuning; running batches keep the settings they
// started with.
func (s *Scheduler) SetSettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Scheduler) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// State reports where the loop is. A halted state persists until the next
// batch starts.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// admission is the outcome of the pre-battle checks.
type admission struct {
	degraded    bool
	reservation *budget.Reservation
}

// admit runs the gate sequence for one unit of work.
func (s *Scheduler) admit(ctx context.Context, settings Settings) (*admission, error) {
	// A cancelled caller is not a halt; the switch lookup would fail closed.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.kill.IsActive(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, contracts.ErrKillSwitchActive
	}

	status, err := s.monitor.GetBudgetStatus(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Unknown spend is treated as no headroom.
		return nil, fmt.Errorf("%w: status unavailable: %w", contracts.ErrBudgetExceeded, err)
	}
	if status.IsExceeded {
		reason := fmt.Sprintf("daily budget exceeded: spent $%s of $%s", status.TodaySpend.StringFixed(2), status.DailyCap.StringFixed(2))
		s.trip(ctx, reason)
		return nil, contracts.ErrBudgetExceeded
	}

	adm := &admission{degraded: status.IsThrottled}
	if settings.Reserve {
		r, err := s.monitor.Reserve(ctx, settings.EstimatedBattleUSD)
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, budget.ErrReservationDenied) {
			s.trip(ctx, fmt.Sprintf("daily budget reservation denied: estimate $%s does not fit", settings.EstimatedBattleUSD.StringFixed(2)))
			return nil, fmt.Errorf("%w: %w", contracts.ErrBudgetExceeded, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", contracts.ErrBudgetExceeded, err)
		}
		adm.reservation = r
	}
	return adm, nil
}

func (s *Scheduler) trip(ctx context.Context, reason string) {
	if _, err := s.kill.Activate(ctx, reason, actor); err != nil {
		s.logger.ErrorContext(ctx, "failed to activate kill switch", "reason", reason, "error", err)
		return
	}
	if s.obs != nil {
		s.obs.RecordKillSwitch(ctx, true)
	}
	s.logger.WarnContext(ctx, "kill switch activated", "reason", reason)
}

// rotation returns active personas eligible for batch training.
func (s *Scheduler) rotation(ctx context.Context) ([]contracts.Persona, error) {
	all, err := s.store.ListPersonas(ctx, true)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "list personas", Err: err}
	}
	out := all[:0]
	for _, p := range all {
		if p.PersonaType == contracts.PersonaTypeScenario {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoPersonas
	}
	return out, nil
}

// RunBatch runs up to batchSize battles, never more than the per-batch cap.
// A halt stops new battles but lets in-flight ones finish; the returned
// result then carries the halt reason and the error is the halt condition.
func (s *Scheduler) RunBatch(ctx context.Context, batchSize int) (*BatchResult, error) {
	settings := s.Settings()
	if batchSize <= 0 {
		return nil, fmt.Errorf("scheduler: batch size must be positive, got %d", batchSize)
	}
	if settings.MaxBattlesPerBatch > 0 && batchSize > settings.MaxBattlesPerBatch {
		batchSize = settings.MaxBattlesPerBatch
	}
	limit := settings.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}

	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "scheduler.batch")
		defer func() { done(nil) }()
	}

	personas, err := s.rotation(ctx)
	if err != nil {
		return nil, err
	}

	s.setState(StateRunning)

	var (
		mu     sync.Mutex
		result = &BatchResult{BattleIDs: []string{}}
		g      errgroup.Group
		halt   error
		stop   error
	)
	g.SetLimit(limit)

	for i := 0; i < batchSize; i++ {
		adm, err := s.admit(ctx, settings)
		if err != nil {
			if contracts.IsHalt(err) {
				halt = err
			} else {
				stop = err
			}
			break
		}
		if adm.degraded && !result.Throttled {
			result.Throttled = true
			s.setState(StateThrottled)
			s.logger.WarnContext(ctx, "budget throttled, running degraded", "judge_model", settings.DegradedJudgeModel)
			if s.obs != nil {
				s.obs.RecordThrottled(ctx)
			}
		}

		p := personas[(s.cursor.Add(1)-1)%uint64(len(personas))]
		result.Started++
		g.Go(func() error {
			out := s.runBattle(ctx, &p, "", adm, settings)
			mu.Lock()
			defer mu.Unlock()
			if out.battle != nil {
				result.BattleIDs = append(result.BattleIDs, out.battle.ID)
			}
			if out.completed {
				result.BattlesCompleted++
			}
			if out.audited {
				result.Audited++
			}
			if out.err != nil {
				result.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	if halt != nil {
		result.HaltedReason = haltReason(halt)
		if errors.Is(halt, contracts.ErrKillSwitchActive) {
			s.setState(StateHaltedKillSwitch)
		} else {
			s.setState(StateHaltedBudget)
		}
		if s.obs != nil {
			s.obs.RecordHalt(ctx, result.HaltedReason)
		}
		s.logger.WarnContext(ctx, "batch halted",
			"reason", result.HaltedReason,
			"started", result.Started,
			"completed", result.BattlesCompleted,
			"error", halt,
		)
		return result, halt
	}

	s.setState(StateIdle)
	if stop != nil {
		s.logger.WarnContext(ctx, "batch stopped",
			"started", result.Started,
			"completed", result.BattlesCompleted,
			"error", stop,
		)
		return result, stop
	}
	s.logger.InfoContext(ctx, "batch complete",
		"started", result.Started,
		"completed", result.BattlesCompleted,
		"audited", result.Audited,
		"errors", result.Errors,
		"throttled", result.Throttled,
	)
	return result, nil
}

func haltReason(err error) string {
	switch {
	case errors.Is(err, contracts.ErrKillSwitchActive):
		return contracts.ErrKillSwitchActive.Error()
	case errors.Is(err, contracts.ErrBudgetExceeded):
		return contracts.ErrBudgetExceeded.Error()
	}
	return err.Error()
}

// RunBattle runs one gated battle against a specific persona. Halt
// conditions are returned without a battle. A battle that fails is returned
// together with its error.
func (s *Scheduler) RunBattle(ctx context.Context, personaID, scenarioID string) (*contracts.Battle, error) {
	settings := s.Settings()
	adm, err := s.admit(ctx, settings)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPersona(ctx, personaID)
	if err != nil {
		s.monitor.Release(ctx, adm.reservation)
		return nil, fmt.Errorf("scheduler: load persona %s: %w", personaID, err)
	}
	out := s.runBattle(ctx, p, scenarioID, adm, settings)
	return out.battle, out.err
}
