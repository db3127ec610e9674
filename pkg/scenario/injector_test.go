package scenario

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunBattle(ctx context.Context, personaID, scenarioID string) (*contracts.Battle, error) {
	args := m.Called(ctx, personaID, scenarioID)
	b, _ := args.Get(0).(*contracts.Battle)
	return b, args.Error(1)
}

func scored(n int, score float64) *contracts.Battle {
	return &contracts.Battle{
		ID:           fmt.Sprintf("battle-%d", n),
		RefereeScore: score,
		Transcript:   fmt.Sprintf("transcript %d", n),
		Status:       contracts.BattleCompleted,
	}
}

func newInjector(r Runner, maxAttempts int) (*Injector, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return New(r, st, Settings{MaxAttempts: maxAttempts, SuccessThreshold: 80}), st
}

func TestInject_ExhaustedAfterCap(t *testing.T) {
	r := &mockRunner{}
	for i := 1; i <= 5; i++ {
		r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(i, 60+float64(i)), nil).Once()
	}
	in, st := newInjector(r, 5)

	sc, err := in.InjectAndBruteForce(context.Background(), "I need to ask my brother first", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ScenarioExhausted, sc.Status)
	assert.Equal(t, 5, sc.Attempts)
	assert.Equal(t, 65.0, sc.BestScore)
	assert.Empty(t, sc.WinningBattleID)
	r.AssertNumberOfCalls(t, "RunBattle", 5)

	p, err := st.GetPersona(context.Background(), sc.SynthesizedPersonaID)
	require.NoError(t, err)
	assert.False(t, p.IsActive, "persona retired at terminal status")
	assert.Equal(t, contracts.PersonaTypeScenario, p.PersonaType)
	assert.Equal(t, "I need to ask my brother first", p.String(contracts.ParamInjectedObjection))
}

func TestInject_SolvedStopsEarly(t *testing.T) {
	r := &mockRunner{}
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(1, 50), nil).Once()
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(2, 79.9), nil).Once()
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(3, 80), nil).Once()
	in, st := newInjector(r, 5)

	sc, err := in.InjectAndBruteForce(context.Background(), "The roof is brand new, I want more", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ScenarioSolved, sc.Status)
	assert.Equal(t, 3, sc.Attempts)
	assert.Equal(t, "battle-3", sc.WinningBattleID)
	assert.Equal(t, "transcript 3", sc.WinningTranscript)
	r.AssertNumberOfCalls(t, "RunBattle", 3)

	stored, err := st.GetScenario(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ScenarioSolved, stored.Status)
}

func TestInject_FailedAttemptsCount(t *testing.T) {
	r := &mockRunner{}
	provider := &contracts.ProviderError{Provider: "fake", Op: "judge", Err: errors.New("down")}
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(1, 0), provider).Times(3)
	in, _ := newInjector(r, 3)

	sc, err := in.InjectAndBruteForce(context.Background(), "Too low", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ScenarioExhausted, sc.Status)
	assert.Equal(t, 3, sc.Attempts)
	assert.Zero(t, sc.BestScore)
}

func TestInject_HaltLeavesPendingAndResumes(t *testing.T) {
	r := &mockRunner{}
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(1, 40), nil).Once()
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(nil, contracts.ErrBudgetExceeded).Once()
	in, st := newInjector(r, 5)
	ctx := context.Background()

	sc, err := in.InjectAndBruteForce(ctx, "Zillow says it's worth more", "")
	require.ErrorIs(t, err, contracts.ErrBudgetExceeded)
	assert.Equal(t, contracts.ScenarioPending, sc.Status)
	assert.Equal(t, 1, sc.Attempts)

	p, err := st.GetPersona(ctx, sc.SynthesizedPersonaID)
	require.NoError(t, err)
	assert.True(t, p.IsActive, "persona kept for resume")

	r.On("RunBattle", mock.Anything, sc.SynthesizedPersonaID, sc.ID).Return(scored(3, 91), nil).Once()
	resumed, err := in.Resume(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ScenarioSolved, resumed.Status)
	assert.Equal(t, 2, resumed.Attempts)
	assert.Equal(t, 91.0, resumed.BestScore)

	_, err = in.Resume(ctx, sc.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestInject_BasePersonaParamsCarried(t *testing.T) {
	r := &mockRunner{}
	r.On("RunBattle", mock.Anything, mock.Anything, mock.Anything).Return(scored(1, 99), nil).Once()
	in, st := newInjector(r, 5)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreatePersona(ctx, &contracts.Persona{
		ID:             "base",
		Name:           "Widow",
		PersonaType:    contracts.PersonaTypeSeller,
		Description:    "Recently widowed, cautious.",
		IsActive:       true,
		BehaviorParams: map[string]any{"patience": 0.3},
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	sc, err := in.InjectAndBruteForce(ctx, "My son handles money", "base")
	require.NoError(t, err)
	p, err := st.GetPersona(ctx, sc.SynthesizedPersonaID)
	require.NoError(t, err)
	assert.Equal(t, 0.3, p.Float("patience", 0))
	assert.Contains(t, p.Description, "Recently widowed")
	assert.Equal(t, "base", sc.BasePersonaID)

	_, err = in.InjectAndBruteForce(ctx, "x", "nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestInject_Validation(t *testing.T) {
	in, _ := newInjector(&mockRunner{}, 5)
	_, err := in.InjectAndBruteForce(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrEmptyObjection)

	_, err = in.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
