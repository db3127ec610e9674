package auditor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

const plainCall = `Closer: Hi John, thanks for taking the call. I wanted to talk about your house on Elm Street. We can offer one hundred twenty thousand cash and close in two weeks. Does that work for you?
Seller: Maybe, I need to think about it.`

const enrichedCall = `Closer: Hi John, thanks for taking the call. I wanted to, um, talk about your house on Elm Street [pause]. We can offer one hundred twenty thousand cash [pause] and close in two weeks. Does that work for you?
Seller: Maybe, I need to think about it.`

type fakeStores struct {
	mu       sync.Mutex
	battles  map[string]*contracts.Battle
	personas map[string]*contracts.Persona
}

func newFakeStores() *fakeStores {
	return &fakeStores{battles: map[string]*contracts.Battle{}, personas: map[string]*contracts.Persona{}}
}

func (f *fakeStores) GetBattle(_ context.Context, id string) (*contracts.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.battles[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStores) UpdateBattle(_ context.Context, b *contracts.Battle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.battles[b.ID] = &cp
	return nil
}

func (f *fakeStores) GetPersona(_ context.Context, id string) (*contracts.Persona, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.personas[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return p.Clone(), nil
}

func (f *fakeStores) UpdatePersona(_ context.Context, p *contracts.Persona) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.personas[p.ID] = p.Clone()
	return nil
}

func TestExtract_CountsMarkersForSpeaker(t *testing.T) {
	ex, err := Extract(enrichedCall, "closer", 150)
	require.NoError(t, err)
	assert.Greater(t, ex.Features[FeaturePauseRate], 0.0)
	assert.Greater(t, ex.Features[FeatureJitterRate], 0.0)
	assert.Zero(t, ex.Features[FeatureShimmerRate])

	plain, err := Extract(plainCall, "closer", 150)
	require.NoError(t, err)
	assert.Zero(t, plain.Features[FeaturePauseRate])
	assert.Zero(t, plain.Features[FeatureJitterRate])
	assert.Greater(t, plain.Features[FeatureRhythmVariance], 0.0)
}

func TestExtract_UnlabeledTranscriptUsesAllText(t *testing.T) {
	ex, err := Extract("Well [sighs] okay. Fine, let's do it.", "closer", 150)
	require.NoError(t, err)
	assert.Greater(t, ex.Features[FeatureShimmerRate], 0.0)
}

func TestExtract_Empty(t *testing.T) {
	_, err := Extract("   ", "closer", 150)
	assert.ErrorIs(t, err, contracts.ErrEmptyTranscript)

	_, err = Extract("Seller: only the other side talked.", "closer", 150)
	assert.ErrorIs(t, err, contracts.ErrEmptyTranscript)

	_, err = Extract("Closer: [pause] [breath]", "closer", 150)
	assert.ErrorIs(t, err, contracts.ErrEmptyTranscript)
}

func TestAudit_MarkerFreeGradesLower(t *testing.T) {
	a := New(DefaultSettings())
	ctx := context.Background()

	plain, err := a.Audit(ctx, plainCall, "")
	require.NoError(t, err)
	enriched, err := a.Audit(ctx, enrichedCall, "")
	require.NoError(t, err)

	assert.Less(t, plain.HumanityGrade, enriched.HumanityGrade)
	assert.NotEmpty(t, plain.Recommendations)
	assert.Equal(t, "weighted_gap", plain.Strategy)
	assert.GreaterOrEqual(t, plain.HumanityGrade, 0.0)
	assert.LessOrEqual(t, enriched.HumanityGrade, 100.0)
}

func TestWeightedGapStrategy_Weights(t *testing.T) {
	gold := DefaultSettings().GoldStandard

	perfect, err := WeightedGapStrategy{}.Score(gold, gold, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, 100.0, perfect.HumanityGrade)
	assert.Equal(t, 100.0, perfect.ClosenessToCline)

	f := contracts.ProsodyFeatures{}
	for k, v := range gold {
		f[k] = v
	}
	f[FeaturePitchVariance] = 0

	s, err := WeightedGapStrategy{}.Score(f, gold, DefaultWeights())
	require.NoError(t, err)
	// pitch/rhythm gap 0.5 at weight 0.5
	assert.Equal(t, 75.0, s.HumanityGrade)
	assert.Equal(t, 83.3, s.ClosenessToCline)
	assert.Equal(t, 0.5, s.CategoryGaps[CategoryPitchRhythm])

	_, err = WeightedGapStrategy{}.Score(f, nil, DefaultWeights())
	assert.Error(t, err)
}

type fixedStrategy struct{ grade float64 }

func (fixedStrategy) Name() string { return "fixed" }

func (s fixedStrategy) Score(contracts.ProsodyFeatures, contracts.ProsodyFeatures, Weights) (*Score, error) {
	return &Score{HumanityGrade: s.grade, ClosenessToCline: s.grade}, nil
}

func TestAudit_PluggableStrategyAndPersist(t *testing.T) {
	stores := newFakeStores()
	stores.battles["b-1"] = &contracts.Battle{ID: "b-1", Status: contracts.BattleCompleted}

	a := New(DefaultSettings(), WithStrategy(fixedStrategy{grade: 42}), WithStores(stores, stores))
	r, err := a.Audit(context.Background(), plainCall, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "fixed", r.Strategy)

	b, _ := stores.GetBattle(context.Background(), "b-1")
	require.NotNil(t, b.HumanityGrade)
	assert.Equal(t, 42.0, *b.HumanityGrade)
	assert.NotEmpty(t, b.ProsodyFeatures)
}

func TestFeedback_BoundedAndIdempotent(t *testing.T) {
	stores := newFakeStores()
	stores.personas["p-1"] = &contracts.Persona{ID: "p-1", BehaviorParams: map[string]any{}}
	a := New(DefaultSettings(), WithStores(stores, stores))
	ctx := context.Background()

	applied, err := a.Feedback(ctx, "p-1", "b-1", 70)
	require.NoError(t, err)
	assert.True(t, applied)

	p, _ := stores.GetPersona(ctx, "p-1")
	assert.Equal(t, 0.3, p.Float(contracts.ParamAcousticTextureFrequency, 0))
	assert.Equal(t, 5.0, p.Float(contracts.ParamAcousticBoostSessions, 0))

	applied, err = a.Feedback(ctx, "p-1", "b-1", 70)
	require.NoError(t, err)
	assert.False(t, applied, "same battle applies once")

	applied, err = a.Feedback(ctx, "p-1", "b-2", 90)
	require.NoError(t, err)
	assert.False(t, applied, "grades at or above the floor are left alone")

	for _, id := range []string{"b-3", "b-4", "b-5", "b-6", "b-7", "b-8"} {
		_, err := a.Feedback(ctx, "p-1", id, 10)
		require.NoError(t, err)
	}
	p, _ = stores.GetPersona(ctx, "p-1")
	assert.Equal(t, 0.7, p.Float(contracts.ParamAcousticTextureFrequency, 0), "capped at base + max boost")
}

func TestConsumeSession_RestoresBase(t *testing.T) {
	stores := newFakeStores()
	stores.personas["p-1"] = &contracts.Persona{ID: "p-1", BehaviorParams: map[string]any{
		contracts.ParamAcousticTextureFrequency: 0.4,
	}}
	a := New(DefaultSettings(), WithStores(stores, stores))
	ctx := context.Background()

	_, err := a.Feedback(ctx, "p-1", "b-1", 50)
	require.NoError(t, err)
	p, _ := stores.GetPersona(ctx, "p-1")
	assert.Equal(t, 0.5, p.Float(contracts.ParamAcousticTextureFrequency, 0))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.ConsumeSession(ctx, "p-1"))
	}
	p, _ = stores.GetPersona(ctx, "p-1")
	assert.Equal(t, 0.4, p.Float(contracts.ParamAcousticTextureFrequency, 0))
	assert.Equal(t, 0.0, p.Float(contracts.ParamAcousticBoostSessions, -1))

	// No boost left: no-op.
	require.NoError(t, a.ConsumeSession(ctx, "p-1"))
}

func TestArena_Lifecycle(t *testing.T) {
	ar := NewArena(New(DefaultSettings()))
	ctx := context.Background()

	require.NoError(t, ar.Begin("call-1"))
	assert.ErrorIs(t, ar.Begin("call-1"), ErrCallExists)
	assert.ErrorIs(t, ar.Observe("nope", "x"), ErrCallUnknown)

	require.NoError(t, ar.Observe("call-1", "Closer: Hi John, um, thanks for taking the call [pause]."))
	require.NoError(t, ar.Observe("call-1", "Closer: We can close in two weeks. Does that work?"))
	assert.Equal(t, 1, ar.Len())

	r, err := ar.Finish(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "call-1", r.BattleID)
	assert.Equal(t, 0, ar.Len())

	_, err = ar.Finish(ctx, "call-1")
	assert.ErrorIs(t, err, ErrCallUnknown)

	require.NoError(t, ar.Begin("call-2"))
	ar.Discard("call-2")
	assert.Equal(t, 0, ar.Len())
}
