package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/artifacts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

var defaultBars = Bars{MinReferee: 90, MinHumanity: 85}

func graded(id string, referee float64, grade *float64, at time.Time) *contracts.Battle {
	return &contracts.Battle{
		ID:             id,
		PersonaID:      "p1",
		Transcript:     "closer: deal?",
		RefereeScore:   referee,
		HumanityGrade:  grade,
		Status:         contracts.BattleCompleted,
		DocumentStatus: contracts.DocumentCompleted,
		CreatedAt:      at,
	}
}

func ptr(v float64) *float64 { return &v }

func TestRule_Default(t *testing.T) {
	r, err := CompileRule(DefaultRule)
	require.NoError(t, err)

	ok, err := r.Match(graded("b", 92, ptr(88), time.Now()), defaultBars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Match(graded("b", 92, ptr(80), time.Now()), defaultBars)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Match(graded("b", 89.9, ptr(99), time.Now()), defaultBars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRule_CustomAndInvalid(t *testing.T) {
	r, err := CompileRule(`battle.verbal_yes_to_price && battle.document_status == "completed" && battle.referee_score > 70`)
	require.NoError(t, err)
	ok, err := r.Match(graded("b", 71, nil, time.Now()), defaultBars)
	require.NoError(t, err)
	assert.False(t, ok, "verbal yes is false")

	_, err = CompileRule(`battle.referee_score +`)
	assert.Error(t, err)

	_, err = CompileRule(`min_referee + 1.0`)
	assert.Error(t, err, "non-boolean rule")
}

func newDetector(t *testing.T) (*Detector, *store.MemoryStore, artifacts.Archive) {
	t.Helper()
	st := store.NewMemoryStore()
	archive, err := artifacts.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	rule, err := CompileRule(DefaultRule)
	require.NoError(t, err)
	return NewDetector(st, archive, rule, defaultBars, 24*time.Hour), st, archive
}

func TestDetector_ScanFlagsWithinWindow(t *testing.T) {
	d, st, _ := newDetector(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateBattle(ctx, graded("hit", 95, ptr(90), now.Add(-time.Hour))))
	require.NoError(t, st.CreateBattle(ctx, graded("low-humanity", 95, ptr(70), now.Add(-time.Hour))))
	require.NoError(t, st.CreateBattle(ctx, graded("ungraded", 99, nil, now.Add(-time.Hour))))
	require.NoError(t, st.CreateBattle(ctx, graded("stale", 99, ptr(99), now.Add(-48*time.Hour))))

	flagged, err := d.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "hit", flagged[0].ID)

	b, err := st.GetBattle(ctx, "hit")
	require.NoError(t, err)
	assert.Equal(t, contracts.BattlePendingReview, b.Status)

	// A second scan does not re-flag.
	flagged, err = d.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	listed, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestDetector_ReviewTransitions(t *testing.T) {
	d, st, archive := newDetector(t)
	ctx := context.Background()
	b := graded("b1", 95, ptr(90), time.Now())
	b.Status = contracts.BattlePendingReview
	require.NoError(t, st.CreateBattle(ctx, b))

	got, err := d.Review(ctx, "b1", contracts.BattleReviewed, "coach@example.com")
	require.NoError(t, err)
	assert.Equal(t, contracts.BattleReviewed, got.Status)
	assert.Equal(t, "coach@example.com", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.Empty(t, got.ArchiveRef)

	got, err = d.Review(ctx, "b1", contracts.BattlePromoted, "coach@example.com")
	require.NoError(t, err)
	assert.Equal(t, contracts.BattlePromoted, got.Status)
	require.NotEmpty(t, got.ArchiveRef)

	data, err := archive.Get(ctx, got.ArchiveRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"battleId":"b1"`)

	// One-way: no reversal out of promoted.
	_, err = d.Review(ctx, "b1", contracts.BattleRejected, "coach@example.com")
	assert.True(t, errors.Is(err, contracts.ErrInvalidTransition))
	_, err = d.Review(ctx, "b1", contracts.BattlePendingReview, "coach@example.com")
	assert.True(t, errors.Is(err, contracts.ErrInvalidTransition))
}

func TestDetector_ReviewRequiresFlag(t *testing.T) {
	d, st, _ := newDetector(t)
	ctx := context.Background()
	require.NoError(t, st.CreateBattle(ctx, graded("b1", 50, ptr(50), time.Now())))

	_, err := d.Review(ctx, "b1", contracts.BattlePromoted, "coach")
	assert.True(t, errors.Is(err, contracts.ErrInvalidTransition))
	_, err = d.Review(ctx, "b1", contracts.BattlePendingReview, "coach")
	assert.True(t, errors.Is(err, contracts.ErrInvalidTransition))

	_, err = d.Review(ctx, "missing", contracts.BattleRejected, "coach")
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
}

func TestPersonaAnalytics_SortedHardestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	for _, p := range []contracts.Persona{
		{ID: "easy", Name: "Easy", IsActive: true, BehaviorParams: map[string]any{}},
		{ID: "hard", Name: "Hard", IsActive: true, BehaviorParams: map[string]any{}},
		{ID: "idle", Name: "Idle", IsActive: true, BehaviorParams: map[string]any{}},
		{ID: "gone", Name: "Gone", IsActive: false, BehaviorParams: map[string]any{}},
	} {
		p := p
		require.NoError(t, st.CreatePersona(ctx, &p))
	}
	add := func(id, persona string, yes bool, doc contracts.DocumentStatus, score float64) {
		require.NoError(t, st.CreateBattle(ctx, &contracts.Battle{
			ID: id, PersonaID: persona, VerbalYesToPrice: yes, DocumentStatus: doc,
			RefereeScore: score, Status: contracts.BattleCompleted, CreatedAt: now,
		}))
	}
	add("e1", "easy", true, contracts.DocumentCompleted, 90)
	add("e2", "easy", true, contracts.DocumentCompleted, 80)
	add("h1", "hard", true, contracts.DocumentSent, 60)
	add("h2", "hard", false, contracts.DocumentPending, 40)
	add("g1", "gone", true, contracts.DocumentCompleted, 99)

	counting := &countingStore{MemoryStore: st}
	stats, err := PersonaAnalytics(ctx, counting)
	assert.Equal(t, 1, counting.listBattles)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "hard", stats[0].PersonaID)
	assert.Equal(t, "idle", stats[1].PersonaID)
	assert.Equal(t, "easy", stats[2].PersonaID)

	hard := stats[0]
	assert.Equal(t, 2, hard.TotalBattles)
	assert.Equal(t, 1, hard.PrimarySuccesses)
	assert.Equal(t, 0, hard.SuccessfulBattles)
	assert.Equal(t, 50.0, hard.AverageScore)
	assert.Equal(t, "Hard", hard.PersonaName)

	assert.Equal(t, 100.0, stats[2].SuccessRate)
}

// countingStore counts battle listings.
type countingStore struct {
	*store.MemoryStore
	listBattles int
}

func (c *countingStore) ListBattles(ctx context.Context, f store.BattleFilter) ([]contracts.Battle, error) {
	c.listBattles++
	return c.MemoryStore.ListBattles(ctx, f)
}
