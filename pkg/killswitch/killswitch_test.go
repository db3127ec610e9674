package killswitch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (n *recordingNotifier) Notify(ctx context.Context, ev Event) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (contracts.KillSwitchState, error) {
	return contracts.KillSwitchState{}, errors.New("connection refused")
}

func (brokenStore) Update(context.Context, func(contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error) {
	return contracts.KillSwitchState{}, false, errors.New("connection refused")
}

func TestSwitch_ActivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	now := t0
	n := &recordingNotifier{}
	s := New(NewMemoryStore(), WithNotifier(n), WithClock(func() time.Time { return now }))

	assert.False(t, s.IsActive(ctx))

	r1, err := s.Activate(ctx, "daily budget exceeded", "system")
	require.NoError(t, err)
	require.NotNil(t, r1)
	assert.Equal(t, "inactive→active", r1.Transition)

	now = t0.Add(time.Hour)
	r2, err := s.Activate(ctx, "daily budget exceeded", "system")
	require.NoError(t, err)
	assert.Nil(t, r2, "same reason is a no-op")

	r3, err := s.Activate(ctx, "operator halt", "alice")
	require.NoError(t, err)
	require.NotNil(t, r3)
	assert.Equal(t, "active→active", r3.Transition)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Active)
	require.NotNil(t, st.ActivatedAt)
	assert.Equal(t, t0, *st.ActivatedAt, "first activation time is kept")
	assert.Equal(t, "operator halt", st.Reason)

	s.Wait()
	assert.Equal(t, 2, n.count())
	assert.True(t, s.IsActive(ctx))
}

func TestSwitch_DeactivateRequiresActor(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore())
	_, err := s.Activate(ctx, "halt", "")
	require.NoError(t, err)

	_, err = s.Deactivate(ctx, "")
	assert.ErrorIs(t, err, ErrActorRequired)
	assert.True(t, s.IsActive(ctx))

	r, err := s.Deactivate(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "halt", r.Reason)
	assert.False(t, s.IsActive(ctx))

	st, _ := s.State(ctx)
	assert.Nil(t, st.ActivatedAt)

	r, err = s.Deactivate(ctx, "admin")
	require.NoError(t, err)
	assert.Nil(t, r)
	s.Wait()
}

func TestSwitch_FailsClosed(t *testing.T) {
	s := New(brokenStore{})
	assert.True(t, s.IsActive(context.Background()))
	_, err := s.Activate(context.Background(), "x", "y")
	assert.Error(t, err)
}

func TestSwitch_NotificationDoesNotBlock(t *testing.T) {
	n := &recordingNotifier{block: make(chan struct{})}
	s := New(NewMemoryStore(), WithNotifier(n))

	done := make(chan struct{})
	go func() {
		_, _ = s.Activate(context.Background(), "halt", "ops")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Activate blocked on notifier")
	}
	close(n.block)
	s.Wait()
	assert.Equal(t, 1, n.count())
}

func TestSwitch_NotificationFailureSwallowed(t *testing.T) {
	n := &recordingNotifier{err: errors.New("pager down")}
	s := New(NewMemoryStore(), WithNotifier(n))
	r, err := s.Activate(context.Background(), "halt", "ops")
	require.NoError(t, err)
	require.NotNil(t, r)
	s.Wait()
	assert.True(t, s.IsActive(context.Background()))
}

func TestSwitch_ReceiptsAreHashed(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore())
	_, err := s.Activate(ctx, "halt", "ops")
	require.NoError(t, err)
	_, err = s.Deactivate(ctx, "ops")
	require.NoError(t, err)
	s.Wait()

	receipts := s.Receipts()
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Contains(t, r.ContentHash, "sha256:")
		assert.Equal(t, r.ContentHash, contentHash(r))
	}
	assert.NotEqual(t, receipts[0].ContentHash, receipts[1].ContentHash)
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := MultiNotifier{ok, bad, LogNotifier{}}.Notify(context.Background(), Event{Type: EventActivated})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, ok.count())
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{
		Type:    EventActivated,
		Receipt: Receipt{Reason: "daily budget exceeded"},
	})
	require.NoError(t, err)
	assert.Contains(t, got["text"], "daily budget exceeded")

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, NewWebhookNotifier(failing.URL).Notify(context.Background(), Event{}))
}

func TestSQLStore_SharedBetweenSwitches(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ks.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	store := NewSQLStore(db, "sqlite")
	require.NoError(t, store.Init(ctx))

	// Two schedulers, one table.
	a := New(store)
	b := New(NewSQLStore(db, "sqlite"))

	assert.False(t, b.IsActive(ctx))
	_, err = a.Activate(ctx, "budget", "system")
	require.NoError(t, err)
	assert.True(t, b.IsActive(ctx))

	first, err := b.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.ActivatedAt)

	_, err = b.Activate(ctx, "operator", "ops")
	require.NoError(t, err)
	second, err := a.State(ctx)
	require.NoError(t, err)
	assert.True(t, first.ActivatedAt.Equal(*second.ActivatedAt))
	assert.Equal(t, "operator", second.Reason)

	_, err = a.Deactivate(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, b.IsActive(ctx))
	a.Wait()
	b.Wait()
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisStore(client)
	store.key = "governor:kill_switch:test"
	defer func() { _ = client.Del(ctx, store.key).Err() }()

	s := New(store)
	_, err := s.Activate(ctx, "budget", "system")
	require.NoError(t, err)
	assert.True(t, s.IsActive(ctx))
	_, err = s.Deactivate(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, s.IsActive(ctx))
	s.Wait()
}
