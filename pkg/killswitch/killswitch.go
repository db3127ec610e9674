// Package killswitch is the shared halt flag checked before every unit of
// training work.
//
// Activation is idempotent and may be triggered by operators or by the
// budget guard. Deactivation is manual only; nothing in this package ever
// clears the flag on its own.
package killswitch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// ErrActorRequired is returned when a privileged change has no actor.
var ErrActorRequired = errors.New("killswitch: actor required")

// maxReceipts bounds the in-process receipt history.
const maxReceipts = 256

// Store persists the singleton kill-switch state where every scheduler
// instance can see it.
type Store interface {
	Load(ctx context.Context) (contracts.KillSwitchState, error)
	// Update applies fn atomically. fn reports whether it changed the state;
	// unchanged states are not written.
	Update(ctx context.Context, fn func(cur contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error)
}

// Receipt records one state transition.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	Transition  string    `json:"transition"`
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Switch wraps a Store with notification and receipts.
type Switch struct {
	store    Store
	notifier Notifier
	clock    func() time.Time
	logger   *slog.Logger

	notifyTimeout time.Duration
	pending       sync.WaitGroup

	mu       sync.Mutex
	receipts []Receipt
}

// Option configures a Switch.
type Option func(*Switch)

func WithNotifier(n Notifier) Option { return func(s *Switch) { s.notifier = n } }

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option { return func(s *Switch) { s.clock = clock } }

func New(store Store, opts ...Option) *Switch {
	s := &Switch{
		store:         store,
		notifier:      LogNotifier{},
		clock:         time.Now,
		logger:        slog.Default().With("component", "killswitch"),
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsActive reports whether training must halt. It fails closed: if the state
// cannot be read, the switch is treated as active.
func (s *Switch) IsActive(ctx context.Context) bool {
	st, err := s.store.Load(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "kill switch unreadable, failing closed", "error", err)
		return true
	}
	return st.Active
}

// State returns the stored state.
func (s *Switch) State(ctx context.Context) (contracts.KillSwitchState, error) {
	return s.store.Load(ctx)
}

// Activate sets the flag. Activating an active switch keeps the original
// activatedAt and only updates the reason. The returned receipt is nil when
// nothing changed.
func (s *Switch) Activate(ctx context.Context, reason, actor string) (*Receipt, error) {
	if actor == "" {
		actor = "system"
	}
	now := s.clock().UTC()
	var wasActive bool
	st, changed, err := s.store.Update(ctx, func(cur contracts.KillSwitchState) (contracts.KillSwitchState, bool) {
		wasActive = cur.Active
		if cur.Active && cur.Reason == reason {
			return cur, false
		}
		next := cur
		if !cur.Active {
			next.Active = true
			next.ActivatedAt = &now
		}
		next.Reason = reason
		next.UpdatedBy = actor
		next.UpdatedAt = now
		return next, true
	})
	if err != nil {
		return nil, fmt.Errorf("killswitch: activate: %w", err)
	}
	if !changed {
		return nil, nil
	}

	transition := "inactive→active"
	if wasActive {
		transition = "active→active"
	}
	r := s.record(transition, actor, reason, now)
	s.logger.WarnContext(ctx, "kill switch activated", "reason", reason, "actor", actor, "receipt", r.ReceiptID)
	s.dispatch(ctx, Event{Type: EventActivated, State: st, Receipt: *r})
	return r, nil
}

// Deactivate clears the flag. It is a privileged manual action and requires
// an actor.
func (s *Switch) Deactivate(ctx context.Context, actor string) (*Receipt, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	now := s.clock().UTC()
	var prevReason string
	st, changed, err := s.store.Update(ctx, func(cur contracts.KillSwitchState) (contracts.KillSwitchState, bool) {
		if !cur.Active {
			return cur, false
		}
		prevReason = cur.Reason
		return contracts.KillSwitchState{
			Active:    false,
			UpdatedBy: actor,
			UpdatedAt: now,
		}, true
	})
	if err != nil {
		return nil, fmt.Errorf("killswitch: deactivate: %w", err)
	}
	if !changed {
		return nil, nil
	}
	r := s.record("active→inactive", actor, prevReason, now)
	s.logger.InfoContext(ctx, "kill switch deactivated", "actor", actor, "receipt", r.ReceiptID)
	s.dispatch(ctx, Event{Type: EventDeactivated, State: st, Receipt: *r})
	return r, nil
}

// Receipts returns the transitions observed by this process, oldest first.
func (s *Switch) Receipts() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out
}

// Wait blocks until in-flight notifications finish.
func (s *Switch) Wait() {
	s.pending.Wait()
}

func (s *Switch) record(transition, actor, reason string, at time.Time) *Receipt {
	r := Receipt{
		ReceiptID:  "ks-" + uuid.NewString(),
		Transition: transition,
		Actor:      actor,
		Reason:     reason,
		Timestamp:  at,
	}
	r.ContentHash = contentHash(r)

	s.mu.Lock()
	s.receipts = append(s.receipts, r)
	if len(s.receipts) > maxReceipts {
		s.receipts = s.receipts[len(s.receipts)-maxReceipts:]
	}
	s.mu.Unlock()
	return &r
}

// contentHash is sha256 over the RFC 8785 canonical JSON of the receipt.
func contentHash(r Receipt) string {
	r.ContentHash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:])
}

// dispatch notifies without blocking the caller. Failures are logged and
// dropped.
func (s *Switch) dispatch(ctx context.Context, ev Event) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(nctx, ev); err != nil {
			s.logger.Error("kill switch notification failed", "event", ev.Type, "error", err)
		}
	}()
}
