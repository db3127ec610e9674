package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrReservationDenied means the estimate does not fit in today's headroom.
var ErrReservationDenied = errors.New("budget: reservation denied")

// reservationTTL bounds how long a crashed battle can hold budget.
const reservationTTL = 30 * time.Minute

// Reservation holds an estimated cost against today's cap until the real
// cost has been written to the ledger.
type Reservation struct {
	ID        string
	Day       string
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

// Reserver tracks outstanding reservations per day. Implementations must
// make the admit check and the hold a single atomic step.
type Reserver interface {
	// Reserve admits r when committed + outstanding + r.Amount <= limit.
	Reserve(ctx context.Context, r Reservation, committed, limit decimal.Decimal) (bool, error)
	Release(ctx context.Context, r Reservation) error
	Outstanding(ctx context.Context, day string) (decimal.Decimal, error)
}

// Reserve holds estimate against today's cap. It returns (nil, nil) when no
// Reserver is configured, in which case admission falls back to the plain
// status check.
func (m *Monitor) Reserve(ctx context.Context, estimate decimal.Decimal) (*Reservation, error) {
	if m.reserver == nil {
		return nil, nil
	}
	now := m.clock()
	spend, err := m.GetTodaySpend(ctx)
	if err != nil {
		return nil, err
	}
	r := Reservation{
		ID:        uuid.NewString(),
		Day:       m.dayKey(now),
		Amount:    estimate,
		ExpiresAt: now.Add(reservationTTL),
	}
	ok, err := m.reserver.Reserve(ctx, r, spend, m.Limits().DailyCap)
	if err != nil {
		return nil, fmt.Errorf("budget: reserve: %w", err)
	}
	if !ok {
		return nil, ErrReservationDenied
	}
	return &r, nil
}

// Commit drops the hold once actual spend is in the ledger.
func (m *Monitor) Commit(ctx context.Context, r *Reservation, actual decimal.Decimal) {
	if r == nil {
		return
	}
	if actual.GreaterThan(r.Amount) {
		m.logger.WarnContext(ctx, "battle cost exceeded reservation",
			"reservation", r.ID, "estimate", r.Amount.String(), "actual", actual.String())
	}
	m.release(ctx, r)
}

// Release drops a hold whose battle produced no spend.
func (m *Monitor) Release(ctx context.Context, r *Reservation) {
	if r == nil {
		return
	}
	m.release(ctx, r)
}

func (m *Monitor) release(ctx context.Context, r *Reservation) {
	// Use a detached context so cancellation of the battle still frees budget.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.reserver.Release(rctx, *r); err != nil {
		m.logger.ErrorContext(ctx, "release reservation", "reservation", r.ID, "error", err)
	}
}

// MemoryReserver keeps reservations in process.
type MemoryReserver struct {
	mu    sync.Mutex
	held  map[string]map[string]Reservation
	clock func() time.Time
}

func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{held: make(map[string]map[string]Reservation), clock: time.Now}
}

func (s *MemoryReserver) Reserve(_ context.Context, r Reservation, committed, limit decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := s.held[r.Day]
	if day == nil {
		day = make(map[string]Reservation)
		s.held[r.Day] = day
	}
	total := committed.Add(s.outstandingLocked(day)).Add(r.Amount)
	if total.GreaterThan(limit) {
		return false, nil
	}
	day[r.ID] = r
	return true, nil
}

func (s *MemoryReserver) Release(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held[r.Day], r.ID)
	return nil
}

func (s *MemoryReserver) Outstanding(_ context.Context, day string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingLocked(s.held[day]), nil
}

func (s *MemoryReserver) outstandingLocked(day map[string]Reservation) decimal.Decimal {
	now := s.clock()
	total := decimal.Zero
	for id, r := range day {
		if now.After(r.ExpiresAt) {
			delete(day, id)
			continue
		}
		total = total.Add(r.Amount)
	}
	return total
}
