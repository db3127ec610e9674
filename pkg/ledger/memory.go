package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// MemoryLedger is an in-process Ledger for tests and single-node dev runs.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []contracts.BudgetLedgerEntry
	clock   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{clock: time.Now}
}

// WithClock overrides the timestamp source for new entries.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(_ context.Context, e contracts.BudgetLedgerEntry) (contracts.BudgetLedgerEntry, error) {
	e, err := prepare(e, l.clock())
	if err != nil {
		return e, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *MemoryLedger) SumSince(_ context.Context, env string, since time.Time) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, e := range l.entries {
		if e.Env == env && !e.CreatedAt.Before(since) {
			total = total.Add(e.CostUSD)
		}
	}
	return total, nil
}

func (l *MemoryLedger) ListSince(_ context.Context, env string, since time.Time) ([]contracts.BudgetLedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []contracts.BudgetLedgerEntry
	for _, e := range l.entries {
		if e.Env == env && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
