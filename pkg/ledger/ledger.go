// Package ledger is the append-only record of provider spend.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// ErrInvalidEntry rejects entries that would corrupt spend totals.
var ErrInvalidEntry = errors.New("ledger: invalid entry")

// Ledger appends spend entries and sums them. There is no update or delete.
type Ledger interface {
	Append(ctx context.Context, e contracts.BudgetLedgerEntry) (contracts.BudgetLedgerEntry, error)
	SumSince(ctx context.Context, env string, since time.Time) (decimal.Decimal, error)
	ListSince(ctx context.Context, env string, since time.Time) ([]contracts.BudgetLedgerEntry, error)
}

// prepare fills id and timestamp and validates the amount.
func prepare(e contracts.BudgetLedgerEntry, now time.Time) (contracts.BudgetLedgerEntry, error) {
	if e.CostUSD.IsNegative() {
		return e, errors.Join(ErrInvalidEntry, errors.New("negative cost"))
	}
	if e.Provider == "" || e.Env == "" {
		return e, errors.Join(ErrInvalidEntry, errors.New("provider and env are required"))
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
