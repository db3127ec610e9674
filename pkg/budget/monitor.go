// Package budget enforces the daily spend guardrails of the training loop.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/ledger"
)

// Limits are the daily guardrails in USD.
type Limits struct {
	DailyCap          decimal.Decimal
	ThrottleThreshold decimal.Decimal
}

// DefaultLimits returns the $15.00 cap and $3.00 throttle.
func DefaultLimits() Limits {
	return Limits{
		DailyCap:          decimal.NewFromInt(15),
		ThrottleThreshold: decimal.NewFromInt(3),
	}
}

// Status is a point-in-time view of today's spend.
type Status struct {
	TodaySpend     decimal.Decimal `json:"todaySpend"`
	DailyCap       decimal.Decimal `json:"dailyCap"`
	Remaining      decimal.Decimal `json:"remaining"`
	PercentageUsed float64         `json:"percentageUsed"`
	IsThrottled    bool            `json:"isThrottled"`
	IsExceeded     bool            `json:"isExceeded"`
	Reserved       decimal.Decimal `json:"reserved"`
	WindowStart    time.Time       `json:"windowStart"`
}

// Monitor derives spend state from the ledger. The window is always "since
// the most recent UTC midnight"; no reset job is needed.
type Monitor struct {
	ledger   ledger.Ledger
	env      string
	reserver Reserver
	clock    func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithReserver enables reserve-then-commit admission.
func WithReserver(r Reserver) Option {
	return func(m *Monitor) { m.reserver = r }
}

func NewMonitor(l ledger.Ledger, env string, limits Limits, opts ...Option) *Monitor {
	m := &Monitor{
		ledger: l,
		env:    env,
		limits: limits,
		clock:  time.Now,
		logger: slog.Default().With("component", "budget"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLimits swaps the guardrails, e.g. after a tuning reload.
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

func (m *Monitor) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Env is the environment whose spend this monitor tracks.
func (m *Monitor) Env() string { return m.env }

// StartOfDayUTC returns the most recent UTC midnight at or before t.
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetTodaySpend sums ledger entries for this env since UTC midnight.
func (m *Monitor) GetTodaySpend(ctx context.Context) (decimal.Decimal, error) {
	spend, err := m.ledger.SumSince(ctx, m.env, StartOfDayUTC(m.clock()))
	if err != nil {
		return decimal.Zero, fmt.Errorf("budget: today spend: %w", err)
	}
	return spend, nil
}

// GetBudgetStatus reports today's spend against the guardrails.
func (m *Monitor) GetBudgetStatus(ctx context.Context) (*Status, error) {
	now := m.clock()
	spend, err := m.GetTodaySpend(ctx)
	if err != nil {
		return nil, err
	}
	limits := m.Limits()

	reserved := decimal.Zero
	if m.reserver != nil {
		reserved, err = m.reserver.Outstanding(ctx, m.dayKey(now))
		if err != nil {
			m.logger.WarnContext(ctx, "reserved total unavailable", "error", err)
			reserved = decimal.Zero
		}
	}

	remaining := limits.DailyCap.Sub(spend)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	pct := 0.0
	if limits.DailyCap.IsPositive() {
		pct, _ = spend.Div(limits.DailyCap).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	}

	return &Status{
		TodaySpend:     spend,
		DailyCap:       limits.DailyCap,
		Remaining:      remaining,
		PercentageUsed: pct,
		IsThrottled:    spend.GreaterThanOrEqual(limits.ThrottleThreshold),
		IsExceeded:     spend.GreaterThanOrEqual(limits.DailyCap),
		Reserved:       reserved,
		WindowStart:    StartOfDayUTC(now),
	}, nil
}

func (m *Monitor) dayKey(t time.Time) string {
	return m.env + ":" + StartOfDayUTC(t).Format("2006-01-02")
}
