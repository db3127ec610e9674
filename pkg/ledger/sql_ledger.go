package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS budget_ledger (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT,
	cost_usd TEXT NOT NULL,
	env TEXT NOT NULL,
	battle_id TEXT,
	created_at TIMESTAMP NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_budget_ledger_env_created ON budget_ledger (env, created_at);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) Append(ctx context.Context, e contracts.BudgetLedgerEntry) (contracts.BudgetLedgerEntry, error) {
	e, err := prepare(e, s.clock())
	if err != nil {
		return e, err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return e, fmt.Errorf("ledger: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO budget_ledger (id, provider, model, cost_usd, env, battle_id, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	// Amounts are stored as exact decimal strings so Postgres and SQLite agree.
	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.Provider, e.Model, e.CostUSD.String(), e.Env, e.BattleID, e.CreatedAt, string(meta),
	)
	if err != nil {
		return e, &contracts.PersistenceError{Op: "ledger append", Err: err}
	}
	return e, nil
}

// SumSince totals in Go so decimal precision does not depend on the driver.
func (s *SQLLedger) SumSince(ctx context.Context, env string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cost_usd FROM budget_ledger WHERE env = $1 AND created_at >= $2`, env, since.UTC())
	if err != nil {
		return decimal.Zero, &contracts.PersistenceError{Op: "ledger sum", Err: err}
	}
	defer func() { _ = rows.Close() }()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger: corrupt amount %q: %w", raw, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (s *SQLLedger) ListSince(ctx context.Context, env string, since time.Time) ([]contracts.BudgetLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, cost_usd, env, battle_id, created_at, metadata
		FROM budget_ledger WHERE env = $1 AND created_at >= $2 ORDER BY created_at`, env, since.UTC())
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "ledger list", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.BudgetLedgerEntry
	for rows.Next() {
		var (
			e             contracts.BudgetLedgerEntry
			cost          string
			model, battle sql.NullString
			meta          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Provider, &model, &cost, &e.Env, &battle, &e.CreatedAt, &meta); err != nil {
			return nil, err
		}
		if e.CostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("ledger: corrupt amount %q: %w", cost, err)
		}
		e.Model = model.String
		e.BattleID = battle.String
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: corrupt metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
