package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// SQLStore keeps the state in a single-row kill_switch table.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db        *sql.DB
	forUpdate bool
}

// NewSQLStore creates a store for the given driver ("postgres" or "sqlite").
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, forUpdate: driver == "postgres"}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS kill_switch (
	id INTEGER PRIMARY KEY,
	active BOOLEAN NOT NULL DEFAULT FALSE,
	activated_at TIMESTAMP,
	reason TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

const selectState = `SELECT active, activated_at, reason, updated_by, updated_at FROM kill_switch WHERE id = 1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (contracts.KillSwitchState, error) {
	var (
		st          contracts.KillSwitchState
		activatedAt sql.NullTime
		updatedAt   sql.NullTime
	)
	err := row.Scan(&st.Active, &activatedAt, &st.Reason, &st.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.KillSwitchState{}, nil
	}
	if err != nil {
		return st, err
	}
	if activatedAt.Valid {
		t := activatedAt.Time.UTC()
		st.ActivatedAt = &t
	}
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time.UTC()
	}
	return st, nil
}

func (s *SQLStore) Load(ctx context.Context) (contracts.KillSwitchState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, selectState))
	if err != nil {
		return st, fmt.Errorf("failed to load kill switch: %w", err)
	}
	return st, nil
}

func (s *SQLStore) Update(ctx context.Context, fn func(contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.KillSwitchState{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	q := selectState
	if s.forUpdate {
		q += " FOR UPDATE"
	}
	cur, err := scanState(tx.QueryRowContext(ctx, q))
	if err != nil {
		return cur, false, fmt.Errorf("failed to load kill switch: %w", err)
	}

	next, changed := fn(cur)
	if !changed {
		return cur, false, nil
	}

	var activatedAt any
	if next.ActivatedAt != nil {
		activatedAt = *next.ActivatedAt
	}
	query := `
		INSERT INTO kill_switch (id, active, activated_at, reason, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			activated_at = EXCLUDED.activated_at,
			reason = EXCLUDED.reason,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, next.Active, activatedAt, next.Reason, next.UpdatedBy, next.UpdatedAt); err != nil {
		return cur, false, fmt.Errorf("failed to persist kill switch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, false, err
	}
	return next, true, nil
}
