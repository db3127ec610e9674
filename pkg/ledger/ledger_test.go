package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

func entry(cost string, at time.Time) contracts.BudgetLedgerEntry {
	return contracts.BudgetLedgerEntry{
		Provider:  "openai",
		Model:     "gpt-4o",
		CostUSD:   decimal.RequireFromString(cost),
		Env:       "test",
		CreatedAt: at,
	}
}

func TestMemoryLedger_SumSince(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	midnight := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	_, err := l.Append(ctx, entry("1.25", midnight.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("0.10", midnight))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("0.20", midnight.Add(3*time.Hour)))
	require.NoError(t, err)

	other := entry("9.99", midnight.Add(time.Hour))
	other.Env = "prod"
	_, err = l.Append(ctx, other)
	require.NoError(t, err)

	sum, err := l.SumSince(ctx, "test", midnight)
	require.NoError(t, err)
	assert.Equal(t, "0.3", sum.String())

	list, err := l.ListSince(ctx, "test", midnight)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.NotEmpty(t, list[0].ID)
}

func TestMemoryLedger_RejectsInvalid(t *testing.T) {
	l := NewMemoryLedger()
	_, err := l.Append(context.Background(), entry("-1", time.Now()))
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	e := entry("1", time.Now())
	e.Provider = ""
	_, err = l.Append(context.Background(), e)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestSQLLedger_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db)
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_ledger")).
		WithArgs(sqlmock.AnyArg(), "openai", "gpt-4o", "0.42", "test", "battle-1", at, "null").
		WillReturnResult(sqlmock.NewResult(1, 1))

	e := entry("0.42", at)
	e.BattleID = "battle-1"
	got, err := l.Append(context.Background(), e)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AppendFailureIsPersistenceError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_ledger")).
		WillReturnError(sql.ErrConnDone)

	_, err = NewSQLLedger(db).Append(context.Background(), entry("1", time.Now()))
	var pe *contracts.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestSQLLedger_SumSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT cost_usd FROM budget_ledger WHERE env = $1 AND created_at >= $2")).
		WithArgs("test", since).
		WillReturnRows(sqlmock.NewRows([]string{"cost_usd"}).AddRow("0.10").AddRow("0.20").AddRow("14.71"))

	sum, err := NewSQLLedger(db).SumSince(context.Background(), "test", since)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("15.01")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_SQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	l := NewSQLLedger(db)
	require.NoError(t, l.Init(ctx))

	midnight := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err = l.Append(ctx, entry("2.00", midnight.Add(-time.Hour)))
	require.NoError(t, err)
	e := entry("1.50", midnight.Add(2*time.Hour))
	e.Metadata = map[string]string{"kind": "judge"}
	_, err = l.Append(ctx, e)
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("2.00", midnight.Add(5*time.Hour)))
	require.NoError(t, err)

	sum, err := l.SumSince(ctx, "test", midnight)
	require.NoError(t, err)
	assert.Equal(t, "3.5", sum.String())

	list, err := l.ListSince(ctx, "test", midnight)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "judge", list[0].Metadata["kind"])
}
