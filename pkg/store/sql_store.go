package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS personas (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	persona_type TEXT NOT NULL,
	description TEXT,
	is_active BOOLEAN NOT NULL,
	behavior_params TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS battles (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	scenario_id TEXT,
	transcript TEXT,
	turns INTEGER,
	referee_score DOUBLE PRECISION,
	math_defense_score DOUBLE PRECISION,
	humanity_score DOUBLE PRECISION,
	success_score DOUBLE PRECISION,
	humanity_grade DOUBLE PRECISION,
	closeness_to_cline DOUBLE PRECISION,
	prosody_features TEXT,
	gap_report TEXT,
	verbal_yes_to_price BOOLEAN NOT NULL,
	document_status TEXT,
	status TEXT NOT NULL,
	judge_model TEXT,
	degraded BOOLEAN NOT NULL,
	cost_usd TEXT,
	token_input INTEGER,
	token_output INTEGER,
	error_message TEXT,
	archive_ref TEXT,
	created_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	reviewed_by TEXT,
	reviewed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_battles_persona ON battles (persona_id);
CREATE INDEX IF NOT EXISTS idx_battles_status_created ON battles (status, created_at);
CREATE TABLE IF NOT EXISTS scenarios (
	id TEXT PRIMARY KEY,
	raw_objection TEXT NOT NULL,
	base_persona_id TEXT,
	synthesized_persona_id TEXT,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	best_score DOUBLE PRECISION,
	winning_battle_id TEXT,
	winning_transcript TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &contracts.PersistenceError{Op: op, Err: err}
}

func notFoundOr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ErrNotFound
	}
	return err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// --- battles ---

const battleColumns = `id, persona_id, scenario_id, transcript, turns, referee_score, math_defense_score,
	humanity_score, success_score, humanity_grade, closeness_to_cline, prosody_features, gap_report,
	verbal_yes_to_price, document_status, status, judge_model, degraded, cost_usd, token_input, token_output,
	error_message, archive_ref, created_at, ended_at, reviewed_by, reviewed_at`

func battleArgs(b *contracts.Battle) ([]any, error) {
	features, err := json.Marshal(b.ProsodyFeatures)
	if err != nil {
		return nil, err
	}
	gaps, err := json.Marshal(b.GapReport)
	if err != nil {
		return nil, err
	}
	return []any{
		b.ID, b.PersonaID, b.ScenarioID, b.Transcript, b.Turns,
		b.RefereeScore, b.MathDefenseScore, b.HumanityScore, b.SuccessScore,
		nullFloat(b.HumanityGrade), nullFloat(b.ClosenessToCline), string(features), string(gaps),
		b.VerbalYesToPrice, string(b.DocumentStatus), string(b.Status), b.JudgeModel, b.Degraded,
		b.CostUSD.String(), b.TokenUsage.Input, b.TokenUsage.Output,
		b.ErrorMessage, b.ArchiveRef, b.CreatedAt.UTC(), nullTime(b.EndedAt), b.ReviewedBy, nullTime(b.ReviewedAt),
	}, nil
}

func (s *SQLStore) CreateBattle(ctx context.Context, b *contracts.Battle) error {
	args, err := battleArgs(b)
	if err != nil {
		return err
	}
	query := `INSERT INTO battles (` + battleColumns + `) VALUES (` + placeholders(1, len(args)) + `)`
	_, err = s.db.ExecContext(ctx, query, args...)
	return persistErr("create battle", err)
}

func (s *SQLStore) UpdateBattle(ctx context.Context, b *contracts.Battle) error {
	args, err := battleArgs(b)
	if err != nil {
		return err
	}
	query := `
		UPDATE battles SET persona_id = $2, scenario_id = $3, transcript = $4, turns = $5,
			referee_score = $6, math_defense_score = $7, humanity_score = $8, success_score = $9,
			humanity_grade = $10, closeness_to_cline = $11, prosody_features = $12, gap_report = $13,
			verbal_yes_to_price = $14, document_status = $15, status = $16, judge_model = $17, degraded = $18,
			cost_usd = $19, token_input = $20, token_output = $21, error_message = $22, archive_ref = $23,
			created_at = $24, ended_at = $25, reviewed_by = $26, reviewed_at = $27
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistErr("update battle", err)
	}
	return checkAffected(res)
}

func (s *SQLStore) GetBattle(ctx context.Context, id string) (*contracts.Battle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+battleColumns+` FROM battles WHERE id = $1`, id)
	b, err := scanBattle(row)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return b, nil
}

func (s *SQLStore) ListBattles(ctx context.Context, f BattleFilter) ([]contracts.Battle, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PersonaID != "" {
		add("persona_id = $%d", f.PersonaID)
	}
	if f.ScenarioID != "" {
		add("scenario_id = $%d", f.ScenarioID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + battleColumns + ` FROM battles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list battles", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBattle(row scanner) (*contracts.Battle, error) {
	var (
		b                                 contracts.Battle
		scenarioID, transcript, features  sql.NullString
		gaps, docStatus, judgeModel, cost sql.NullString
		errMsg, archiveRef, reviewedBy    sql.NullString
		turns, tokIn, tokOut              sql.NullInt64
		referee, mathDef, humanity, succ  sql.NullFloat64
		grade, closeness                  sql.NullFloat64
		status                            string
		endedAt, reviewedAt               sql.NullTime
	)
	err := row.Scan(
		&b.ID, &b.PersonaID, &scenarioID, &transcript, &turns,
		&referee, &mathDef, &humanity, &succ,
		&grade, &closeness, &features, &gaps,
		&b.VerbalYesToPrice, &docStatus, &status, &judgeModel, &b.Degraded,
		&cost, &tokIn, &tokOut,
		&errMsg, &archiveRef, &b.CreatedAt, &endedAt, &reviewedBy, &reviewedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ScenarioID = scenarioID.String
	b.Transcript = transcript.String
	b.Turns = int(turns.Int64)
	b.RefereeScore = referee.Float64
	b.MathDefenseScore = mathDef.Float64
	b.HumanityScore = humanity.Float64
	b.SuccessScore = succ.Float64
	b.HumanityGrade = floatPtr(grade)
	b.ClosenessToCline = floatPtr(closeness)
	b.DocumentStatus = contracts.DocumentStatus(docStatus.String)
	b.Status = contracts.BattleStatus(status)
	b.JudgeModel = judgeModel.String
	b.TokenUsage = contracts.TokenUsage{Input: int(tokIn.Int64), Output: int(tokOut.Int64)}
	b.ErrorMessage = errMsg.String
	b.ArchiveRef = archiveRef.String
	b.ReviewedBy = reviewedBy.String
	b.CreatedAt = b.CreatedAt.UTC()
	b.EndedAt = timePtr(endedAt)
	b.ReviewedAt = timePtr(reviewedAt)

	if cost.Valid && cost.String != "" {
		if b.CostUSD, err = decimal.NewFromString(cost.String); err != nil {
			return nil, fmt.Errorf("corrupt cost %q: %w", cost.String, err)
		}
	}
	if features.Valid && features.String != "" && features.String != "null" {
		if err := json.Unmarshal([]byte(features.String), &b.ProsodyFeatures); err != nil {
			return nil, fmt.Errorf("corrupt prosody features: %w", err)
		}
	}
	if gaps.Valid && gaps.String != "" && gaps.String != "null" {
		if err := json.Unmarshal([]byte(gaps.String), &b.GapReport); err != nil {
			return nil, fmt.Errorf("corrupt gap report: %w", err)
		}
	}
	return &b, nil
}

// --- personas ---

func (s *SQLStore) CreatePersona(ctx context.Context, p *contracts.Persona) error {
	params, err := json.Marshal(p.BehaviorParams)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO personas (id, name, persona_type, description, is_active, behavior_params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.PersonaType, p.Description, p.IsActive, string(params), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return persistErr("create persona", err)
}

func (s *SQLStore) UpdatePersona(ctx context.Context, p *contracts.Persona) error {
	params, err := json.Marshal(p.BehaviorParams)
	if err != nil {
		return err
	}
	query := `
		UPDATE personas SET name = $2, persona_type = $3, description = $4, is_active = $5,
			behavior_params = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.PersonaType, p.Description, p.IsActive, string(params), p.UpdatedAt.UTC())
	if err != nil {
		return persistErr("update persona", err)
	}
	return checkAffected(res)
}

const personaColumns = `id, name, persona_type, description, is_active, behavior_params, created_at, updated_at`

func scanPersona(row scanner) (*contracts.Persona, error) {
	var (
		p           contracts.Persona
		description sql.NullString
		params      sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.PersonaType, &description, &p.IsActive, &params, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = description.String
	p.BehaviorParams = map[string]any{}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &p.BehaviorParams); err != nil {
			return nil, fmt.Errorf("corrupt behavior params: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *SQLStore) GetPersona(ctx context.Context, id string) (*contracts.Persona, error) {
	p, err := scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return p, nil
}

func (s *SQLStore) ListPersonas(ctx context.Context, activeOnly bool) ([]contracts.Persona, error) {
	query := `SELECT ` + personaColumns + ` FROM personas`
	var args []any
	if activeOnly {
		query += ` WHERE is_active = $1`
		args = append(args, true)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list personas", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- scenarios ---

const scenarioColumns = `id, raw_objection, base_persona_id, synthesized_persona_id, status, attempts, max_attempts,
	best_score, winning_battle_id, winning_transcript, created_at, updated_at`

func scenarioArgs(sc *contracts.Scenario) []any {
	return []any{
		sc.ID, sc.RawObjection, sc.BasePersonaID, sc.SynthesizedPersonaID, string(sc.Status),
		sc.Attempts, sc.MaxAttempts, sc.BestScore, sc.WinningBattleID, sc.WinningTranscript,
		sc.CreatedAt.UTC(), sc.UpdatedAt.UTC(),
	}
}

func (s *SQLStore) CreateScenario(ctx context.Context, sc *contracts.Scenario) error {
	args := scenarioArgs(sc)
	query := `INSERT INTO scenarios (` + scenarioColumns + `) VALUES (` + placeholders(1, len(args)) + `)`
	_, err := s.db.ExecContext(ctx, query, args...)
	return persistErr("create scenario", err)
}

func (s *SQLStore) UpdateScenario(ctx context.Context, sc *contracts.Scenario) error {
	query := `
		UPDATE scenarios SET raw_objection = $2, base_persona_id = $3, synthesized_persona_id = $4,
			status = $5, attempts = $6, max_attempts = $7, best_score = $8, winning_battle_id = $9,
			winning_transcript = $10, created_at = $11, updated_at = $12
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, scenarioArgs(sc)...)
	if err != nil {
		return persistErr("update scenario", err)
	}
	return checkAffected(res)
}

func scanScenario(row scanner) (*contracts.Scenario, error) {
	var (
		sc                        contracts.Scenario
		base, synth, win, winText sql.NullString
		status                    string
		best                      sql.NullFloat64
	)
	if err := row.Scan(&sc.ID, &sc.RawObjection, &base, &synth, &status, &sc.Attempts, &sc.MaxAttempts,
		&best, &win, &winText, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.BasePersonaID = base.String
	sc.SynthesizedPersonaID = synth.String
	sc.Status = contracts.ScenarioStatus(status)
	sc.BestScore = best.Float64
	sc.WinningBattleID = win.String
	sc.WinningTranscript = winText.String
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return &sc, nil
}

func (s *SQLStore) GetScenario(ctx context.Context, id string) (*contracts.Scenario, error) {
	sc, err := scanScenario(s.db.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return sc, nil
}

func (s *SQLStore) ListScenarios(ctx context.Context) ([]contracts.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios ORDER BY created_at DESC`)
	if err != nil {
		return nil, persistErr("list scenarios", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// --- helpers ---

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
