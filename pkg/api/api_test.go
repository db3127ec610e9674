package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/analytics"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/artifacts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/auditor"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/budget"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/gates"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/killswitch"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/ledger"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scenario"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scheduler"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

const secret = "test-admin-secret"

const call = `Closer: Hi, thanks for taking my call [pause]. Um, I wanted to talk about the house on Maple.
Seller: Okay.
Closer: We could do ninety thousand cash... and close on your timeline!`

type stubClient struct {
	score float64
}

func (c *stubClient) Synthesize(_ context.Context, _ *contracts.Persona, _ referee.Options) (*referee.Transcript, error) {
	return &referee.Transcript{
		Text:       call,
		Turns:      3,
		TokenUsage: contracts.TokenUsage{Input: 10, Output: 20},
		CostUSD:    decimal.RequireFromString("0.05"),
		Provider:   "stub",
		Model:      "voice-1",
	}, nil
}

func (c *stubClient) Judge(_ context.Context, _ *referee.Transcript, opts referee.Options) (*referee.Scores, error) {
	return &referee.Scores{
		RefereeScore:     c.score,
		VerbalYesToPrice: true,
		DocumentStatus:   contracts.DocumentCompleted,
		CostUSD:          decimal.RequireFromString("0.02"),
		Provider:         "stub",
		Model:            opts.Model,
	}, nil
}

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.MemoryLedger
	kill   *killswitch.Switch
	srv    *Server
	h      http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  store.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		kill:   killswitch.New(killswitch.NewMemoryStore()),
	}
	monitor := budget.NewMonitor(f.ledger, "test", budget.DefaultLimits(), budget.WithReserver(budget.NewMemoryReserver()))
	aud := auditor.New(auditor.DefaultSettings(), auditor.WithStores(f.store, f.store))
	sched := scheduler.New(&stubClient{score: 91}, f.store, f.ledger, monitor, f.kill, scheduler.DefaultSettings(), scheduler.WithAuditor(aud))

	archive, err := artifacts.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	rule, err := analytics.CompileRule(analytics.DefaultRule)
	require.NoError(t, err)
	detector := analytics.NewDetector(f.store, archive, rule, analytics.Bars{MinReferee: 90, MinHumanity: 0}, 24*time.Hour)

	checker := gates.NewChecker(gates.NewHashingEmbedder(), 0)
	require.NoError(t, checker.Load(ctx, map[string][]gates.Spec{
		"disposition": {
			{Name: "Intro", Reference: "introduce yourself and build rapport"},
			{Name: "Motivation", Reference: "why are you thinking about selling the property"},
			{Name: "Condition", Reference: "tell me about the condition of the roof and kitchen"},
			{Name: "Offer", Reference: "we can offer ninety thousand cash and close quickly"},
			{Name: "Agreement", Reference: "sign the purchase agreement today"},
		},
	}))

	now := time.Now().UTC()
	require.NoError(t, f.store.CreatePersona(ctx, &contracts.Persona{
		ID:             "p1",
		Name:           "Anxious Ann",
		PersonaType:    contracts.PersonaTypeSeller,
		IsActive:       true,
		BehaviorParams: map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	f.srv = NewServer(Deps{
		Scheduler:  sched,
		Monitor:    monitor,
		KillSwitch: f.kill,
		Detector:   detector,
		Injector:   scenario.New(sched, f.store, scenario.Settings{MaxAttempts: 3, SuccessThreshold: 80}),
		Checker:    checker,
		Auditor:    aud,
		Store:      f.store,
	}, opts)
	f.h = f.srv.Handler()
	t.Cleanup(func() {
		f.srv.Close()
		f.kill.Wait()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueAdminToken(secret, "ops@example.com", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["killSwitchActive"])
}

func TestTrain_Completes(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/train", `{"batchSize":2}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[scheduler.BatchResult](t, rec)
	assert.Equal(t, 2, res.Started)
	assert.Equal(t, 2, res.BattlesCompleted)
	assert.Equal(t, 2, res.Audited)
	assert.Len(t, res.BattleIDs, 2)
}

func TestTrain_KillSwitchActive(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.kill.Activate(context.Background(), "maintenance", "test")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/train", `{"batchSize":1}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	p := decodeBody[Problem](t, rec)
	assert.Equal(t, CodeKillSwitchActive, p.Error)
	assert.Equal(t, "/train", p.Instance)
}

func TestTrain_BudgetExceeded(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.ledger.Append(context.Background(), contracts.BudgetLedgerEntry{
		Provider: "openai",
		Model:    "gpt-4o",
		CostUSD:  decimal.RequireFromString("15.01"),
		Env:      "test",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/train", `{"batchSize":1}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decodeBody[Problem](t, rec)
	assert.Equal(t, CodeBudgetExceeded, p.Error)
	assert.True(t, f.kill.IsActive(context.Background()))
}

func TestTrain_BadBody(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/train", `{"batchSize":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/train", `{"batchSize":-1}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKillSwitch_DeactivateRequiresAdmin(t *testing.T) {
	f := newFixture(t, Options{AdminSecret: secret})

	rec := f.do(t, http.MethodPost, "/kill-switch", `{"action":"activate","reason":"runaway spend"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[contracts.KillSwitchState](t, rec)
	assert.True(t, st.Active)
	assert.Equal(t, "runaway spend", st.Reason)
	require.NotNil(t, st.ActivatedAt)

	rec = f.do(t, http.MethodPost, "/kill-switch", `{"action":"deactivate"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, f.kill.IsActive(context.Background()))

	rec = f.do(t, http.MethodPost, "/kill-switch", `{"action":"deactivate"}`, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/kill-switch", `{"action":"deactivate"}`, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeBody[contracts.KillSwitchState](t, rec)
	assert.False(t, st.Active)
	assert.Equal(t, "ops@example.com", st.UpdatedBy)

	rec = f.do(t, http.MethodGet, "/kill-switch", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[contracts.KillSwitchState](t, rec).Active)
}

func TestKillSwitch_FailsClosedWithoutSecret(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.kill.Activate(context.Background(), "manual", "test")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/kill-switch", `{"action":"deactivate"}`, adminToken(t))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, f.kill.IsActive(context.Background()))
}

func TestKillSwitch_UnknownAction(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/kill-switch", `{"action":"toggle"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminToken_RejectsOtherSecrets(t *testing.T) {
	tok, err := IssueAdminToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	_, err = NewAdminAuth(secret).Validate(tok)
	assert.Error(t, err)

	expired, err := IssueAdminToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	_, err = NewAdminAuth(secret).Validate(expired)
	assert.Error(t, err)

	_, err = IssueAdminToken("", "ops", time.Hour)
	assert.Error(t, err)
}

func TestBudgetStatus(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.ledger.Append(context.Background(), contracts.BudgetLedgerEntry{
		Provider: "openai",
		Model:    "gpt-4o",
		CostUSD:  decimal.RequireFromString("3.50"),
		Env:      "test",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/budget-status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[budget.Status](t, rec)
	assert.True(t, st.TodaySpend.Equal(decimal.RequireFromString("3.50")))
	assert.True(t, st.IsThrottled)
	assert.False(t, st.IsExceeded)
}

func TestBreakthroughs_ScanAndReview(t *testing.T) {
	f := newFixture(t, Options{AdminSecret: secret})
	rec := f.do(t, http.MethodPost, "/train", `{"batchSize":1}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody[scheduler.BatchResult](t, rec).BattleIDs[0]

	rec = f.do(t, http.MethodPost, "/breakthroughs/scan", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	scan := decodeBody[struct {
		Flagged int `json:"flagged"`
	}](t, rec)
	assert.Equal(t, 1, scan.Flagged)

	rec = f.do(t, http.MethodGet, "/breakthroughs?status=pending_review", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]contracts.Battle](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)

	rec = f.do(t, http.MethodPost, "/breakthroughs/"+id+"/review", `{"decision":"promoted"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/breakthroughs/"+id+"/review", `{"decision":"promoted"}`, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBody[contracts.Battle](t, rec)
	assert.Equal(t, contracts.BattlePromoted, b.Status)
	assert.Equal(t, "ops@example.com", b.ReviewedBy)
	assert.True(t, strings.HasPrefix(b.ArchiveRef, "sha256:"))

	rec = f.do(t, http.MethodPost, "/breakthroughs/"+id+"/review", `{"decision":"rejected"}`, adminToken(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidTransition, decodeBody[Problem](t, rec).Error)

	rec = f.do(t, http.MethodGet, "/breakthroughs?status=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/scenarios", `{"rawObjection":"Your offer is insulting, Zillow says 150k","basePersonaId":"p1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sc := decodeBody[contracts.Scenario](t, rec)
	assert.Equal(t, contracts.ScenarioSolved, sc.Status)
	assert.Equal(t, 1, sc.Attempts)
	assert.NotEmpty(t, sc.WinningBattleID)

	rec = f.do(t, http.MethodGet, "/scenarios/"+sc.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sc.ID, decodeBody[contracts.Scenario](t, rec).ID)

	rec = f.do(t, http.MethodPost, "/scenarios/"+sc.ID+"/resume", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "/scenarios/"+sc.ID, rec.Header().Get("Location"))

	rec = f.do(t, http.MethodGet, "/scenarios/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/scenarios", `{"rawObjection":"  "}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios_HaltedByKillSwitch(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.kill.Activate(context.Background(), "manual", "test")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/scenarios", `{"rawObjection":"I need to talk to my wife"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/scenarios/"))

	rec = f.do(t, http.MethodGet, loc, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sc := decodeBody[contracts.Scenario](t, rec)
	assert.Equal(t, contracts.ScenarioPending, sc.Status)
	assert.Equal(t, 0, sc.Attempts)
}

func TestGateCheck(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/gates/check",
		`{"transcript":"why are you thinking about selling the property","currentGate":2,"mode":"disposition"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[gates.Result](t, rec)
	assert.Len(t, res.Gates, 5)
	assert.Equal(t, 2, res.CurrentGate)
	assert.Equal(t, 3, res.RecommendedGate)

	rec = f.do(t, http.MethodPost, "/gates/check", `{"transcript":"hello","currentGate":1,"mode":"acquisition"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[gates.Result](t, rec).Warning)

	rec = f.do(t, http.MethodPost, "/gates/check", `{"transcript":"hello"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudit(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/audit", `{"transcript":`+strconvQuote(call)+`}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[auditor.GapReport](t, rec)
	assert.InDelta(t, 50, report.HumanityGrade, 50)
	assert.NotEmpty(t, report.ProsodyFeatures)

	rec = f.do(t, http.MethodPost, "/audit", `{"transcript":"   "}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeEmptyTranscript, decodeBody[Problem](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/audit", `{"transcript":"hello there","battleId":"missing"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonaAnalytics(t *testing.T) {
	f := newFixture(t, Options{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/train", `{"batchSize":2}`, "").Code)

	rec := f.do(t, http.MethodGet, "/analytics/personas", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[[]referee.Stats](t, rec)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].TotalBattles)
	assert.Equal(t, 2, stats[0].SuccessfulBattles)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPS: 1, RateLimitBurst: 1})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/budget-status", "", "").Code)

	rec := f.do(t, http.MethodGet, "/budget-status", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health is never limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", "").Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeBody[Problem](t, rec).Error)
}

func strconvQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
