package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/analytics"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/auditor"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/budget"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/gates"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/killswitch"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/observability"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scenario"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scheduler"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"
)

// operatorActor is recorded for unauthenticated operator actions.
const operatorActor = "operator"

// maxBodyBytes bounds request bodies; transcripts are the largest payload.
const maxBodyBytes = 4 << 20

// Deps are the components the control API drives.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Monitor    *budget.Monitor
	KillSwitch *killswitch.Switch
	Detector   *analytics.Detector
	Injector   *scenario.Injector
	Checker    *gates.Checker
	Auditor    *auditor.Auditor
	Store      store.Store
	Obs        *observability.Provider
}

// Options tune the HTTP surface.
type Options struct {
	AdminSecret    string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server routes control requests to the governor components.
type Server struct {
	deps    Deps
	admin   *AdminAuth
	limiter *RateLimiter
	router  chi.Router
	logger  *slog.Logger
}

// NewServer builds the router. Call Close to stop the rate limiter.
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		deps:   deps,
		admin:  NewAdminAuth(opts.AdminSecret),
		logger: slog.Default().With("component", "api"),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.deps.Obs != nil {
		r.Use(s.track)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, CodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, CodeBadRequest, "method not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Post("/train", s.handleTrain)
		r.Get("/budget-status", s.handleBudgetStatus)

		r.Get("/kill-switch", s.handleKillSwitchState)
		r.Post("/kill-switch", s.handleKillSwitch)

		r.Get("/analytics/personas", s.handlePersonaAnalytics)

		r.Get("/battles/{id}", s.handleGetBattle)

		r.Route("/breakthroughs", func(r chi.Router) {
			r.Get("/", s.handleListBreakthroughs)
			r.Post("/scan", s.handleScan)
			r.With(s.admin.RequireAdmin).Post("/{id}/review", s.handleReview)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Post("/", s.handleInject)
			r.Get("/{id}", s.handleGetScenario)
			r.Post("/{id}/resume", s.handleResume)
		})

		r.Post("/gates/check", s.handleGateCheck)
		r.Post("/audit", s.handleAudit)
	})
	return r
}

// track wraps every request in a span and the RED metrics.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.deps.Obs.TrackOperation(r.Context(), "api.request",
			attribute.String("http.method", r.Method),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		var err error
		if ww.Status() >= http.StatusInternalServerError {
			err = fmt.Errorf("http %d", ww.Status())
		}
		done(err)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Scheduler != nil {
		resp["scheduler"] = s.deps.Scheduler.State()
	}
	if s.deps.KillSwitch != nil {
		resp["killSwitchActive"] = s.deps.KillSwitch.IsActive(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

type trainRequest struct {
	BatchSize int `json:"batchSize"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BatchSize < 0 {
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, "batchSize must be positive")
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = s.deps.Scheduler.Settings().MaxConcurrent
	}
	// A dropped client must not abort in-flight battles mid-charge.
	res, err := s.deps.Scheduler.RunBatch(context.WithoutCancel(r.Context()), req.BatchSize)
	if err != nil {
		if res != nil {
			s.logger.WarnContext(r.Context(), "training halted",
				"reason", res.HaltedReason,
				"started", res.Started,
				"completed", res.BattlesCompleted,
			)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Monitor.GetBudgetStatus(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.KillSwitch.State(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type killSwitchRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch strings.ToLower(req.Action) {
	case "activate":
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "manual"
		}
		if _, err := s.deps.KillSwitch.Activate(ctx, reason, operatorActor); err != nil {
			writeInternal(w, r, err)
			return
		}
	case "deactivate":
		claims, ok := s.admin.authenticate(w, r)
		if !ok {
			return
		}
		if _, err := s.deps.KillSwitch.Deactivate(ctx, claims.Subject); err != nil {
			writeInternal(w, r, err)
			return
		}
	default:
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, `action must be "activate" or "deactivate"`)
		return
	}
	s.handleKillSwitchState(w, r)
}

func (s *Server) handlePersonaAnalytics(w http.ResponseWriter, r *http.Request) {
	stats, err := analytics.PersonaAnalytics(r.Context(), s.deps.Store)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.GetBattle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBreakthroughs(w http.ResponseWriter, r *http.Request) {
	var statuses []contracts.BattleStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := contracts.BattleStatus(strings.TrimSpace(part))
			switch st {
			case contracts.BattlePendingReview, contracts.BattleReviewed, contracts.BattlePromoted, contracts.BattleRejected:
				statuses = append(statuses, st)
			default:
				writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("unknown review status %q", st))
				return
			}
		}
	}
	battles, err := s.deps.Detector.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, battles)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.deps.Detector.Scan(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flagged": len(flagged),
		"battles": flagged,
	})
}

type reviewRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Decision == "" {
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, "decision is required")
		return
	}
	reviewer := actorFrom(r.Context(), operatorActor)
	b, err := s.deps.Detector.Review(r.Context(), chi.URLParam(r, "id"), contracts.BattleStatus(req.Decision), reviewer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type injectRequest struct {
	RawObjection  string `json:"rawObjection"`
	BasePersonaID string `json:"basePersonaId"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if !decode(w, r, &req) {
		return
	}
	sc, err := s.deps.Injector.InjectAndBruteForce(r.Context(), req.RawObjection, req.BasePersonaID)
	s.writeScenario(w, r, sc, err)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Store.GetScenario(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Injector.Resume(r.Context(), chi.URLParam(r, "id"))
	s.writeScenario(w, r, sc, err)
}

// writeScenario reports a scenario run. A halted run still names the
// scenario so the caller can resume it.
func (s *Server) writeScenario(w http.ResponseWriter, r *http.Request, sc *contracts.Scenario, err error) {
	if err != nil {
		if sc != nil {
			w.Header().Set("Location", "/scenarios/"+sc.ID)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type gateCheckRequest struct {
	Transcript  string `json:"transcript"`
	CurrentGate int    `json:"currentGate"`
	Mode        string `json:"mode"`
}

func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	var req gateCheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, "mode is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Checker.CheckAdherence(r.Context(), req.Transcript, req.CurrentGate, req.Mode))
}

type auditRequest struct {
	Transcript string `json:"transcript"`
	BattleID   string `json:"battleId"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.deps.Auditor.Audit(r.Context(), req.Transcript, req.BattleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
