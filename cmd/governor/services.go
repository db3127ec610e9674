package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/analytics"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/artifacts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/auditor"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/budget"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/config"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/gates"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/killswitch"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/ledger"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/observability"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scenario"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scheduler"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// Services holds every initialized governor component.
type Services struct {
	Config *config.Config

	DB         *sql.DB
	Redis      *redis.Client
	Store      store.Store
	Ledger     ledger.Ledger
	Monitor    *budget.Monitor
	KillSwitch *killswitch.Switch

	Referee   referee.Client
	Auditor   *auditor.Auditor
	Scheduler *scheduler.Scheduler
	Injector  *scenario.Injector
	Detector  *analytics.Detector
	Checker   *gates.Checker
	Archive   artifacts.Archive

	Observability *observability.Provider

	logger  *slog.Logger
	closers []func() error
}

// NewServices validates cfg and wires the components it selects. A
// validation failure is returned as *config.MissingConfigError.
func NewServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, logger: slog.Default().With("component", "governor")}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) init(ctx context.Context) error {
	cfg := s.Config
	t := cfg.Tuning

	// --- Observability ---
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Environment = cfg.Env
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = strings.HasPrefix(cfg.OTelEndpoint, "localhost") || strings.HasPrefix(cfg.OTelEndpoint, "127.0.0.1")
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	s.Observability = obs
	s.closers = append(s.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})

	// --- Persistence ---
	if err := s.openStores(ctx); err != nil {
		return err
	}
	if cfg.RedisAddr != "" {
		s.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, s.Redis.Close)
	}

	// --- Budget ---
	var reserver budget.Reserver = budget.NewMemoryReserver()
	if s.Redis != nil {
		reserver = budget.NewRedisReserver(s.Redis)
		log.Println("[governor] budget reservations: redis")
	}
	s.Monitor = budget.NewMonitor(s.Ledger, cfg.Env, budgetLimits(t), budget.WithReserver(reserver))

	// --- Kill switch ---
	ksStore, err := s.killSwitchStore(ctx)
	if err != nil {
		return err
	}
	notifier, err := s.notifier(ctx)
	if err != nil {
		return err
	}
	s.KillSwitch = killswitch.New(ksStore, killswitch.WithNotifier(notifier))

	// --- Collaborators ---
	client, err := referee.NewHTTPClient(cfg.RefereeURL, cfg.RefereeAPIKey, cfg.RefereeRPS, cfg.RefereeTimeout)
	if err != nil {
		return fmt.Errorf("referee client: %w", err)
	}
	s.Referee = client

	s.Auditor = auditor.New(auditorSettings(t), auditor.WithStores(s.Store, s.Store))
	s.Scheduler = scheduler.New(client, s.Store, s.Ledger, s.Monitor, s.KillSwitch, schedulerSettings(t),
		scheduler.WithAuditor(s.Auditor),
		scheduler.WithObservability(obs),
	)
	s.Injector = scenario.New(s.Scheduler, s.Store, scenarioSettings(t))

	// --- Breakthroughs ---
	archive, err := artifacts.Open(ctx, artifacts.Config{
		Kind:       artifacts.Kind(cfg.ArtifactStore),
		Dir:        cfg.ArtifactDir,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		GCSBucket:  cfg.GCSBucket,
		Prefix:     "breakthroughs/",
	})
	if err != nil {
		return fmt.Errorf("artifact archive: %w", err)
	}
	s.Archive = archive
	rule, err := analytics.CompileRule(t.Breakthrough.Rule)
	if err != nil {
		return err
	}
	s.Detector = analytics.NewDetector(s.Store, archive, rule, breakthroughBars(t), t.Breakthrough.Window)

	// --- Gates ---
	embedder, err := s.embedder(ctx)
	if err != nil {
		return err
	}
	s.Checker = gates.NewChecker(embedder, t.Gates.AdvanceThreshold)
	if err := s.Checker.Load(ctx, gateSpecs(t)); err != nil {
		// The checker degrades to warnings until a reload succeeds.
		s.logger.WarnContext(ctx, "gate index unavailable", "error", err)
	}

	return nil
}

func (s *Services) openStores(ctx context.Context) error {
	cfg := s.Config
	switch cfg.StoreDriver {
	case "memory":
		s.Store = store.NewMemoryStore()
		s.Ledger = ledger.NewMemoryLedger()
		log.Println("[governor] store: memory")
		return nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		s.DB = db
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("sqlite dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		s.DB = db
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	s.closers = append(s.closers, s.DB.Close)

	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", cfg.StoreDriver, err)
	}
	log.Printf("[governor] %s: connected", cfg.StoreDriver)

	st := store.NewSQLStore(s.DB)
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	l := ledger.NewSQLLedger(s.DB)
	if err := l.Init(ctx); err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	s.Store, s.Ledger = st, l
	return nil
}

func (s *Services) killSwitchStore(ctx context.Context) (killswitch.Store, error) {
	cfg := s.Config
	kind := cfg.KillSwitchStore
	if kind == "" {
		kind = cfg.StoreDriver
	}
	switch kind {
	case "memory":
		return killswitch.NewMemoryStore(), nil
	case "postgres", "sqlite":
		if s.DB == nil {
			return nil, fmt.Errorf("kill switch store %q needs STORE_DRIVER=%s", kind, kind)
		}
		ks := killswitch.NewSQLStore(s.DB, cfg.StoreDriver)
		if err := ks.Init(ctx); err != nil {
			return nil, fmt.Errorf("init kill switch: %w", err)
		}
		return ks, nil
	case "redis":
		if s.Redis == nil {
			return nil, &config.MissingConfigError{Keys: []string{"REDIS_ADDR"}}
		}
		return killswitch.NewRedisStore(s.Redis), nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		return killswitch.NewFirestoreStore(client), nil
	}
	return nil, fmt.Errorf("unknown kill switch store %q", kind)
}

func (s *Services) notifier(ctx context.Context) (killswitch.Notifier, error) {
	cfg := s.Config
	out := killswitch.MultiNotifier{killswitch.LogNotifier{}}
	if cfg.PubSubTopic != "" {
		ps, closeFn, err := killswitch.NewPubSubNotifier(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier: %w", err)
		}
		s.closers = append(s.closers, closeFn)
		out = append(out, ps)
	}
	if cfg.AlertWebhookURL != "" {
		out = append(out, killswitch.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	return out, nil
}

func (s *Services) embedder(ctx context.Context) (gates.Embedder, error) {
	cfg := s.Config
	switch cfg.EmbedderProvider {
	case "", "hashing":
		return gates.NewHashingEmbedder(), nil
	case "openai":
		return gates.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel), nil
	case "genai":
		return gates.NewGenAIEmbedder(ctx, cfg.GenAIAPIKey, cfg.EmbeddingModel)
	}
	return nil, fmt.Errorf("unknown embedder provider %q", cfg.EmbedderProvider)
}

// ApplyTuning pushes a reloaded tuning file into the running components.
func (s *Services) ApplyTuning(ctx context.Context, t *config.Tuning) {
	s.Monitor.SetLimits(budgetLimits(t))
	s.Scheduler.SetSettings(schedulerSettings(t))
	s.Auditor.SetSettings(auditorSettings(t))
	s.Injector.SetSettings(scenarioSettings(t))

	if rule, err := analytics.CompileRule(t.Breakthrough.Rule); err != nil {
		s.logger.ErrorContext(ctx, "breakthrough rule rejected, keeping previous", "error", err)
	} else {
		s.Detector.Configure(rule, breakthroughBars(t), t.Breakthrough.Window)
	}
	if err := s.Checker.Load(ctx, gateSpecs(t)); err != nil {
		s.logger.ErrorContext(ctx, "gate reload failed, keeping previous index", "error", err)
	}
	s.Config.Tuning = t
	s.logger.InfoContext(ctx, "tuning applied", "version", t.Version)
}

// Close releases connections in reverse order of creation.
func (s *Services) Close() error {
	if s.KillSwitch != nil {
		s.KillSwitch.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func budgetLimits(t *config.Tuning) budget.Limits {
	return budget.Limits{
		DailyCap:          t.Budget.DailyCap(),
		ThrottleThreshold: t.Budget.Throttle(),
	}
}

func schedulerSettings(t *config.Tuning) scheduler.Settings {
	return scheduler.Settings{
		MaxConcurrent:      t.Scheduler.MaxConcurrent,
		MaxBattlesPerBatch: t.Scheduler.MaxBattlesPerBatch,
		BattleTimeout:      t.Scheduler.BattleTimeout,
		JudgeModel:         t.Scheduler.JudgeModel,
		DegradedJudgeModel: t.Scheduler.DegradedJudgeModel,
		EstimatedBattleUSD: t.Budget.Estimate(),
		Reserve:            t.Budget.Reserve,
		AuditEnabled:       t.Auditor.Enabled,
	}
}

func scenarioSettings(t *config.Tuning) scenario.Settings {
	return scenario.Settings{
		MaxAttempts:      t.Scenario.MaxAttempts,
		SuccessThreshold: t.Scenario.SuccessThreshold,
	}
}

func auditorSettings(t *config.Tuning) auditor.Settings {
	s := auditor.DefaultSettings()
	if t.Auditor.WordsPerMinute > 0 {
		s.WordsPerMinute = t.Auditor.WordsPerMinute
	}
	if len(t.Auditor.Weights) > 0 {
		s.Weights = auditor.Weights(t.Auditor.Weights)
	}
	if len(t.Auditor.GoldStandard) > 0 {
		s.GoldStandard = contracts.ProsodyFeatures(t.Auditor.GoldStandard)
	}
	fb := t.Auditor.Feedback
	s.Feedback = auditor.FeedbackSettings{
		GradeFloor: fb.GradeFloor,
		Delta:      fb.Delta,
		Sessions:   fb.Sessions,
		MaxBoost:   fb.MaxBoost,
		Base:       fb.Base,
	}
	return s
}

func breakthroughBars(t *config.Tuning) analytics.Bars {
	return analytics.Bars{MinReferee: t.Breakthrough.MinReferee, MinHumanity: t.Breakthrough.MinHumanity}
}

func gateSpecs(t *config.Tuning) map[string][]gates.Spec {
	out := make(map[string][]gates.Spec, len(t.Gates.Modes))
	for mode, specs := range t.Gates.Modes {
		gs := make([]gates.Spec, len(specs))
		for i, g := range specs {
			gs[i] = gates.Spec{Name: g.Name, Reference: g.Reference, Embedding: g.Embedding}
		}
		out[mode] = gs
	}
	return out
}
