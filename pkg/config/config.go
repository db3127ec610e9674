package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds governor process configuration read from the environment.
type Config struct {
	Env      string
	Port     string
	LogLevel string

	// Persistence
	StoreDriver string // "memory" | "postgres" | "sqlite"
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	// Kill switch
	KillSwitchStore  string // "" follows StoreDriver; "redis" | "firestore" | "memory"
	FirestoreProject string
	PubSubProject    string
	PubSubTopic      string
	AlertWebhookURL  string

	// Referee collaborator
	RefereeURL     string
	RefereeAPIKey  string
	RefereeRPS     float64
	RefereeTimeout time.Duration

	// Gate embeddings
	EmbedderProvider string // "hashing" | "openai" | "genai"
	EmbeddingModel   string
	OpenAIAPIKey     string
	GenAIAPIKey      string

	// Transcript archive
	ArtifactStore string // "file" | "s3" | "gcs"
	ArtifactDir   string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	GCSBucket     string

	AdminJWTSecret string
	RateLimitRPS   float64
	RateLimitBurst int

	OTelEnabled  bool
	OTelEndpoint string

	TuningPath string
	Tuning     *Tuning
}

// MissingConfigError lists required settings that are absent. It is fatal at
// startup.
type MissingConfigError struct {
	Keys []string
}

func (e *MissingConfigError) Error() string {
	return "MissingConfigError: missing required configuration: " + strings.Join(e.Keys, ", ")
}

// Load loads configuration from environment variables. The tuning file is
// read when GOVERNOR_TUNING_FILE is set; otherwise built-in defaults apply.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getenvDefault("GOVERNOR_ENV", "development"),
		Port:     getenvDefault("PORT", "8080"),
		LogLevel: getenvDefault("LOG_LEVEL", "INFO"),

		StoreDriver: getenvDefault("STORE_DRIVER", "sqlite"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenvDefault("SQLITE_PATH", "data/governor.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		KillSwitchStore:  os.Getenv("KILL_SWITCH_STORE"),
		FirestoreProject: os.Getenv("FIRESTORE_PROJECT"),
		PubSubProject:    os.Getenv("PUBSUB_PROJECT"),
		PubSubTopic:      os.Getenv("PUBSUB_TOPIC"),
		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),

		RefereeURL:     os.Getenv("REFEREE_URL"),
		RefereeAPIKey:  os.Getenv("REFEREE_API_KEY"),
		RefereeRPS:     getenvFloatDefault("REFEREE_RPS", 2),
		RefereeTimeout: getenvDurationDefault("REFEREE_TIMEOUT", 90*time.Second),

		EmbedderProvider: getenvDefault("EMBEDDER_PROVIDER", "hashing"),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		GenAIAPIKey:      os.Getenv("GEMINI_API_KEY"),

		ArtifactStore: getenvDefault("ARTIFACT_STORE", "file"),
		ArtifactDir:   getenvDefault("ARTIFACT_DIR", "data/artifacts"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Region:      getenvDefault("S3_REGION", "us-east-1"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		GCSBucket:     os.Getenv("GCS_BUCKET"),

		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		RateLimitRPS:   getenvFloatDefault("API_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getenvIntDefault("API_RATE_LIMIT_BURST", 20),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		TuningPath: os.Getenv("GOVERNOR_TUNING_FILE"),
	}

	if cfg.TuningPath != "" {
		t, err := LoadTuning(cfg.TuningPath)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = t
	} else {
		cfg.Tuning = DefaultTuning()
	}

	// Env overrides for the most commonly tuned budget knobs.
	if v, ok := lookupFloat("DAILY_CAP_USD"); ok {
		cfg.Tuning.Budget.DailyCapUSD = v
	}
	if v, ok := lookupFloat("THROTTLE_THRESHOLD_USD"); ok {
		cfg.Tuning.Budget.ThrottleThresholdUSD = v
	}
	if v, ok := lookupInt("MAX_CONCURRENT"); ok {
		cfg.Tuning.Scheduler.MaxConcurrent = v
	}

	return cfg, nil
}

// Validate checks that every setting required by the selected drivers is
// present. It returns *MissingConfigError listing all absent keys.
func (c *Config) Validate() error {
	var missing []string
	need := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}

	need("REFEREE_URL", c.RefereeURL)

	switch c.StoreDriver {
	case "postgres":
		need("DATABASE_URL", c.DatabaseURL)
	case "sqlite":
		need("SQLITE_PATH", c.SQLitePath)
	case "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.KillSwitchStore {
	case "redis":
		need("REDIS_ADDR", c.RedisAddr)
	case "firestore":
		need("FIRESTORE_PROJECT", c.FirestoreProject)
	}
	if c.PubSubTopic != "" {
		need("PUBSUB_PROJECT", c.PubSubProject)
	}

	switch c.EmbedderProvider {
	case "openai":
		need("OPENAI_API_KEY", c.OpenAIAPIKey)
	case "genai":
		need("GEMINI_API_KEY", c.GenAIAPIKey)
	}

	switch c.ArtifactStore {
	case "s3":
		need("S3_BUCKET", c.S3Bucket)
	case "gcs":
		need("GCS_BUCKET", c.GCSBucket)
	}

	if c.Env == "production" {
		need("ADMIN_JWT_SECRET", c.AdminJWTSecret)
	}

	if c.Tuning == nil {
		missing = append(missing, "tuning")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingConfigError{Keys: missing}
	}
	return c.Tuning.Validate()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvFloatDefault(key string, def float64) float64 {
	if v, ok := lookupFloat(key); ok {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	if v, ok := lookupInt(key); ok {
		return v
	}
	return def
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func lookupFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
