package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOVERNOR_TUNING_FILE", "")
	t.Setenv("DAILY_CAP_USD", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 15.0, cfg.Tuning.Budget.DailyCapUSD)
	assert.Equal(t, 3.0, cfg.Tuning.Budget.ThrottleThresholdUSD)
	assert.Equal(t, 3, cfg.Tuning.Scheduler.MaxConcurrent)
	assert.Equal(t, 0.75, cfg.Tuning.Gates.AdvanceThreshold)
	assert.Len(t, cfg.Tuning.Gates.Modes["acquisition"], 8)
	assert.Len(t, cfg.Tuning.Gates.Modes["disposition"], 5)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DAILY_CAP_USD", "20")
	t.Setenv("THROTTLE_THRESHOLD_USD", "4.5")
	t.Setenv("MAX_CONCURRENT", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Tuning.Budget.DailyCapUSD)
	assert.Equal(t, 4.5, cfg.Tuning.Budget.ThrottleThresholdUSD)
	assert.Equal(t, 5, cfg.Tuning.Scheduler.MaxConcurrent)
}

func TestValidate_MissingConfig(t *testing.T) {
	cfg := &Config{
		Env:              "production",
		StoreDriver:      "postgres",
		KillSwitchStore:  "redis",
		EmbedderProvider: "hashing",
		ArtifactStore:    "file",
		Tuning:           DefaultTuning(),
	}

	err := cfg.Validate()
	var mce *MissingConfigError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, []string{"ADMIN_JWT_SECRET", "DATABASE_URL", "REDIS_ADDR", "REFEREE_URL"}, mce.Keys)
	assert.Contains(t, err.Error(), "MissingConfigError")
}

func TestValidate_OK(t *testing.T) {
	cfg := &Config{
		Env:              "development",
		StoreDriver:      "memory",
		RefereeURL:       "http://referee:9000",
		EmbedderProvider: "hashing",
		ArtifactStore:    "file",
		Tuning:           DefaultTuning(),
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := &Config{StoreDriver: "mongo", RefereeURL: "x", Tuning: DefaultTuning()}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
}

func TestParseTuning_OverlaysDefaults(t *testing.T) {
	data := []byte(`
version: "1.2.0"
budget:
  daily_cap_usd: 25
scenario:
  max_attempts: 5
`)
	tn, err := ParseTuning(data)
	require.NoError(t, err)
	assert.Equal(t, 25.0, tn.Budget.DailyCapUSD)
	assert.Equal(t, 3.0, tn.Budget.ThrottleThresholdUSD)
	assert.Equal(t, 5, tn.Scenario.MaxAttempts)
	assert.Equal(t, 80.0, tn.Scenario.SuccessThreshold)
	assert.Equal(t, "25", tn.Budget.DailyCap().String())
}

func TestParseTuning_RejectsUnsupportedVersion(t *testing.T) {
	_, err := ParseTuning([]byte(`version: "2.0.0"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in")

	_, err = ParseTuning([]byte(`version: "banana"`))
	require.Error(t, err)
}

func TestParseTuning_RejectsInconsistentBudget(t *testing.T) {
	_, err := ParseTuning([]byte(`
version: "1.0.0"
budget:
  daily_cap_usd: 2
  throttle_threshold_usd: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle_threshold_usd")

	var mce *MissingConfigError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, []string{"budget.throttle_threshold_usd"}, mce.Keys)
}

func TestTuningValidate_NonPositiveCapIsMissingConfig(t *testing.T) {
	tun := DefaultTuning()
	tun.Budget.DailyCapUSD = 0
	tun.Budget.ThrottleThresholdUSD = 0

	err := tun.Validate()
	var mce *MissingConfigError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, []string{"budget.daily_cap_usd"}, mce.Keys)

	tun.Scheduler.MaxConcurrent = 0
	err = tun.Validate()
	require.ErrorAs(t, err, &mce)
	assert.Contains(t, err.Error(), "scheduler.max_concurrent")
}

func TestLoadTuning_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.0\"\nscheduler:\n  max_concurrent: 7\n"), 0o600))

	tn, err := LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 7, tn.Scheduler.MaxConcurrent)

	_, err = LoadTuning(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
