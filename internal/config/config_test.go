package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"food-aps/internal/strategy"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "http_addr: \":9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 7*24*time.Hour, cfg.Horizon())
	assert.Equal(t, 45.0, cfg.Changeover.DefaultMinutes)
	assert.Equal(t, 0.8, cfg.Material.ReadyThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Urgent.LockTTL)
	assert.Equal(t, "aps-auto", cfg.Urgent.AutoCommitOwner)
	assert.InDelta(t, 0.25, cfg.Weights()[strategy.EarliestDeadline], 1e-9)
	assert.NoError(t, cfg.Weights().Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
schedule_horizon_hours: 48
changeover:
  default_minutes: 40
  initial_setup_minutes: 10
  entries:
    - {from_category: SeafoodA, to_category: SeafoodB, minutes: 35}
urgent:
  lock_ttl: 5m
  weights:
    capacity: 0.4
feasibility_rules:
  - {name: batch_cap, expr: "order.Quantity <= 5000"}
`))
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Horizon())
	assert.Equal(t, 40.0, cfg.Changeover.DefaultMinutes)
	assert.Equal(t, 10.0, cfg.Changeover.InitialSetupMinutes)
	require.Len(t, cfg.Changeover.Entries, 1)
	assert.Equal(t, 35.0, cfg.Changeover.Entries[0].Minutes)
	assert.Equal(t, 5*time.Minute, cfg.UrgentOptions().LockTTL)
	assert.Equal(t, 0.4, cfg.Urgent.Weights.Capacity)
	assert.Equal(t, 0.2, cfg.Urgent.Weights.Worker)
	require.Len(t, cfg.FeasibilityRules, 1)
	assert.Equal(t, "batch_cap", cfg.FeasibilityRules[0].Name)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("APS_HTTP_ADDR", ":7070")
	t.Setenv("APS_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadConfig(writeConfig(t, "http_addr: \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadConfigRejectsInvalidWeights(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
strategy_weights:
  earliest_deadline: 0.5
  shortest_process: 0.5
  min_changeover: 0.5
  capacity_match: 0
  material_ready: 0
  urgency_first: 0
`))
	assert.ErrorIs(t, err, types.ErrInvalidWeightConfig)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
