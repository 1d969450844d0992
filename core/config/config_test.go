package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("APP_BASE_DIR", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Same(t, cfg, Global)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "storages/scheduler.db", cfg.Database.Name)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.ConflictWindow)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.ExpiryWindow)
	assert.Equal(t, 280, cfg.Scheduler.ContentLimitX)
	assert.Equal(t, 3000, cfg.Scheduler.ContentLimitLinkedIn)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_NAME", "")
	t.Setenv("SCHEDULER_CONFLICT_WINDOW", "45m")
	t.Setenv("SCHEDULER_LOCAL_BACKOFF", "3")
	t.Setenv("APP_BASIC_AUTH", "admin:secret,ops:pw")
	t.Setenv("VALKEY_ENABLED", "yes")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "azpost", cfg.Database.Name)
	assert.Equal(t, 45*time.Minute, cfg.Scheduler.ConflictWindow)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.LocalBackoff)
	assert.Equal(t, []string{"admin:secret", "ops:pw"}, cfg.App.BasicAuth)
	assert.True(t, cfg.Database.ValkeyEnabled)
}

func TestGetEnvDuration_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("AZPOST_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("AZPOST_TEST_DURATION", time.Minute))
}
