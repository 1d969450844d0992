package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AzielCF/az-post/core/config"
	settingsApp "github.com/AzielCF/az-post/core/settings/application"
	"github.com/AzielCF/az-post/ui/rest/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newSettingsApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settings.db")), &gorm.Config{})
	require.NoError(t, err)
	svc := settingsApp.NewSettingsService(db)
	require.NoError(t, svc.Init(context.Background()))

	app := fiber.New()
	app.Use(middleware.Recovery())
	InitRestSettings(app.Group("/api"), svc)
	return app
}

func TestSettingsREST_UpdateAndGet(t *testing.T) {
	app := newSettingsApp(t)

	req := httptest.NewRequest(http.MethodPut, "/api/scheduler/settings",
		strings.NewReader(`{"timezone":"Europe/Madrid","conflict_window":"15m","max_failed":4}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/scheduler/settings", nil))
	require.NoError(t, err)
	results := decode(t, resp).Results.(map[string]any)
	assert.Equal(t, "Europe/Madrid", results["timezone"])
	assert.EqualValues(t, 4, results["max_failed"])
	assert.EqualValues(t, 15*60*1e9, results["conflict_window"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/scheduler/settings/stored", nil))
	require.NoError(t, err)
	assert.Len(t, decode(t, resp).Results, 3)
}

func TestSettingsREST_RejectsInvalidDuration(t *testing.T) {
	app := newSettingsApp(t)

	req := httptest.NewRequest(http.MethodPut, "/api/scheduler/settings", strings.NewReader(`{"conflict_window":"soon"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, resp).Code)
}

func TestSettingsREST_Effective(t *testing.T) {
	prev := config.Global
	t.Cleanup(func() { config.Global = prev })
	config.Global = &config.Config{}
	config.Global.App.Timezone = "UTC"
	config.Global.Scheduler.SweepSchedule = "@every 1h"

	resp, err := newSettingsApp(t).Test(httptest.NewRequest(http.MethodGet, "/api/scheduler/settings/effective", nil))
	require.NoError(t, err)
	results := decode(t, resp).Results.(map[string]any)
	assert.Equal(t, "UTC", results["app_timezone"])
	assert.Equal(t, "@every 1h", results["scheduler_sweep_schedule"])
	assert.Equal(t, false, results["x_credentials_loaded"])
}
