package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAllSettings returns a flat view of the settings worth exposing over the API.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_debug":                   Global.App.Debug,
		"app_version":                 Global.App.Version,
		"app_timezone":                Global.App.Timezone,
		"database_driver":             Global.Database.Driver,
		"valkey_enabled":              Global.Database.ValkeyEnabled,
		"scheduler_conflict_window":   Global.Scheduler.ConflictWindow.String(),
		"scheduler_expiry_window":     Global.Scheduler.ExpiryWindow.String(),
		"scheduler_sweep_schedule":    Global.Scheduler.SweepSchedule,
		"scheduler_process_schedule":  Global.Scheduler.ProcessSchedule,
		"scheduler_content_limit_x":   Global.Scheduler.ContentLimitX,
		"scheduler_content_limit_li":  Global.Scheduler.ContentLimitLinkedIn,
		"worker_pool_size":            Global.WorkerPool.Size,
		"linkedin_credentials_loaded": Global.Platforms.LinkedIn.AccessToken != "",
		"x_credentials_loaded":        Global.Platforms.X.AccessToken != "",
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}
