package domain

import (
	"context"
	"time"
)

// Setting is one stored override.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ISettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	All(ctx context.Context) ([]Setting, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	InitSchema(ctx context.Context) error
}

// Keys overriding the environment defaults of the scheduler.
const (
	KeySchedulerTimezone       = "scheduler_timezone"
	KeySchedulerConflictWindow = "scheduler_conflict_window"
	KeySchedulerExpiryWindow   = "scheduler_expiry_window"
	KeySchedulerMaxFailed      = "scheduler_max_failed"
	KeySchedulerMaxPending     = "scheduler_max_pending"
	KeySchedulerProcessEnabled = "scheduler_process_enabled"
)

// Keys lists every known key, in storage order.
func Keys() []string {
	return []string{
		KeySchedulerConflictWindow,
		KeySchedulerExpiryWindow,
		KeySchedulerMaxFailed,
		KeySchedulerMaxPending,
		KeySchedulerProcessEnabled,
		KeySchedulerTimezone,
	}
}
