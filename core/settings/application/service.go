package application

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-post/core/config"
	"github.com/AzielCF/az-post/core/settings/domain"
	"github.com/AzielCF/az-post/core/settings/infrastructure"
	"gorm.io/gorm"
)

type SettingsService struct {
	repo domain.ISettingsRepository
}

func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{
		repo: infrastructure.NewSettingsGormRepository(db),
	}
}

func (s *SettingsService) Init(ctx context.Context) error {
	return s.repo.InitSchema(ctx)
}

// DynamicSettings are operator overrides stored in the database. A nil or
// empty field means the environment value stays in effect.
type DynamicSettings struct {
	Timezone       string         `json:"timezone,omitempty"`
	ConflictWindow *time.Duration `json:"conflict_window,omitempty"`
	ExpiryWindow   *time.Duration `json:"expiry_window,omitempty"`
	MaxFailed      *int64         `json:"max_failed,omitempty"`
	MaxPending     *int64         `json:"max_pending,omitempty"`
	ProcessEnabled *bool          `json:"process_enabled,omitempty"`
}

func (s *SettingsService) GetDynamicSettings(ctx context.Context) (*DynamicSettings, error) {
	ds := &DynamicSettings{}

	if val, _ := s.repo.Get(ctx, domain.KeySchedulerTimezone); val != "" {
		if _, err := time.LoadLocation(val); err == nil {
			ds.Timezone = val
		}
	}
	if val, _ := s.repo.Get(ctx, domain.KeySchedulerConflictWindow); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d >= 0 {
			ds.ConflictWindow = &d
		}
	}
	if val, _ := s.repo.Get(ctx, domain.KeySchedulerExpiryWindow); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			ds.ExpiryWindow = &d
		}
	}
	if val, _ := s.repo.Get(ctx, domain.KeySchedulerMaxFailed); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			ds.MaxFailed = &n
		}
	}
	if val, _ := s.repo.Get(ctx, domain.KeySchedulerMaxPending); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			ds.MaxPending = &n
		}
	}
	if val, _ := s.repo.Get(ctx, domain.KeySchedulerProcessEnabled); val != "" {
		vLower := strings.ToLower(val)
		isOn := vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
		ds.ProcessEnabled = &isOn
	}
	return ds, nil
}

// Apply copies the stored overrides onto cfg.
func (ds *DynamicSettings) Apply(cfg *config.Config) {
	if ds.Timezone != "" {
		cfg.App.Timezone = ds.Timezone
	}
	if ds.ConflictWindow != nil {
		cfg.Scheduler.ConflictWindow = *ds.ConflictWindow
	}
	if ds.ExpiryWindow != nil {
		cfg.Scheduler.ExpiryWindow = *ds.ExpiryWindow
	}
	if ds.MaxFailed != nil {
		cfg.Scheduler.MaxFailed = *ds.MaxFailed
	}
	if ds.MaxPending != nil {
		cfg.Scheduler.MaxPending = *ds.MaxPending
	}
	if ds.ProcessEnabled != nil && !*ds.ProcessEnabled {
		cfg.Scheduler.ProcessSchedule = ""
	}
}

func (s *SettingsService) SetTimezone(ctx context.Context, v string) error {
	v = strings.TrimSpace(v)
	if _, err := time.LoadLocation(v); err != nil {
		return fmt.Errorf("unknown timezone %q", v)
	}
	return s.repo.Set(ctx, domain.KeySchedulerTimezone, v)
}

func (s *SettingsService) SetConflictWindow(ctx context.Context, v time.Duration) error {
	if v < 0 {
		v = 0
	}
	return s.repo.Set(ctx, domain.KeySchedulerConflictWindow, v.String())
}

func (s *SettingsService) SetExpiryWindow(ctx context.Context, v time.Duration) error {
	if v <= 0 {
		return fmt.Errorf("expiry window must be positive")
	}
	return s.repo.Set(ctx, domain.KeySchedulerExpiryWindow, v.String())
}

func (s *SettingsService) SetMaxFailed(ctx context.Context, v int64) error {
	if v < 0 {
		v = 0
	}
	return s.repo.Set(ctx, domain.KeySchedulerMaxFailed, fmt.Sprintf("%d", v))
}

func (s *SettingsService) SetMaxPending(ctx context.Context, v int64) error {
	if v < 0 {
		v = 0
	}
	return s.repo.Set(ctx, domain.KeySchedulerMaxPending, fmt.Sprintf("%d", v))
}

func (s *SettingsService) SetProcessEnabled(ctx context.Context, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return s.repo.Set(ctx, domain.KeySchedulerProcessEnabled, val)
}

// Stored returns the raw override rows, for audit.
func (s *SettingsService) Stored(ctx context.Context) ([]domain.Setting, error) {
	return s.repo.All(ctx)
}

// Reset drops every override.
func (s *SettingsService) Reset(ctx context.Context) error {
	for _, key := range domain.Keys() {
		if err := s.repo.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
