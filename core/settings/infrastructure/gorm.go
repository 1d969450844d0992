package infrastructure

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AzielCF/az-post/core/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SchedulerSettingModel struct {
	Key       string    `gorm:"primaryKey;column:key;size:64"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (SchedulerSettingModel) TableName() string {
	return "scheduler_settings"
}

// SettingsGormRepository keeps operator overrides in one row per key.
type SettingsGormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSettingsGormRepository(db *gorm.DB) *SettingsGormRepository {
	return &SettingsGormRepository{db: db, now: time.Now}
}

func (r *SettingsGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SchedulerSettingModel{})
}

// Get returns "" for a key that was never set.
func (r *SettingsGormRepository) Get(ctx context.Context, key string) (string, error) {
	var m SchedulerSettingModel
	err := r.db.WithContext(ctx).Where("key = ?", key).Take(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", nil
	case err != nil:
		return "", err
	}
	return strings.TrimSpace(m.Value), nil
}

func (r *SettingsGormRepository) All(ctx context.Context) ([]domain.Setting, error) {
	var rows []SchedulerSettingModel
	if err := r.db.WithContext(ctx).Order("key").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Setting, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Setting{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt})
	}
	return out, nil
}

func (r *SettingsGormRepository) Set(ctx context.Context, key, value string) error {
	row := SchedulerSettingModel{Key: key, Value: value, UpdatedAt: r.now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (r *SettingsGormRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("key = ?", key).Delete(&SchedulerSettingModel{}).Error
}
