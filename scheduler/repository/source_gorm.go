package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const SourceStatusApproved = "APPROVED"

// sourcePostModel mirrors the content table owned by the editorial service.
// Only the columns needed for the approval check are mapped.
type sourcePostModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Title     string    `gorm:"column:title"`
	Status    string    `gorm:"column:status;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (sourcePostModel) TableName() string { return "posts" }

type SourcePostGormRepository struct {
	db *gorm.DB
}

func NewSourcePostGormRepository(db *gorm.DB) *SourcePostGormRepository {
	return &SourcePostGormRepository{db: db}
}

func (r *SourcePostGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&sourcePostModel{})
}

func (r *SourcePostGormRepository) IsApproved(ctx context.Context, postID string) (bool, error) {
	var m sourcePostModel
	if err := r.db.WithContext(ctx).Select("id", "status").First(&m, "id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.Status == SourceStatusApproved, nil
}

// Upsert is used by administrative tooling and tests to register source content.
func (r *SourcePostGormRepository) Upsert(ctx context.Context, id, title, status string) error {
	m := sourcePostModel{ID: id, Title: title, Status: status}
	return r.db.WithContext(ctx).Save(&m).Error
}
