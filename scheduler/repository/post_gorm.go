package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type scheduledPostModel struct {
	ID             string         `gorm:"primaryKey;column:id"`
	PostID         sql.NullString `gorm:"column:post_id;index"`
	Platform       string         `gorm:"column:platform;not null;index:idx_sp_platform_time,priority:1"`
	Content        string         `gorm:"column:content;type:text;not null"`
	ScheduledTime  time.Time      `gorm:"column:scheduled_time;not null;index:idx_sp_platform_time,priority:2;index:idx_sp_status_time,priority:2"`
	Status         string         `gorm:"column:status;not null;default:'PENDING';index:idx_sp_status_time,priority:1"`
	RetryCount     int            `gorm:"column:retry_count;default:0"`
	MaxRetries     int            `gorm:"column:max_retries;default:0"`
	LastError      sql.NullString `gorm:"column:last_error;type:text"`
	LastAttemptAt  *time.Time     `gorm:"column:last_attempt_at"`
	PublishedAt    *time.Time     `gorm:"column:published_at"`
	CancelledAt    *time.Time     `gorm:"column:cancelled_at"`
	ExpiredAt      *time.Time     `gorm:"column:expired_at"`
	ExternalPostID sql.NullString `gorm:"column:external_post_id"`
	QueueJobID     sql.NullString `gorm:"column:queue_job_id;index"`
	CancelReason   sql.NullString `gorm:"column:cancel_reason"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null"`
}

func (scheduledPostModel) TableName() string { return "scheduled_posts" }

// --- Repository Implementation ---

type PostGormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostGormRepository(db *gorm.DB) *PostGormRepository {
	return &PostGormRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *PostGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&scheduledPostModel{})
}

func (r *PostGormRepository) Create(ctx context.Context, p post.ScheduledPost) error {
	model := toScheduledPostModel(p)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: scheduled post %s already exists", post.ErrConflict, p.ID)
		}
		return err
	}
	return nil
}

func (r *PostGormRepository) FindByID(ctx context.Context, id string) (post.ScheduledPost, error) {
	var m scheduledPostModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return post.ScheduledPost{}, post.ErrNotFound
		}
		return post.ScheduledPost{}, err
	}
	return fromScheduledPostModel(m), nil
}

func (r *PostGormRepository) FindByStatus(ctx context.Context, status post.Status) ([]post.ScheduledPost, error) {
	return r.List(ctx, post.Filter{Statuses: []post.Status{status}})
}

func (r *PostGormRepository) FindExpired(ctx context.Context, window time.Duration) ([]post.ScheduledPost, error) {
	cutoff := r.now().Add(-window)
	var models []scheduledPostModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND scheduled_time < ?", statusStrings(post.ExpirableStatuses()), cutoff).
		Order("scheduled_time ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromScheduledPostModels(models), nil
}

func (r *PostGormRepository) List(ctx context.Context, f post.Filter) ([]post.ScheduledPost, error) {
	q := r.db.WithContext(ctx).Model(&scheduledPostModel{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Platform != "" {
		q = q.Where("platform = ?", string(f.Platform))
	}
	if f.PostID != "" {
		q = q.Where("post_id = ?", f.PostID)
	}
	if !f.ScheduledAfter.IsZero() {
		q = q.Where("scheduled_time >= ?", f.ScheduledAfter.UTC())
	}
	if !f.ScheduledBefore.IsZero() {
		q = q.Where("scheduled_time <= ?", f.ScheduledBefore.UTC())
	}
	if f.ExcludeID != "" {
		q = q.Where("id <> ?", f.ExcludeID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var models []scheduledPostModel
	if err := q.Order("scheduled_time ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return fromScheduledPostModels(models), nil
}

func (r *PostGormRepository) CountByStatus(ctx context.Context) (map[post.Status]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&scheduledPostModel{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[post.Status]int64, len(post.AllStatuses))
	for _, s := range post.AllStatuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[post.Status(row.Status)] = row.Total
	}
	return out, nil
}

func (r *PostGormRepository) CountByPlatform(ctx context.Context) (map[post.Platform]int64, error) {
	var rows []struct {
		Platform string
		Total    int64
	}
	err := r.db.WithContext(ctx).Model(&scheduledPostModel{}).
		Select("platform, COUNT(*) AS total").
		Group("platform").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[post.Platform]int64, len(rows))
	for _, row := range rows {
		out[post.Platform(row.Platform)] = row.Total
	}
	return out, nil
}

// Update applies mutations only if the stored status still equals expected.
// An empty expected status skips the condition.
func (r *PostGormRepository) Update(ctx context.Context, id string, mutations []post.Mutation, expected post.Status) (post.ScheduledPost, error) {
	updates := toColumnUpdates(mutations)
	updates["updated_at"] = r.now()

	var out post.ScheduledPost
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&scheduledPostModel{}).Where("id = ?", id)
		if expected != "" {
			q = q.Where("status = ?", string(expected))
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&scheduledPostModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return post.ErrNotFound
			}
			return post.ErrConcurrentModification
		}

		var m scheduledPostModel
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			return err
		}
		out = fromScheduledPostModel(m)
		return nil
	})
	return out, err
}

func (r *PostGormRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&scheduledPostModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return post.ErrNotFound
	}
	return nil
}

// --- Mappers ---

func toScheduledPostModel(p post.ScheduledPost) scheduledPostModel {
	return scheduledPostModel{
		ID:             p.ID,
		PostID:         nullString(p.PostID),
		Platform:       string(p.Platform),
		Content:        p.Content,
		ScheduledTime:  p.ScheduledTime.UTC(),
		Status:         string(p.Status),
		RetryCount:     p.RetryCount,
		MaxRetries:     p.MaxRetries,
		LastError:      nullString(p.LastError),
		LastAttemptAt:  p.LastAttemptAt,
		PublishedAt:    p.PublishedAt,
		CancelledAt:    p.CancelledAt,
		ExpiredAt:      p.ExpiredAt,
		ExternalPostID: nullString(p.ExternalPostID),
		QueueJobID:     nullString(p.QueueJobID),
		CancelReason:   nullString(p.CancelReason),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func fromScheduledPostModel(m scheduledPostModel) post.ScheduledPost {
	return post.ScheduledPost{
		ID:             m.ID,
		PostID:         nullStringValue(m.PostID),
		Platform:       post.Platform(m.Platform),
		Content:        m.Content,
		ScheduledTime:  m.ScheduledTime.UTC(),
		Status:         post.Status(m.Status),
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		LastError:      nullStringValue(m.LastError),
		LastAttemptAt:  utcPtr(m.LastAttemptAt),
		PublishedAt:    utcPtr(m.PublishedAt),
		CancelledAt:    utcPtr(m.CancelledAt),
		ExpiredAt:      utcPtr(m.ExpiredAt),
		ExternalPostID: nullStringValue(m.ExternalPostID),
		QueueJobID:     nullStringValue(m.QueueJobID),
		CancelReason:   nullStringValue(m.CancelReason),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func fromScheduledPostModels(models []scheduledPostModel) []post.ScheduledPost {
	res := make([]post.ScheduledPost, len(models))
	for i, m := range models {
		res[i] = fromScheduledPostModel(m)
	}
	return res
}

func toColumnUpdates(mutations []post.Mutation) map[string]any {
	updates := make(map[string]any, len(mutations)+1)
	for _, m := range mutations {
		col := string(m.Field)
		switch v := m.Value.(type) {
		case post.Status:
			updates[col] = string(v)
		case *time.Time:
			updates[col] = v
		case time.Time:
			updates[col] = v.UTC()
		case string:
			if m.Field == post.FieldContent {
				updates[col] = v
			} else {
				updates[col] = nullString(v)
			}
		default:
			updates[col] = v
		}
	}
	return updates
}

func statusStrings(statuses []post.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullStringValue returns a trimmed string or empty if null.
func nullStringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return strings.TrimSpace(ns.String)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
