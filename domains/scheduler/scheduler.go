package scheduler

import (
	"context"

	"github.com/AzielCF/az-post/scheduler/application"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
)

type ISchedulerUsecase interface {
	Create(ctx context.Context, request CreateRequest) (post.ScheduledPost, error)
	List(ctx context.Context, request ListRequest) ([]post.ScheduledPost, error)
	Get(ctx context.Context, id string) (post.ScheduledPost, error)
	Update(ctx context.Context, id string, request UpdateRequest) (post.ScheduledPost, error)
	Cancel(ctx context.Context, id, reason string) (post.ScheduledPost, error)
	UnscheduleByPost(ctx context.Context, postID, reason string) (UnscheduleResult, error)
	Retry(ctx context.Context, id string) (post.ScheduledPost, error)
	AvailableActions(ctx context.Context, id string) ([]string, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (StatsResponse, error)
	Health(ctx context.Context) (application.HealthReport, error)
	RunHealthCheck(ctx context.Context) (application.HealthReport, error)
}

type CreateRequest struct {
	PostID        string `json:"post_id,omitempty" form:"post_id"`
	Platform      string `json:"platform" form:"platform"`
	Content       string `json:"content" form:"content"`
	ScheduledTime string `json:"scheduled_time" form:"scheduled_time"` // RFC3339, or local wall time in the configured zone
	PublishNow    bool   `json:"publish_now,omitempty" form:"publish_now"`
}

type UpdateRequest struct {
	Content       *string `json:"content,omitempty"`
	ScheduledTime *string `json:"scheduled_time,omitempty"`
}

type ListRequest struct {
	Status   []string `query:"status"`
	Platform string   `query:"platform"`
	PostID   string   `query:"post_id"`
	From     string   `query:"from"`
	To       string   `query:"to"`
	Limit    int      `query:"limit"`
	Offset   int      `query:"offset"`
}

type UnscheduleResult struct {
	PostID    string   `json:"post_id"`
	Cancelled int      `json:"cancelled"`
	Failed    int      `json:"failed"`
	IDs       []string `json:"ids"`
}

type StatsResponse struct {
	ByStatus   map[post.Status]int64     `json:"by_status"`
	ByPlatform map[post.Platform]int64   `json:"by_platform"`
	Queue      *queue.Stats              `json:"queue,omitempty"`
	LastHealth *application.HealthReport `json:"last_health,omitempty"`
}
