package post

import (
	"context"
	"time"
)

// Filter narrows List queries. Zero values are ignored.
type Filter struct {
	Statuses        []Status
	Platform        Platform
	PostID          string
	ScheduledAfter  time.Time // inclusive
	ScheduledBefore time.Time // inclusive
	ExcludeID       string
	Limit           int
	Offset          int
}

// Store is the single source of truth for scheduled posts.
// Update is conditioned on the stored status still being expected (compare-and-swap);
// a lost race returns ErrConcurrentModification.
type Store interface {
	Create(ctx context.Context, p ScheduledPost) error
	FindByID(ctx context.Context, id string) (ScheduledPost, error)
	FindByStatus(ctx context.Context, status Status) ([]ScheduledPost, error)
	// FindExpired returns expirable posts scheduled more than window ago.
	FindExpired(ctx context.Context, window time.Duration) ([]ScheduledPost, error)
	List(ctx context.Context, filter Filter) ([]ScheduledPost, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	CountByPlatform(ctx context.Context) (map[Platform]int64, error)
	Update(ctx context.Context, id string, mutations []Mutation, expected Status) (ScheduledPost, error)
	Delete(ctx context.Context, id string) error
}

// SourcePosts answers whether a piece of source content may be scheduled.
type SourcePosts interface {
	IsApproved(ctx context.Context, postID string) (bool, error)
}
