package post

import (
	"context"
	"time"
)

type EventName string

const (
	EventStatusChanged     EventName = "status-changed"
	EventScheduled         EventName = "scheduled"
	EventQueued            EventName = "queued"
	EventPublishing        EventName = "publishing"
	EventPublished         EventName = "published"
	EventFailed            EventName = "failed"
	EventPermanentlyFailed EventName = "permanently-failed"
	EventCancelled         EventName = "cancelled"
	EventExpired           EventName = "expired"
)

// LifecycleEvent is fanned out to notification and analytics consumers.
// Delivery is best effort.
type LifecycleEvent struct {
	Name            EventName     `json:"name"`
	ScheduledPostID string        `json:"scheduled_post_id"`
	PostID          string        `json:"post_id,omitempty"`
	Platform        Platform      `json:"platform"`
	From            Status        `json:"from,omitempty"`
	To              Status        `json:"to,omitempty"`
	Trigger         string        `json:"trigger,omitempty"`
	ExternalPostID  string        `json:"external_post_id,omitempty"`
	Error           string        `json:"error,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	RetryCount      int           `json:"retry_count"`
	MaxRetries      int           `json:"max_retries"`
	WillRetry       bool          `json:"will_retry"`
	NextRetryDelay  time.Duration `json:"next_retry_delay,omitempty"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

// Emitter publishes lifecycle events. Implementations must not block the caller
// on slow consumers and never fail the transition that produced the event.
type Emitter interface {
	Emit(ctx context.Context, event LifecycleEvent)
}

// NewEvent builds an event carrying the identifying fields of p.
func NewEvent(name EventName, p ScheduledPost, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		Name:            name,
		ScheduledPostID: p.ID,
		PostID:          p.PostID,
		Platform:        p.Platform,
		To:              p.Status,
		RetryCount:      p.RetryCount,
		MaxRetries:      p.MaxRetries,
		ExternalPostID:  p.ExternalPostID,
		OccurredAt:      at.UTC(),
	}
}
