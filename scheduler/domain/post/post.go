package post

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusPublishing Status = "PUBLISHING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// AllStatuses lists every lifecycle status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusPublishing,
	StatusPublished,
	StatusFailed,
	StatusRetrying,
	StatusCancelled,
	StatusExpired,
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusCancelled || s == StatusExpired
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusPublishing, StatusFailed, StatusRetrying}
}

// ExpirableStatuses are the statuses the expiry sweep may move to EXPIRED.
func ExpirableStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusFailed}
}

type Platform string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformX        Platform = "x"
)

// ScheduledPost is the unit of work: publish Content to Platform at ScheduledTime.
type ScheduledPost struct {
	ID             string     `json:"id"`
	PostID         string     `json:"post_id,omitempty"` // Source content, empty for standalone events
	Platform       Platform   `json:"platform"`
	Content        string     `json:"content"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastError      string     `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
	ExternalPostID string     `json:"external_post_id,omitempty"`
	QueueJobID     string     `json:"queue_job_id,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTimeToPublish reports whether the earliest eligible publish instant has passed.
func (p ScheduledPost) IsTimeToPublish(now time.Time) bool {
	return !now.Before(p.ScheduledTime)
}

// IsExpired reports whether the post is past its publication window.
func (p ScheduledPost) IsExpired(now time.Time, window time.Duration) bool {
	return now.After(p.ScheduledTime.Add(window))
}

// Field names a mutable attribute. The value doubles as the storage column name.
type Field string

const (
	FieldStatus         Field = "status"
	FieldRetryCount     Field = "retry_count"
	FieldLastError      Field = "last_error"
	FieldLastAttemptAt  Field = "last_attempt_at"
	FieldPublishedAt    Field = "published_at"
	FieldCancelledAt    Field = "cancelled_at"
	FieldExpiredAt      Field = "expired_at"
	FieldExternalPostID Field = "external_post_id"
	FieldQueueJobID     Field = "queue_job_id"
	FieldCancelReason   Field = "cancel_reason"
	FieldScheduledTime  Field = "scheduled_time"
	FieldContent        Field = "content"
)

// Mutation sets one field. Nullable instants use *time.Time (nil clears).
type Mutation struct {
	Field Field
	Value any
}

func Set(field Field, value any) Mutation {
	return Mutation{Field: field, Value: value}
}

// Clear resets a nullable field.
func Clear(field Field) Mutation {
	switch field {
	case FieldLastAttemptAt, FieldPublishedAt, FieldCancelledAt, FieldExpiredAt:
		return Mutation{Field: field, Value: (*time.Time)(nil)}
	default:
		return Mutation{Field: field, Value: ""}
	}
}

// Apply writes the mutations onto p in order.
func (p *ScheduledPost) Apply(mutations ...Mutation) {
	for _, m := range mutations {
		switch m.Field {
		case FieldStatus:
			p.Status = m.Value.(Status)
		case FieldRetryCount:
			p.RetryCount = m.Value.(int)
		case FieldLastError:
			p.LastError = m.Value.(string)
		case FieldLastAttemptAt:
			p.LastAttemptAt = m.Value.(*time.Time)
		case FieldPublishedAt:
			p.PublishedAt = m.Value.(*time.Time)
		case FieldCancelledAt:
			p.CancelledAt = m.Value.(*time.Time)
		case FieldExpiredAt:
			p.ExpiredAt = m.Value.(*time.Time)
		case FieldExternalPostID:
			p.ExternalPostID = m.Value.(string)
		case FieldQueueJobID:
			p.QueueJobID = m.Value.(string)
		case FieldCancelReason:
			p.CancelReason = m.Value.(string)
		case FieldScheduledTime:
			p.ScheduledTime = m.Value.(time.Time)
		case FieldContent:
			p.Content = m.Value.(string)
		}
	}
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
