package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
)

type Kind string

const (
	KindPublish Kind = "publish"
	KindRetry   Kind = "retry"
)

type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// Payload is what the dispatcher hands back to the orchestrator.
// SealedCredentials is encrypted and only opened right before the platform call.
type Payload struct {
	Kind              Kind          `json:"kind"`
	ScheduledPostID   string        `json:"scheduled_post_id"`
	Platform          post.Platform `json:"platform"`
	Content           string        `json:"content"`
	ScheduledTime     time.Time     `json:"scheduled_time"`
	SealedCredentials string        `json:"sealed_credentials,omitempty"`
}

type Job struct {
	ID         string    `json:"id"`
	Payload    Payload   `json:"payload"`
	RunAt      time.Time `json:"run_at"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

type EnqueueOptions struct {
	Delay    time.Duration
	Priority Priority
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Handler processes a dispatched job. Delivery is at-least-once.
// A returned error puts the job back on the queue, see Redelivery.
type Handler func(ctx context.Context, job Job) error

const (
	// MaxDeliveries bounds how often a job whose handler keeps failing is handed out.
	MaxDeliveries = 5

	redeliveryBase = 15 * time.Second
	redeliveryCap  = 10 * time.Minute
)

// DeferError asks the queue to hand the job out again at Until. A deferred
// delivery does not count against MaxDeliveries.
type DeferError struct {
	Until time.Time
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("job deferred until %s", e.Until.Format(time.RFC3339))
}

func Defer(until time.Time) error {
	return &DeferError{Until: until}
}

// Redelivery decides what happens to a job after its handler returned err.
// It returns the job to store with its new run-at, or false when the job
// is dropped.
func Redelivery(job Job, err error, now time.Time) (Job, bool) {
	var d *DeferError
	if errors.As(err, &d) {
		job.RunAt = d.Until
		if job.Attempts > 0 {
			job.Attempts--
		}
		return job, true
	}
	if job.Attempts >= MaxDeliveries {
		return job, false
	}
	job.RunAt = now.Add(RedeliveryDelay(job.Attempts))
	return job, true
}

// RedeliveryDelay doubles from 15s per failed delivery, capped at 10 minutes.
func RedeliveryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := redeliveryBase
	for i := 1; i < attempts && d < redeliveryCap; i++ {
		d *= 2
	}
	if d > redeliveryCap {
		d = redeliveryCap
	}
	return d
}

// JobQueue is the durable delayed-dispatch collaborator.
// Enqueue with an existing job id replaces the previous job.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, payload Payload, opts EnqueueOptions) (Job, error)
	// Cancel reports whether a job was found and removed.
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Dispatcher runs the delivery loop of a queue until ctx is done.
type Dispatcher interface {
	Start(ctx context.Context, handler Handler)
	Stop()
}

var ErrJobNotFound = errors.New("job not found")
