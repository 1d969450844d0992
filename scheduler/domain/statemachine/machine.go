// Package statemachine is the pure transition table of a scheduled post.
// It performs no I/O: given a snapshot and an event it returns the next state
// and the mutations to persist.
package statemachine

import (
	"fmt"
	"sort"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/retry"
)

type EventType string

const (
	TimeReached        EventType = "TIME_REACHED"
	QueueForPublishing EventType = "QUEUE_FOR_PUBLISHING"
	StartPublishing    EventType = "START_PUBLISHING"
	PublishSuccess     EventType = "PUBLISH_SUCCESS"
	PublishFailed      EventType = "PUBLISH_FAILED"
	EnqueueFailed      EventType = "ENQUEUE_FAILED"
	Retry              EventType = "RETRY"
	MaxRetriesExceeded EventType = "MAX_RETRIES_EXCEEDED"
	RetryDelayElapsed  EventType = "RETRY_DELAY_ELAPSED"
	Cancel             EventType = "CANCEL"
	Expire             EventType = "EXPIRE"
)

const (
	DefaultCancelReason = "Manually cancelled"
	DefaultExpiryWindow = 24 * time.Hour
)

// Event is a transition request with its payload.
type Event struct {
	Type           EventType
	QueueJobID     string
	ExternalPostID string
	Error          string
	Reason         string
}

// Context is everything a transition may look at.
type Context struct {
	Post         post.ScheduledPost
	Policy       retry.Policy
	Now          time.Time
	ExpiryWindow time.Duration
}

func (c Context) expiryWindow() time.Duration {
	if c.ExpiryWindow <= 0 {
		return DefaultExpiryWindow
	}
	return c.ExpiryWindow
}

// Result is the outcome of an accepted transition.
// AutoExpired means the post was past its window and moved to EXPIRED
// instead of processing the requested event.
type Result struct {
	From        post.Status
	To          post.Status
	Event       EventType
	AutoExpired bool
	Mutations   []post.Mutation
}

// Apply returns a copy of p with the result mutations applied.
func (r Result) Apply(p post.ScheduledPost) post.ScheduledPost {
	p.Apply(r.Mutations...)
	return p
}

type guard func(Context, Event) (ok bool, reason string)

type action func(Context, Event) []post.Mutation

type rule struct {
	to      post.Status
	guard   guard
	actions action
	// exhausted marks guard failures as retries-exhausted rejections.
	exhausted bool
}

var table = map[post.Status]map[EventType]rule{
	post.StatusPending: {
		TimeReached:        {to: post.StatusQueued, guard: isTimeToPublish},
		QueueForPublishing: {to: post.StatusQueued, actions: storeQueueJobID},
		EnqueueFailed:      {to: post.StatusFailed, actions: failed},
		Cancel:             {to: post.StatusCancelled, actions: cancelled},
		Expire:             {to: post.StatusExpired, actions: expired},
	},
	post.StatusQueued: {
		StartPublishing: {to: post.StatusPublishing, actions: attemptStarted},
		EnqueueFailed:   {to: post.StatusFailed, actions: failed},
		Cancel:          {to: post.StatusCancelled, actions: cancelled},
		Expire:          {to: post.StatusExpired, actions: expired},
	},
	post.StatusPublishing: {
		PublishSuccess: {to: post.StatusPublished, guard: hasExternalID, actions: published},
		PublishFailed:  {to: post.StatusFailed, actions: failed},
		Cancel:         {to: post.StatusCancelled, actions: cancelled},
	},
	post.StatusFailed: {
		Retry:              {to: post.StatusRetrying, guard: canRetry, actions: retryCounted, exhausted: true},
		MaxRetriesExceeded: {to: post.StatusExpired, actions: maxRetriesExceeded},
		Cancel:             {to: post.StatusCancelled, actions: cancelled},
		Expire:             {to: post.StatusExpired, actions: expired},
	},
	post.StatusRetrying: {
		RetryDelayElapsed: {to: post.StatusQueued, actions: retryDelayElapsed},
		Cancel:            {to: post.StatusCancelled, actions: cancelled},
	},
}

// States that check the expiry window before any other event.
var autoExpiring = map[post.Status]bool{
	post.StatusPending: true,
	post.StatusQueued:  true,
	post.StatusFailed:  true,
}

// Events still legal once retryCount reached maxRetries.
var allowedWhenExhausted = map[EventType]bool{
	Cancel:             true,
	Expire:             true,
	MaxRetriesExceeded: true,
}

// Transition evaluates ev against the current state in c.
// Rejections return a *post.TransitionError and no mutations.
func Transition(c Context, ev Event) (Result, error) {
	from := c.Post.Status

	if autoExpiring[from] && c.Post.IsExpired(c.Now, c.expiryWindow()) {
		reason := ev.Reason
		if ev.Type != Expire || reason == "" {
			reason = expiryReason(c)
		}
		muts := expired(c, Event{Type: Expire, Reason: reason})
		return Result{
			From:        from,
			To:          post.StatusExpired,
			Event:       ev.Type,
			AutoExpired: ev.Type != Expire,
			Mutations:   append([]post.Mutation{post.Set(post.FieldStatus, post.StatusExpired)}, muts...),
		}, nil
	}

	rules, ok := table[from]
	r, declared := rules[ev.Type]
	if !ok || !declared {
		return Result{}, &post.TransitionError{
			From:    from,
			Event:   string(ev.Type),
			Allowed: eventNames(AvailableEvents(c)),
		}
	}

	if c.Post.RetryCount >= c.Policy.MaxRetries && !allowedWhenExhausted[ev.Type] {
		return Result{}, &post.TransitionError{
			From:      from,
			Event:     string(ev.Type),
			Allowed:   eventNames(AvailableEvents(c)),
			Reason:    fmt.Sprintf("max retries (%d) reached", c.Policy.MaxRetries),
			Exhausted: true,
		}
	}

	if r.guard != nil {
		if passed, reason := r.guard(c, ev); !passed {
			return Result{}, &post.TransitionError{
				From:      from,
				Event:     string(ev.Type),
				Allowed:   eventNames(AvailableEvents(c)),
				Reason:    reason,
				Exhausted: r.exhausted,
			}
		}
	}

	muts := []post.Mutation{post.Set(post.FieldStatus, r.to)}
	if r.actions != nil {
		muts = append(muts, r.actions(c, ev)...)
	}

	return Result{From: from, To: r.to, Event: ev.Type, Mutations: muts}, nil
}

// AvailableEvents lists the events that would currently be accepted, sorted by name.
func AvailableEvents(c Context) []EventType {
	from := c.Post.Status
	rules, ok := table[from]
	if !ok {
		return nil
	}

	if autoExpiring[from] && c.Post.IsExpired(c.Now, c.expiryWindow()) {
		return []EventType{Expire}
	}

	exhausted := c.Post.RetryCount >= c.Policy.MaxRetries
	out := make([]EventType, 0, len(rules))
	for ev, r := range rules {
		if exhausted && !allowedWhenExhausted[ev] {
			continue
		}
		// Payload-dependent guards are evaluated with a representative payload.
		sample := Event{Type: ev, ExternalPostID: "sample"}
		if r.guard != nil {
			if passed, _ := r.guard(c, sample); !passed {
				continue
			}
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanTransition reports whether ev would be accepted.
func CanTransition(c Context, ev EventType) bool {
	for _, e := range AvailableEvents(c) {
		if e == ev {
			return true
		}
	}
	return false
}

// Targets returns the declared destination of ev from status, if any.
func Targets(status post.Status, ev EventType) (post.Status, bool) {
	r, ok := table[status][ev]
	return r.to, ok
}

func eventNames(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

// guards

func isTimeToPublish(c Context, _ Event) (bool, string) {
	if c.Post.IsTimeToPublish(c.Now) {
		return true, ""
	}
	return false, fmt.Sprintf("scheduled time %s not reached", c.Post.ScheduledTime.UTC().Format(time.RFC3339))
}

func canRetry(c Context, _ Event) (bool, string) {
	if c.Policy.CanRetry(c.Post.RetryCount) {
		return true, ""
	}
	return false, fmt.Sprintf("retries exhausted (%d/%d)", c.Post.RetryCount, c.Policy.MaxRetries)
}

func hasExternalID(_ Context, ev Event) (bool, string) {
	if ev.ExternalPostID != "" {
		return true, ""
	}
	return false, "external post id is required"
}

// actions

func storeQueueJobID(_ Context, ev Event) []post.Mutation {
	if ev.QueueJobID == "" {
		return nil
	}
	return []post.Mutation{post.Set(post.FieldQueueJobID, ev.QueueJobID)}
}

func attemptStarted(c Context, _ Event) []post.Mutation {
	return []post.Mutation{post.Set(post.FieldLastAttemptAt, post.TimePtr(c.Now))}
}

func published(c Context, ev Event) []post.Mutation {
	return []post.Mutation{
		post.Set(post.FieldExternalPostID, ev.ExternalPostID),
		post.Set(post.FieldPublishedAt, post.TimePtr(c.Now)),
		post.Clear(post.FieldLastError),
	}
}

func failed(c Context, ev Event) []post.Mutation {
	msg := ev.Error
	if msg == "" {
		msg = "unknown publish error"
	}
	return []post.Mutation{
		post.Set(post.FieldLastError, msg),
		post.Set(post.FieldLastAttemptAt, post.TimePtr(c.Now)),
	}
}

func retryCounted(c Context, _ Event) []post.Mutation {
	return []post.Mutation{post.Set(post.FieldRetryCount, c.Post.RetryCount+1)}
}

func retryDelayElapsed(_ Context, _ Event) []post.Mutation {
	return []post.Mutation{post.Clear(post.FieldLastAttemptAt)}
}

func cancelled(c Context, ev Event) []post.Mutation {
	reason := ev.Reason
	if reason == "" {
		reason = DefaultCancelReason
	}
	return []post.Mutation{
		post.Set(post.FieldCancelledAt, post.TimePtr(c.Now)),
		post.Set(post.FieldCancelReason, reason),
	}
}

func expired(c Context, ev Event) []post.Mutation {
	reason := ev.Reason
	if reason == "" {
		reason = expiryReason(c)
	}
	return []post.Mutation{
		post.Set(post.FieldExpiredAt, post.TimePtr(c.Now)),
		post.Set(post.FieldLastError, reason),
	}
}

func maxRetriesExceeded(c Context, ev Event) []post.Mutation {
	msg := fmt.Sprintf("Max retries (%d) exceeded", c.Policy.MaxRetries)
	if ev.Error != "" {
		msg += ": " + ev.Error
	}
	return []post.Mutation{
		post.Set(post.FieldExpiredAt, post.TimePtr(c.Now)),
		post.Set(post.FieldLastError, msg),
	}
}

func expiryReason(c Context) string {
	return fmt.Sprintf("Post expired: scheduled time %s is more than %s in the past",
		c.Post.ScheduledTime.UTC().Format(time.RFC3339), c.expiryWindow())
}
