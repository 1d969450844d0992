package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/retry"
	"github.com/AzielCF/az-post/scheduler/domain/statemachine"
	"github.com/sirupsen/logrus"
)

// casAttempts is the number of read-transition-write cycles before a lost
// compare-and-swap is surfaced to the caller.
const casAttempts = 2

// LifecycleService owns every status change of a scheduled post.
type LifecycleService struct {
	store        post.Store
	policies     *retry.Registry
	emitter      post.Emitter
	now          func() time.Time
	expiryWindow time.Duration
}

type LifecycleOption func(*LifecycleService)

func WithClock(now func() time.Time) LifecycleOption {
	return func(s *LifecycleService) { s.now = now }
}

func WithExpiryWindow(d time.Duration) LifecycleOption {
	return func(s *LifecycleService) {
		if d > 0 {
			s.expiryWindow = d
		}
	}
}

func NewLifecycleService(store post.Store, policies *retry.Registry, emitter post.Emitter, opts ...LifecycleOption) *LifecycleService {
	s := &LifecycleService{
		store:        store,
		policies:     policies,
		emitter:      emitter,
		now:          func() time.Time { return time.Now().UTC() },
		expiryWindow: statemachine.DefaultExpiryWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LifecycleService) Now() time.Time { return s.now() }

func (s *LifecycleService) ExpiryWindow() time.Duration { return s.expiryWindow }

func (s *LifecycleService) Get(ctx context.Context, id string) (post.ScheduledPost, error) {
	return s.store.FindByID(ctx, id)
}

// PolicyFor returns the retry policy that governs p. A stored maxRetries wins
// over the registry so that policy changes do not affect posts in flight.
func (s *LifecycleService) PolicyFor(p post.ScheduledPost) retry.Policy {
	policy := s.policies.For(p.Platform)
	if p.MaxRetries > 0 {
		policy.MaxRetries = p.MaxRetries
	}
	return policy
}

// QueueForPublishing moves a PENDING post to QUEUED. With a job id the move is
// unconditional and the id is stored; without one the scheduled time must have passed.
func (s *LifecycleService) QueueForPublishing(ctx context.Context, id, queueJobID string) (post.ScheduledPost, error) {
	ev := statemachine.Event{Type: statemachine.TimeReached}
	if queueJobID != "" {
		ev = statemachine.Event{Type: statemachine.QueueForPublishing, QueueJobID: queueJobID}
	}
	p, _, err := s.apply(ctx, id, ev)
	return p, err
}

func (s *LifecycleService) StartPublishing(ctx context.Context, id string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.StartPublishing})
	return p, err
}

func (s *LifecycleService) MarkPublished(ctx context.Context, id, externalPostID string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.PublishSuccess, ExternalPostID: externalPostID})
	return p, err
}

// MarkFailed records a failed publish attempt and decides between a retryable
// failure and permanent expiry.
func (s *LifecycleService) MarkFailed(ctx context.Context, id string, cause error) (post.ScheduledPost, error) {
	return s.fail(ctx, id, statemachine.PublishFailed, cause)
}

// MarkEnqueueFailed records that the post could not be handed to the job queue.
// It follows the same retry accounting as a failed publish.
func (s *LifecycleService) MarkEnqueueFailed(ctx context.Context, id string, cause error) (post.ScheduledPost, error) {
	return s.fail(ctx, id, statemachine.EnqueueFailed, cause)
}

func (s *LifecycleService) fail(ctx context.Context, id string, evType statemachine.EventType, cause error) (post.ScheduledPost, error) {
	msg := errorMessage(cause)
	failed, _, err := s.apply(ctx, id, statemachine.Event{Type: evType, Error: msg})
	if err != nil {
		return failed, err
	}

	policy := s.PolicyFor(failed)
	if policy.Exhausted(failed.RetryCount) {
		expired, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.MaxRetriesExceeded, Error: msg})
		if err != nil {
			return failed, err
		}
		ev := post.NewEvent(post.EventPermanentlyFailed, expired, s.now())
		ev.From = post.StatusFailed
		ev.Error = msg
		ev.Reason = expired.LastError
		s.emit(ctx, ev)

		logrus.WithFields(logrus.Fields{
			"scheduled_post_id": id,
			"platform":          failed.Platform,
			"retry_count":       failed.RetryCount,
		}).Warnf("[LIFECYCLE] Post permanently failed: %s", expired.LastError)
		return expired, nil
	}

	ev := post.NewEvent(post.EventFailed, failed, s.now())
	ev.From = post.StatusFailed
	ev.Error = msg
	ev.WillRetry = true
	ev.NextRetryDelay = policy.Delay(failed.RetryCount)
	s.emit(ctx, ev)
	return failed, nil
}

// Retry moves a FAILED post to RETRYING and consumes one retry.
func (s *LifecycleService) Retry(ctx context.Context, id string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.Retry})
	return p, err
}

// ResumeAfterRetryDelay is fired once the backoff of a RETRYING post elapsed.
func (s *LifecycleService) ResumeAfterRetryDelay(ctx context.Context, id string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.RetryDelayElapsed})
	return p, err
}

func (s *LifecycleService) Cancel(ctx context.Context, id, reason string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.Cancel, Reason: reason})
	return p, err
}

func (s *LifecycleService) Expire(ctx context.Context, id, reason string) (post.ScheduledPost, error) {
	p, _, err := s.apply(ctx, id, statemachine.Event{Type: statemachine.Expire, Reason: reason})
	return p, err
}

// AttachJob stores the queue job id on a PENDING post without changing its status.
func (s *LifecycleService) AttachJob(ctx context.Context, id, queueJobID string) (post.ScheduledPost, error) {
	return s.updatePending(ctx, id, []post.Mutation{post.Set(post.FieldQueueJobID, queueJobID)})
}

// Reschedule changes the scheduled time and/or content of a PENDING post.
func (s *LifecycleService) Reschedule(ctx context.Context, id string, scheduledTime *time.Time, content *string) (post.ScheduledPost, error) {
	var muts []post.Mutation
	if scheduledTime != nil {
		muts = append(muts, post.Set(post.FieldScheduledTime, scheduledTime.UTC()))
	}
	if content != nil {
		muts = append(muts, post.Set(post.FieldContent, *content))
	}
	if len(muts) == 0 {
		return s.store.FindByID(ctx, id)
	}
	return s.updatePending(ctx, id, muts)
}

func (s *LifecycleService) updatePending(ctx context.Context, id string, muts []post.Mutation) (post.ScheduledPost, error) {
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return post.ScheduledPost{}, err
	}
	if current.Status != post.StatusPending {
		return current, fmt.Errorf("%w: post %s is %s, only PENDING posts can be modified",
			post.ErrInvalidOperation, id, current.Status)
	}
	updated, err := s.store.Update(ctx, id, muts, post.StatusPending)
	if errors.Is(err, post.ErrConcurrentModification) {
		return current, fmt.Errorf("%w: post %s is no longer PENDING", post.ErrInvalidOperation, id)
	}
	return updated, err
}

// CheckAndExpireOldPosts expires every PENDING, QUEUED or FAILED post whose
// scheduled time is older than the expiry window. Per-item failures are logged
// and skipped.
func (s *LifecycleService) CheckAndExpireOldPosts(ctx context.Context) (int, error) {
	candidates, err := s.store.FindExpired(ctx, s.expiryWindow)
	if err != nil {
		return 0, fmt.Errorf("find expired posts: %w", err)
	}

	expired := 0
	now := s.now()
	for _, p := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		// The store clock and ours may disagree; ours decides.
		if !p.IsExpired(now, s.expiryWindow) {
			continue
		}
		if _, err := s.Expire(ctx, p.ID, ""); err != nil {
			logrus.WithError(err).WithField("scheduled_post_id", p.ID).Error("[LIFECYCLE] Failed to expire post")
			continue
		}
		expired++
	}
	if expired > 0 {
		logrus.Infof("[LIFECYCLE] Expired %d of %d stale posts", expired, len(candidates))
	}
	return expired, nil
}

// GetAvailableActions lists the event names the post currently accepts.
func (s *LifecycleService) GetAvailableActions(ctx context.Context, id string) ([]string, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	events := statemachine.AvailableEvents(s.contextFor(p))
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out, nil
}

func (s *LifecycleService) CanTransition(ctx context.Context, id, eventName string) (bool, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	return statemachine.CanTransition(s.contextFor(p), statemachine.EventType(eventName)), nil
}

func (s *LifecycleService) contextFor(p post.ScheduledPost) statemachine.Context {
	return statemachine.Context{
		Post:         p,
		Policy:       s.PolicyFor(p),
		Now:          s.now(),
		ExpiryWindow: s.expiryWindow,
	}
}

// apply runs one read-transition-write cycle, retrying once on a lost CAS.
func (s *LifecycleService) apply(ctx context.Context, id string, ev statemachine.Event) (post.ScheduledPost, statemachine.Result, error) {
	for attempt := 1; attempt <= casAttempts; attempt++ {
		current, err := s.store.FindByID(ctx, id)
		if err != nil {
			return post.ScheduledPost{}, statemachine.Result{}, err
		}

		res, err := statemachine.Transition(s.contextFor(current), ev)
		if err != nil {
			return current, res, err
		}

		updated, err := s.store.Update(ctx, id, res.Mutations, res.From)
		if errors.Is(err, post.ErrConcurrentModification) {
			logrus.WithFields(logrus.Fields{
				"scheduled_post_id": id,
				"event":             ev.Type,
				"attempt":           attempt,
			}).Debug("[LIFECYCLE] Concurrent modification, re-reading")
			continue
		}
		if err != nil {
			return current, res, err
		}

		s.announce(ctx, updated, res, ev)

		if res.AutoExpired {
			return updated, res, &post.TransitionError{
				From:   res.From,
				Event:  string(ev.Type),
				Reason: "post expired before the event could be applied",
			}
		}
		return updated, res, nil
	}
	return post.ScheduledPost{}, statemachine.Result{}, fmt.Errorf("%s on %s: %w", ev.Type, id, post.ErrConcurrentModification)
}

func (s *LifecycleService) announce(ctx context.Context, p post.ScheduledPost, res statemachine.Result, ev statemachine.Event) {
	now := s.now()

	logrus.WithFields(logrus.Fields{
		"scheduled_post_id": p.ID,
		"platform":          p.Platform,
		"from":              res.From,
		"to":                res.To,
	}).Debugf("[LIFECYCLE] %s", ev.Type)

	changed := post.NewEvent(post.EventStatusChanged, p, now)
	changed.From = res.From
	changed.Trigger = string(ev.Type)
	if res.AutoExpired {
		changed.Trigger = string(statemachine.Expire)
	}
	s.emit(ctx, changed)

	var name post.EventName
	switch res.To {
	case post.StatusQueued:
		name = post.EventQueued
	case post.StatusPublishing:
		name = post.EventPublishing
	case post.StatusPublished:
		name = post.EventPublished
	case post.StatusCancelled:
		name = post.EventCancelled
	case post.StatusExpired:
		// Exhausted retries are announced as permanently-failed by fail().
		if ev.Type != statemachine.MaxRetriesExceeded || res.AutoExpired {
			name = post.EventExpired
		}
	}
	if name == "" {
		return
	}

	semantic := post.NewEvent(name, p, now)
	semantic.From = res.From
	semantic.Trigger = changed.Trigger
	switch name {
	case post.EventCancelled:
		semantic.Reason = p.CancelReason
	case post.EventExpired:
		semantic.Reason = p.LastError
	}
	s.emit(ctx, semantic)
}

func (s *LifecycleService) emit(ctx context.Context, ev post.LifecycleEvent) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, ev)
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
