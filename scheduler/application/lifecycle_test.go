package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_HappyPathEmitsEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformLinkedIn, baseTime.Add(-time.Second), post.StatusPending)

	_, err := h.lifecycle.QueueForPublishing(ctx, "sp-1", "")
	require.NoError(t, err)
	_, err = h.lifecycle.StartPublishing(ctx, "sp-1")
	require.NoError(t, err)
	p, err := h.lifecycle.MarkPublished(ctx, "sp-1", "ext-1")
	require.NoError(t, err)

	assert.Equal(t, post.StatusPublished, p.Status)
	assert.Equal(t, "ext-1", p.ExternalPostID)
	require.NotNil(t, p.PublishedAt)
	assert.Equal(t, baseTime, *p.PublishedAt)

	assert.Equal(t, []post.Status{post.StatusQueued, post.StatusPublishing, post.StatusPublished}, h.emitter.statusTrail())
	published := h.emitter.named(post.EventPublished)
	require.Len(t, published, 1)
	assert.Equal(t, "ext-1", published[0].ExternalPostID)
	assert.Equal(t, post.StatusPublishing, published[0].From)
	assert.Equal(t, "src-sp-1", published[0].PostID)
}

func TestLifecycle_MarkPublishedTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusPublishing)

	_, err := h.lifecycle.MarkPublished(ctx, "sp-1", "ext-1")
	require.NoError(t, err)

	_, err = h.lifecycle.MarkPublished(ctx, "sp-1", "ext-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, post.ErrInvalidTransition))

	var te *post.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, post.StatusPublished, te.From)
	assert.Len(t, h.emitter.named(post.EventPublished), 1)
}

func TestLifecycle_MarkFailedSchedulesRetryInformation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformX, baseTime, post.StatusPublishing)

	p, err := h.lifecycle.MarkFailed(ctx, "sp-1", errors.New("rate limited"))
	require.NoError(t, err)
	assert.Equal(t, post.StatusFailed, p.Status)
	assert.Equal(t, "rate limited", p.LastError)
	require.NotNil(t, p.LastAttemptAt)

	failed := h.emitter.named(post.EventFailed)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].WillRetry)
	assert.Equal(t, 30*time.Second, failed[0].NextRetryDelay)
	assert.Equal(t, "rate limited", failed[0].Error)
	assert.Empty(t, h.emitter.named(post.EventPermanentlyFailed))
}

func TestLifecycle_LastFailureExpiresPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusPublishing)
	_, err := h.store.Update(ctx, p.ID, []post.Mutation{post.Set(post.FieldRetryCount, 2)}, "")
	require.NoError(t, err)

	p, err = h.lifecycle.MarkFailed(ctx, "sp-1", errors.New("401 unauthorized"))
	require.NoError(t, err)
	assert.Equal(t, post.StatusExpired, p.Status)
	assert.Equal(t, "Max retries (3) exceeded: 401 unauthorized", p.LastError)
	require.NotNil(t, p.ExpiredAt)

	perm := h.emitter.named(post.EventPermanentlyFailed)
	require.Len(t, perm, 1)
	assert.Equal(t, "401 unauthorized", perm[0].Error)
	assert.Empty(t, h.emitter.named(post.EventExpired))
	assert.Empty(t, h.emitter.named(post.EventFailed))
}

func TestLifecycle_RetryConsumesBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusFailed)

	p, err := h.lifecycle.Retry(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, post.StatusRetrying, p.Status)
	assert.Equal(t, 1, p.RetryCount)

	p, err = h.lifecycle.ResumeAfterRetryDelay(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, post.StatusQueued, p.Status)
	assert.Nil(t, p.LastAttemptAt)
}

func TestLifecycle_RetryRejectedWhenExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusFailed)
	_, err := h.store.Update(ctx, p.ID, []post.Mutation{post.Set(post.FieldRetryCount, 3)}, "")
	require.NoError(t, err)

	_, err = h.lifecycle.Retry(ctx, "sp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, post.ErrInvalidOperation))
	assert.True(t, errors.Is(err, post.ErrInvalidTransition))
	assert.Equal(t, post.StatusFailed, h.get(t, "sp-1").Status)
}

func TestLifecycle_CancelDefaultsReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "a", post.PlatformX, baseTime.Add(time.Hour), post.StatusPending)
	h.create(t, "b", post.PlatformX, baseTime.Add(2*time.Hour), post.StatusQueued)

	a, err := h.lifecycle.Cancel(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, "Manually cancelled", a.CancelReason)

	b, err := h.lifecycle.Cancel(ctx, "b", "campaign pulled")
	require.NoError(t, err)
	assert.Equal(t, post.StatusCancelled, b.Status)
	require.NotNil(t, b.CancelledAt)

	cancelled := h.emitter.named(post.EventCancelled)
	require.Len(t, cancelled, 2)
	assert.Equal(t, "campaign pulled", cancelled[1].Reason)

	_, err = h.lifecycle.Cancel(ctx, "b", "again")
	assert.True(t, errors.Is(err, post.ErrInvalidTransition))
}

func TestLifecycle_AutoExpiryPreemptsEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "old", post.PlatformLinkedIn, baseTime.Add(-25*time.Hour), post.StatusPending)
	h.create(t, "recent", post.PlatformLinkedIn, baseTime.Add(-2*time.Hour), post.StatusPending)

	_, err := h.lifecycle.QueueForPublishing(ctx, "old", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, post.ErrInvalidTransition))

	old := h.get(t, "old")
	assert.Equal(t, post.StatusExpired, old.Status)
	assert.Contains(t, old.LastError, "Post expired")

	expired := h.emitter.named(post.EventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "EXPIRE", expired[0].Trigger)

	recent, err := h.lifecycle.QueueForPublishing(ctx, "recent", "")
	require.NoError(t, err)
	assert.Equal(t, post.StatusQueued, recent.Status)
}

func TestLifecycle_CheckAndExpireOldPosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "stale-pending", post.PlatformLinkedIn, baseTime.Add(-25*time.Hour), post.StatusPending)
	h.create(t, "stale-failed", post.PlatformX, baseTime.Add(-48*time.Hour), post.StatusFailed)
	h.create(t, "recent", post.PlatformLinkedIn, baseTime.Add(-2*time.Hour), post.StatusPending)
	h.create(t, "done", post.PlatformLinkedIn, baseTime.Add(-30*time.Hour), post.StatusPublished)

	n, err := h.lifecycle.CheckAndExpireOldPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, post.StatusExpired, h.get(t, "stale-pending").Status)
	assert.Equal(t, post.StatusExpired, h.get(t, "stale-failed").Status)
	assert.Equal(t, post.StatusPending, h.get(t, "recent").Status)
	assert.Equal(t, post.StatusPublished, h.get(t, "done").Status)

	n, err = h.lifecycle.CheckAndExpireOldPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLifecycle_CheckAndExpireHonoursSubHourWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lifecycle := NewLifecycleService(h.store, h.policies, h.emitter,
		WithClock(h.clock.Now), WithExpiryWindow(90*time.Minute))
	h.create(t, "seventy-minutes", post.PlatformLinkedIn, baseTime.Add(-70*time.Minute), post.StatusPending)

	n, err := lifecycle.CheckAndExpireOldPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, post.StatusPending, h.get(t, "seventy-minutes").Status)

	h.create(t, "ninety-one-minutes", post.PlatformLinkedIn, baseTime.Add(-91*time.Minute), post.StatusPending)
	n, err = lifecycle.CheckAndExpireOldPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := h.get(t, "ninety-one-minutes")
	assert.Equal(t, post.StatusExpired, expired.Status)
	assert.Contains(t, expired.LastError, "1h30m0s")
	assert.Equal(t, post.StatusPending, h.get(t, "seventy-minutes").Status)
}

func TestLifecycle_RetriesLostCompareAndSwapOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusQueued)
	h.create(t, "sp-2", post.PlatformLinkedIn, baseTime.Add(time.Hour), post.StatusQueued)

	store := &flakyStore{Store: h.store, failures: 1}
	svc := NewLifecycleService(store, h.policies, h.emitter, WithClock(h.clock.Now))

	p, err := svc.StartPublishing(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, post.StatusPublishing, p.Status)

	store.failures = 2
	_, err = svc.StartPublishing(ctx, "sp-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, post.ErrConcurrentModification))
	assert.Equal(t, post.StatusQueued, h.get(t, "sp-2").Status)
}

func TestLifecycle_AvailableActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "future", post.PlatformLinkedIn, baseTime.Add(time.Hour), post.StatusPending)
	h.create(t, "due", post.PlatformLinkedIn, baseTime.Add(-time.Minute), post.StatusPending)
	h.create(t, "old", post.PlatformLinkedIn, baseTime.Add(-30*time.Hour), post.StatusQueued)
	h.create(t, "done", post.PlatformLinkedIn, baseTime, post.StatusPublished)

	actions, err := h.lifecycle.GetAvailableActions(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, []string{"CANCEL", "ENQUEUE_FAILED", "EXPIRE", "QUEUE_FOR_PUBLISHING"}, actions)

	ok, err := h.lifecycle.CanTransition(ctx, "due", "TIME_REACHED")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.lifecycle.CanTransition(ctx, "future", "TIME_REACHED")
	require.NoError(t, err)
	assert.False(t, ok)

	actions, err = h.lifecycle.GetAvailableActions(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, []string{"EXPIRE"}, actions)

	actions, err = h.lifecycle.GetAvailableActions(ctx, "done")
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = h.lifecycle.GetAvailableActions(ctx, "missing")
	assert.True(t, errors.Is(err, post.ErrNotFound))
}

func TestLifecycle_RescheduleOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "pending", post.PlatformX, baseTime.Add(time.Hour), post.StatusPending)
	h.create(t, "queued", post.PlatformX, baseTime.Add(time.Hour), post.StatusQueued)

	at := baseTime.Add(3 * time.Hour)
	content := "edited"
	p, err := h.lifecycle.Reschedule(ctx, "pending", &at, &content)
	require.NoError(t, err)
	assert.Equal(t, at, p.ScheduledTime)
	assert.Equal(t, "edited", p.Content)

	_, err = h.lifecycle.Reschedule(ctx, "queued", &at, nil)
	assert.True(t, errors.Is(err, post.ErrInvalidOperation))

	_, err = h.lifecycle.AttachJob(ctx, "queued", "job-1")
	assert.True(t, errors.Is(err, post.ErrInvalidOperation))
}
