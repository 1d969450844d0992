package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_DuePostIsPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime.Add(-time.Second), post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.HandleJob(ctx, h.queue.take(t, "sp-1")))

	published := h.get(t, "sp-1")
	assert.Equal(t, post.StatusPublished, published.Status)
	assert.Equal(t, "ext-1", published.ExternalPostID)
	assert.Equal(t, []post.Status{post.StatusQueued, post.StatusPublishing, post.StatusPublished}, h.emitter.statusTrail())

	require.Equal(t, 1, h.linkedin.Calls())
	assert.Equal(t, "li-token", h.linkedin.creds[0]["access_token"])
}

func TestOrchestrator_DelayedJobQueuesPendingPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime.Add(10*time.Minute), post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	require.NoError(t, h.orch.HandleJob(ctx, h.queue.take(t, "sp-1")))
	assert.Equal(t, post.StatusPublished, h.get(t, "sp-1").Status)
}

func TestOrchestrator_RetriesUntilMaxRetriesExceeded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.x.failures = 100
	p := h.create(t, "sp-1", post.PlatformX, baseTime.Add(-time.Second), post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)

	jobID := "sp-1"
	for failure := 1; failure <= 3; failure++ {
		err := h.orch.HandleJob(ctx, h.queue.take(t, jobID))
		require.Error(t, err)
		jobID = RetryJobID("sp-1", failure)
	}

	current := h.get(t, "sp-1")
	assert.Equal(t, 3, current.RetryCount)
	assert.Equal(t, post.StatusRetrying, current.Status)
	assert.False(t, current.Status.IsTerminal())

	// Fourth failure still leaves a retry.
	require.Error(t, h.orch.HandleJob(ctx, h.queue.take(t, RetryJobID("sp-1", 3))))
	current = h.get(t, "sp-1")
	assert.Equal(t, post.StatusRetrying, current.Status)
	assert.Equal(t, 4, current.RetryCount)

	require.Error(t, h.orch.HandleJob(ctx, h.queue.take(t, RetryJobID("sp-1", 4))))
	current = h.get(t, "sp-1")
	assert.Equal(t, post.StatusExpired, current.Status)
	assert.Contains(t, current.LastError, "Max retries (5) exceeded")
	assert.Equal(t, 5, h.x.Calls())

	assert.Len(t, h.emitter.named(post.EventFailed), 4)
	assert.Len(t, h.emitter.named(post.EventPermanentlyFailed), 1)

	h.queue.mu.Lock()
	assert.Empty(t, h.queue.jobs)
	h.queue.mu.Unlock()
}

func TestOrchestrator_RecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.linkedin.failures = 1
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)

	require.Error(t, h.orch.HandleJob(ctx, h.queue.take(t, "sp-1")))
	retry := h.queue.last()
	assert.Equal(t, time.Minute, retry.Opts.Delay)

	require.NoError(t, h.orch.HandleJob(ctx, h.queue.take(t, retry.ID)))
	published := h.get(t, "sp-1")
	assert.Equal(t, post.StatusPublished, published.Status)
	assert.Equal(t, 1, published.RetryCount)
	assert.Empty(t, published.LastError)
}

func TestOrchestrator_StaleJobsAreIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "sp-1", post.PlatformX, baseTime, post.StatusRetrying)
	_, err := h.store.Update(ctx, "sp-1", []post.Mutation{post.Set(post.FieldRetryCount, 2)}, "")
	require.NoError(t, err)

	stale := queue.Job{ID: RetryJobID("sp-1", 1), Payload: queue.Payload{Kind: queue.KindRetry, ScheduledPostID: "sp-1"}}
	require.NoError(t, h.orch.HandleJob(ctx, stale))
	assert.Equal(t, post.StatusRetrying, h.get(t, "sp-1").Status)

	h.create(t, "sp-2", post.PlatformX, baseTime, post.StatusPending)
	_, err = h.lifecycle.AttachJob(ctx, "sp-2", "sp-2-v2")
	require.NoError(t, err)
	superseded := queue.Job{ID: "sp-2", Payload: queue.Payload{Kind: queue.KindPublish, ScheduledPostID: "sp-2"}}
	require.NoError(t, h.orch.HandleJob(ctx, superseded))
	assert.Equal(t, post.StatusPending, h.get(t, "sp-2").Status)

	unknown := queue.Job{ID: "ghost", Payload: queue.Payload{Kind: queue.KindPublish, ScheduledPostID: "ghost"}}
	require.NoError(t, h.orch.HandleJob(ctx, unknown))
	assert.Zero(t, h.x.Calls())
}

func TestOrchestrator_CancelledPostIsNotPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)
	job := h.queue.take(t, "sp-1")

	_, err = h.lifecycle.Cancel(ctx, "sp-1", "user requested")
	require.NoError(t, err)

	require.NoError(t, h.orch.HandleJob(ctx, job))
	assert.Zero(t, h.linkedin.Calls())
	assert.Equal(t, post.StatusCancelled, h.get(t, "sp-1").Status)
}

func TestOrchestrator_CancelDuringPublishDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "sp-1", post.PlatformLinkedIn, baseTime, post.StatusPending)
	h.linkedin.onPublish = func() {
		_, err := h.bridge.Unschedule(ctx, "sp-1", "user requested")
		require.NoError(t, err)
	}

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.HandleJob(ctx, h.queue.take(t, "sp-1")))

	final := h.get(t, "sp-1")
	assert.Equal(t, post.StatusCancelled, final.Status)
	assert.Equal(t, "user requested", final.CancelReason)
	assert.Empty(t, final.ExternalPostID)
	assert.Empty(t, h.emitter.named(post.EventPublished))
}

func TestOrchestrator_ConflictWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := baseTime.Add(24 * time.Hour)
	h.create(t, "sp-1", post.PlatformLinkedIn, at, post.StatusPending)

	err := h.orch.CheckConflict(ctx, post.PlatformLinkedIn, at.Add(15*time.Minute), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, post.ErrConflict))
	var ce *post.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "sp-1", ce.ConflictID)

	assert.Error(t, h.orch.CheckConflict(ctx, post.PlatformLinkedIn, at.Add(30*time.Minute), ""))
	assert.NoError(t, h.orch.CheckConflict(ctx, post.PlatformLinkedIn, at.Add(31*time.Minute), ""))
	assert.NoError(t, h.orch.CheckConflict(ctx, post.PlatformX, at, ""))
	assert.NoError(t, h.orch.CheckConflict(ctx, post.PlatformLinkedIn, at.Add(5*time.Minute), "sp-1"))

	_, err = h.lifecycle.Cancel(ctx, "sp-1", "")
	require.NoError(t, err)
	assert.NoError(t, h.orch.CheckConflict(ctx, post.PlatformLinkedIn, at, ""))
}

func TestOrchestrator_BatchRetriesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.linkedin.failures = 2
	h.create(t, "flaky", post.PlatformLinkedIn, baseTime.Add(-time.Minute), post.StatusPending)
	h.create(t, "future", post.PlatformLinkedIn, baseTime.Add(time.Hour), post.StatusPending)

	var slept []time.Duration
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 3, h.linkedin.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)

	flaky := h.get(t, "flaky")
	assert.Equal(t, post.StatusPublished, flaky.Status)
	assert.Zero(t, flaky.RetryCount)
	assert.Equal(t, post.StatusPending, h.get(t, "future").Status)
}

func TestOrchestrator_BatchFailureConsumesOneRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.x.failures = 100
	h.create(t, "sp-1", post.PlatformX, baseTime.Add(-time.Minute), post.StatusPending)

	res, err := h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, DefaultLocalAttempts, h.x.Calls())

	failed := h.get(t, "sp-1")
	assert.Equal(t, post.StatusFailed, failed.Status)
	assert.Zero(t, failed.RetryCount)

	// Backoff not elapsed yet.
	res, err = h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)

	h.x.failures = 0
	h.clock.Advance(31 * time.Second)
	res, err = h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	published := h.get(t, "sp-1")
	assert.Equal(t, post.StatusPublished, published.Status)
	assert.Equal(t, 1, published.RetryCount)
}

func TestOrchestrator_BatchPacesPostsPerPlatform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "a", post.PlatformX, baseTime.Add(-3*time.Minute), post.StatusPending)
	h.create(t, "b", post.PlatformX, baseTime.Add(-2*time.Minute), post.StatusPending)
	h.create(t, "c", post.PlatformLinkedIn, baseTime.Add(-time.Minute), post.StatusPending)

	var slept []time.Duration
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Published)
	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, slept)
}

func TestOrchestrator_EarlyPublishJobIsDeferred(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := baseTime.Add(time.Hour)
	p := h.create(t, "sp-1", post.PlatformX, due, post.StatusPending)

	_, err := h.bridge.Schedule(ctx, p, nil)
	require.NoError(t, err)

	err = h.orch.HandleJob(ctx, h.queue.take(t, "sp-1"))
	var deferred *queue.DeferError
	require.ErrorAs(t, err, &deferred)
	assert.Equal(t, due, deferred.Until)
	assert.Equal(t, post.StatusPending, h.get(t, "sp-1").Status)
	assert.Zero(t, h.x.Calls())
}

func TestOrchestrator_BatchSkipsFailedPostsNotYetDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := baseTime.Add(7 * 24 * time.Hour)
	p := h.create(t, "sp-1", post.PlatformLinkedIn, due, post.StatusPending)

	h.queue.enqErr = errors.New("connection refused")
	_, err := h.bridge.Schedule(ctx, p, nil)
	require.Error(t, err)
	h.queue.enqErr = nil

	// Past the retry backoff but days before the scheduled time.
	h.clock.Advance(2 * time.Minute)
	res, err := h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Zero(t, h.linkedin.Calls())
	assert.Equal(t, post.StatusFailed, h.get(t, "sp-1").Status)

	h.clock.Advance(due.Sub(h.clock.Now()))
	res, err = h.orch.ProcessScheduledPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, post.StatusPublished, h.get(t, "sp-1").Status)
}

func TestOrchestrator_BatchRateLimitsEveryAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.linkedin.failures = 100
	h.orch.limiter = NewPlatformRateLimiter(map[post.Platform]PlatformLimit{
		post.PlatformLinkedIn: {Interval: time.Hour, Burst: 2},
	})
	h.create(t, "sp-1", post.PlatformLinkedIn, baseTime.Add(-time.Minute), post.StatusPending)

	// The third attempt would need a token an hour away.
	deadlineCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := h.orch.ProcessScheduledPosts(deadlineCtx)
	require.NoError(t, err)

	assert.Equal(t, 2, h.linkedin.Calls())
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "sp-1")
	assert.Equal(t, post.StatusFailed, h.get(t, "sp-1").Status)
	assert.False(t, h.orch.limiter.Allow(post.PlatformLinkedIn))
}
