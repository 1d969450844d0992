package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConflictWindow = 30 * time.Minute
	DefaultLocalAttempts  = 3
	DefaultLocalBackoff   = 2 * time.Second
)

type OrchestratorConfig struct {
	ConflictWindow time.Duration
	LocalAttempts  int
	LocalBackoff   time.Duration
	BatchLimit     int
}

// BatchResult summarises one ProcessScheduledPosts sweep.
type BatchResult struct {
	Candidates int      `json:"candidates"`
	Published  int      `json:"published"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// Orchestrator performs the platform call for due posts.
type Orchestrator struct {
	lifecycle   *LifecycleService
	bridge      *QueueBridge
	store       post.Store
	publishers  *publisher.Registry
	credentials publisher.CredentialProvider
	limiter     *PlatformRateLimiter
	cfg         OrchestratorConfig
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	lifecycle *LifecycleService,
	bridge *QueueBridge,
	store post.Store,
	publishers *publisher.Registry,
	credentials publisher.CredentialProvider,
	limiter *PlatformRateLimiter,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.ConflictWindow <= 0 {
		cfg.ConflictWindow = DefaultConflictWindow
	}
	if cfg.LocalAttempts <= 0 {
		cfg.LocalAttempts = DefaultLocalAttempts
	}
	if cfg.LocalBackoff < 0 {
		cfg.LocalBackoff = 0
	}
	if limiter == nil {
		limiter = NewPlatformRateLimiter(nil)
	}
	return &Orchestrator{
		lifecycle:   lifecycle,
		bridge:      bridge,
		store:       store,
		publishers:  publishers,
		credentials: credentials,
		limiter:     limiter,
		cfg:         cfg,
		sleep:       sleepCtx,
	}
}

// HandleJob is the queue dispatch handler. The post status is re-checked
// before any platform call, which makes duplicate or stale deliveries harmless.
func (o *Orchestrator) HandleJob(ctx context.Context, job queue.Job) error {
	id := job.Payload.ScheduledPostID
	log := logrus.WithFields(logrus.Fields{"scheduled_post_id": id, "job_id": job.ID})

	current, err := o.store.FindByID(ctx, id)
	if errors.Is(err, post.ErrNotFound) {
		log.Warn("[ORCHESTRATOR] Job for unknown post, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	switch job.Payload.Kind {
	case queue.KindRetry:
		if job.ID != RetryJobID(current.ID, current.RetryCount) {
			log.Infof("[ORCHESTRATOR] Stale retry job (post at retry %d), skipping", current.RetryCount)
			return nil
		}
	default:
		if current.QueueJobID != "" && current.QueueJobID != job.ID {
			log.Infof("[ORCHESTRATOR] Job superseded by %s, skipping", current.QueueJobID)
			return nil
		}
	}

	// Nothing is started before its scheduled time; the queue brings the job back.
	if current.ScheduledTime.After(o.lifecycle.Now()) && isWaiting(current.Status) {
		log.Infof("[ORCHESTRATOR] Post not due until %s, deferring", current.ScheduledTime.Format(time.RFC3339))
		return queue.Defer(current.ScheduledTime)
	}

	switch current.Status {
	case post.StatusRetrying:
		if job.Payload.Kind == queue.KindRetry {
			if current, err = o.lifecycle.ResumeAfterRetryDelay(ctx, id); err != nil {
				return o.abort(log, current, err)
			}
		}
	case post.StatusPending:
		if job.Payload.Kind != queue.KindRetry {
			if current, err = o.lifecycle.QueueForPublishing(ctx, id, job.ID); err != nil {
				return o.abort(log, current, err)
			}
		}
	}

	if current.Status != post.StatusQueued {
		log.Infof("[ORCHESTRATOR] Post is %s, not publishing", current.Status)
		return nil
	}

	creds, err := o.bridge.OpenCredentials(job.Payload)
	if err != nil {
		log.WithError(err).Warn("[ORCHESTRATOR] Sealed credentials unusable, resolving from provider")
		creds = nil
	}
	if creds == nil {
		if creds, err = o.resolveCredentials(ctx, current.Platform); err != nil {
			log.WithError(err).Error("[ORCHESTRATOR] No credentials")
		}
	}

	if err := o.limiter.Wait(ctx, current.Platform); err != nil {
		return err
	}
	return o.publishOnce(ctx, current, creds)
}

func isWaiting(s post.Status) bool {
	return s == post.StatusPending || s == post.StatusQueued || s == post.StatusRetrying
}

// publishOnce runs a single attempt and hands a retryable failure back to the queue.
func (o *Orchestrator) publishOnce(ctx context.Context, p post.ScheduledPost, creds publisher.Credentials) error {
	log := logrus.WithFields(logrus.Fields{"scheduled_post_id": p.ID, "platform": p.Platform})

	started, err := o.lifecycle.StartPublishing(ctx, p.ID)
	if err != nil {
		return o.abort(log, p, err)
	}

	result, pubErr := o.callPlatform(ctx, started, creds)
	if pubErr == nil {
		o.recordSuccess(ctx, log, started, result)
		return nil
	}

	failed, err := o.lifecycle.MarkFailed(ctx, p.ID, pubErr)
	if err != nil {
		o.abort(log, failed, err)
		return pubErr
	}
	log.WithError(pubErr).Warnf("[ORCHESTRATOR] Publish failed (retry %d/%d)", failed.RetryCount, failed.MaxRetries)

	if failed.Status == post.StatusFailed && o.lifecycle.PolicyFor(failed).CanRetry(failed.RetryCount) {
		if _, err := o.bridge.ScheduleRetry(ctx, failed.ID, creds); err != nil {
			log.WithError(err).Error("[ORCHESTRATOR] Could not schedule retry")
		}
	}
	return pubErr
}

// ProcessScheduledPosts publishes every due PENDING post and every due FAILED
// post whose backoff has elapsed. Each post gets up to LocalAttempts platform
// calls within this sweep, each one rate limited; a post that still fails
// consumes one state machine retry.
func (o *Orchestrator) ProcessScheduledPosts(ctx context.Context) (BatchResult, error) {
	candidates, err := o.dueCandidates(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}
	logrus.Infof("[ORCHESTRATOR] Batch sweep: %d posts to process", len(candidates))

	for i, p := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if i > 0 {
			if err := o.sleep(ctx, o.limiter.OptimalDelay(p.Platform)); err != nil {
				return res, err
			}
		}

		outcome, err := o.processOne(ctx, p)
		switch outcome {
		case post.StatusPublished:
			res.Published++
		case post.StatusFailed, post.StatusExpired:
			res.Failed++
		default:
			res.Skipped++
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
		}
	}

	logrus.Infof("[ORCHESTRATOR] Batch sweep done: %d published, %d failed, %d skipped",
		res.Published, res.Failed, res.Skipped)
	return res, nil
}

func (o *Orchestrator) dueCandidates(ctx context.Context) ([]post.ScheduledPost, error) {
	now := o.lifecycle.Now()

	pending, err := o.store.List(ctx, post.Filter{
		Statuses:        []post.Status{post.StatusPending},
		ScheduledBefore: now,
		Limit:           o.cfg.BatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list due posts: %w", err)
	}

	failed, err := o.store.FindByStatus(ctx, post.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed posts: %w", err)
	}
	for _, p := range failed {
		policy := o.lifecycle.PolicyFor(p)
		if !policy.CanRetry(p.RetryCount) || p.ScheduledTime.After(now) {
			continue
		}
		if p.LastAttemptAt != nil && now.Before(p.LastAttemptAt.Add(policy.Delay(p.RetryCount))) {
			continue
		}
		pending = append(pending, p)
	}
	return pending, nil
}

// processOne drives a single batch candidate to PUBLISHED or FAILED and
// returns the status it ended in.
func (o *Orchestrator) processOne(ctx context.Context, p post.ScheduledPost) (post.Status, error) {
	log := logrus.WithFields(logrus.Fields{"scheduled_post_id": p.ID, "platform": p.Platform})

	// One token per platform call; the first is taken before any transition.
	if err := o.limiter.Wait(ctx, p.Platform); err != nil {
		return p.Status, err
	}

	var err error
	switch p.Status {
	case post.StatusPending:
		p, err = o.lifecycle.QueueForPublishing(ctx, p.ID, "")
	case post.StatusFailed:
		if p, err = o.lifecycle.Retry(ctx, p.ID); err == nil {
			p, err = o.lifecycle.ResumeAfterRetryDelay(ctx, p.ID)
		}
	}
	if err != nil {
		return p.Status, o.abort(log, p, err)
	}

	creds, err := o.resolveCredentials(ctx, p.Platform)
	if err != nil {
		log.WithError(err).Error("[ORCHESTRATOR] No credentials")
	}

	started, err := o.lifecycle.StartPublishing(ctx, p.ID)
	if err != nil {
		return started.Status, o.abort(log, started, err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.LocalAttempts; attempt++ {
		if attempt > 1 {
			if err := o.limiter.Wait(ctx, p.Platform); err != nil {
				lastErr = err
				break
			}
		}
		result, pubErr := o.callPlatform(ctx, started, creds)
		if pubErr == nil {
			published := o.recordSuccess(ctx, log, started, result)
			return published.Status, nil
		}
		lastErr = pubErr
		log.WithError(pubErr).Warnf("[ORCHESTRATOR] Attempt %d/%d failed", attempt, o.cfg.LocalAttempts)

		if attempt < o.cfg.LocalAttempts {
			if err := o.sleep(ctx, o.cfg.LocalBackoff*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	failed, err := o.lifecycle.MarkFailed(ctx, p.ID, lastErr)
	if err != nil {
		return failed.Status, o.abort(log, failed, err)
	}
	return failed.Status, lastErr
}

// CheckConflict rejects a schedule that lands within the conflict window of
// another PENDING or QUEUED post on the same platform.
func (o *Orchestrator) CheckConflict(ctx context.Context, platform post.Platform, at time.Time, excludeID string) error {
	window := o.cfg.ConflictWindow
	start, end := at.Add(-window), at.Add(window)

	existing, err := o.store.List(ctx, post.Filter{
		Statuses:        []post.Status{post.StatusPending, post.StatusQueued},
		Platform:        platform,
		ScheduledAfter:  start,
		ScheduledBefore: end,
		ExcludeID:       excludeID,
		Limit:           1,
	})
	if err != nil {
		return fmt.Errorf("conflict check: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}
	return &post.ConflictError{
		Platform:    platform,
		WindowStart: start,
		WindowEnd:   end,
		ConflictID:  existing[0].ID,
		ConflictAt:  existing[0].ScheduledTime,
	}
}

func (o *Orchestrator) callPlatform(ctx context.Context, p post.ScheduledPost, creds publisher.Credentials) (publisher.Result, error) {
	client, err := o.publishers.Get(p.Platform)
	if err != nil {
		return publisher.Result{}, fmt.Errorf("%w: %v", post.ErrPublish, err)
	}
	result, err := client.Publish(ctx, p.Content, creds)
	if err != nil {
		return result, err
	}
	if result.ExternalPostID == "" {
		return result, fmt.Errorf("%w: platform returned no post id", post.ErrPublish)
	}
	return result, nil
}

// recordSuccess stores the external id. A post cancelled while the call was in
// flight rejects the transition; the external post is left as is and logged.
func (o *Orchestrator) recordSuccess(ctx context.Context, log *logrus.Entry, started post.ScheduledPost, result publisher.Result) post.ScheduledPost {
	published, err := o.lifecycle.MarkPublished(ctx, started.ID, result.ExternalPostID)
	if err != nil {
		log.WithError(err).WithField("external_post_id", result.ExternalPostID).
			Warn("[ORCHESTRATOR] Publish succeeded but the post can no longer be marked published, external id discarded")
		return published
	}
	log.WithField("external_post_id", result.ExternalPostID).Info("[ORCHESTRATOR] Post published")
	return published
}

func (o *Orchestrator) resolveCredentials(ctx context.Context, platform post.Platform) (publisher.Credentials, error) {
	if o.credentials == nil {
		return publisher.Credentials{}, nil
	}
	return o.credentials.Credentials(ctx, platform)
}

// abort logs a rejected transition and swallows it; other errors are returned.
func (o *Orchestrator) abort(log *logrus.Entry, p post.ScheduledPost, err error) error {
	if errors.Is(err, post.ErrInvalidTransition) {
		log.WithError(err).Infof("[ORCHESTRATOR] Transition rejected for post in %s, skipping", p.Status)
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
