package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-post/pkg/crypto"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/sirupsen/logrus"
)

// RetryJobID is the queue id of the delayed job that resumes retry number n.
func RetryJobID(scheduledPostID string, n int) string {
	return fmt.Sprintf("%s-retry-%d", scheduledPostID, n)
}

// QueueBridge hands scheduled posts to the durable queue and takes them back out.
type QueueBridge struct {
	lifecycle   *LifecycleService
	queue       queue.JobQueue
	credentials publisher.CredentialProvider
	box         *crypto.Box
}

func NewQueueBridge(lifecycle *LifecycleService, q queue.JobQueue, credentials publisher.CredentialProvider, box *crypto.Box) *QueueBridge {
	if box == nil {
		box = crypto.NewBox("")
	}
	return &QueueBridge{lifecycle: lifecycle, queue: q, credentials: credentials, box: box}
}

// Schedule enqueues p. Due posts are queued first and dispatched with high
// priority; future posts are delayed under their own id and stay PENDING.
// Credentials default to the configured provider when creds is nil.
func (b *QueueBridge) Schedule(ctx context.Context, p post.ScheduledPost, creds publisher.Credentials) (post.ScheduledPost, error) {
	payload, err := b.payload(ctx, p, queue.KindPublish, creds)
	if err != nil {
		return p, err
	}
	jobID := p.ID
	now := b.lifecycle.Now()

	if !p.ScheduledTime.After(now) {
		queued, err := b.lifecycle.QueueForPublishing(ctx, p.ID, jobID)
		if err != nil {
			return p, err
		}
		if _, err := b.queue.Enqueue(ctx, jobID, payload, queue.EnqueueOptions{Priority: queue.PriorityHigh}); err != nil {
			return b.enqueueFailed(ctx, queued, err)
		}
		logrus.WithFields(logrus.Fields{
			"scheduled_post_id": p.ID,
			"platform":          p.Platform,
		}).Info("[QUEUE_BRIDGE] Post is due, enqueued for immediate publishing")
		return queued, nil
	}

	delay := p.ScheduledTime.Sub(now)
	job, err := b.queue.Enqueue(ctx, jobID, payload, queue.EnqueueOptions{Delay: delay, Priority: queue.PriorityNormal})
	if err != nil {
		return b.enqueueFailed(ctx, p, err)
	}

	attached, err := b.lifecycle.AttachJob(ctx, p.ID, job.ID)
	if err != nil {
		// The post left PENDING while we were enqueueing, the job must not fire.
		if _, cerr := b.queue.Cancel(ctx, job.ID); cerr != nil {
			logrus.WithError(cerr).Warnf("[QUEUE_BRIDGE] Failed to withdraw job %s", job.ID)
		}
		return p, err
	}

	logrus.WithFields(logrus.Fields{
		"scheduled_post_id": p.ID,
		"platform":          p.Platform,
		"job_id":            job.ID,
	}).Infof("[QUEUE_BRIDGE] Post scheduled, dispatch in %s", delay.Round(time.Second))
	return attached, nil
}

// ScheduleRetry consumes one retry of a FAILED post and enqueues the delayed
// job that will bring it back to QUEUED.
func (b *QueueBridge) ScheduleRetry(ctx context.Context, id string, creds publisher.Credentials) (post.ScheduledPost, error) {
	retrying, err := b.lifecycle.Retry(ctx, id)
	if err != nil {
		return retrying, err
	}

	payload, err := b.payload(ctx, retrying, queue.KindRetry, creds)
	if err != nil {
		return retrying, err
	}

	// Delay for the failure that led to this retry, i.e. before the increment.
	// A post that failed before its time still waits for it.
	delay := b.lifecycle.PolicyFor(retrying).Delay(retrying.RetryCount - 1)
	if untilDue := retrying.ScheduledTime.Sub(b.lifecycle.Now()); untilDue > delay {
		delay = untilDue
	}
	jobID := RetryJobID(retrying.ID, retrying.RetryCount)

	if _, err := b.queue.Enqueue(ctx, jobID, payload, queue.EnqueueOptions{Delay: delay}); err != nil {
		// RETRYING only leads back to QUEUED; from there the failure is recordable.
		if _, rerr := b.lifecycle.ResumeAfterRetryDelay(ctx, id); rerr != nil {
			return retrying, fmt.Errorf("%w: %v", post.ErrQueueUnavailable, err)
		}
		failed, _ := b.lifecycle.MarkEnqueueFailed(ctx, id, fmt.Errorf("%w: %v", post.ErrQueueUnavailable, err))
		return failed, fmt.Errorf("%w: %v", post.ErrQueueUnavailable, err)
	}

	logrus.WithFields(logrus.Fields{
		"scheduled_post_id": id,
		"retry_count":       retrying.RetryCount,
		"job_id":            jobID,
	}).Infof("[QUEUE_BRIDGE] Retry scheduled in %s", delay)
	return retrying, nil
}

// Unschedule withdraws the queue job(s) of a post and cancels it. The post is
// cancelled even when the queue no longer knows the job.
func (b *QueueBridge) Unschedule(ctx context.Context, id, reason string) (post.ScheduledPost, error) {
	current, err := b.lifecycle.Get(ctx, id)
	if err != nil {
		return post.ScheduledPost{}, err
	}

	for _, jobID := range jobIDsFor(current) {
		found, err := b.queue.Cancel(ctx, jobID)
		switch {
		case err != nil && !errors.Is(err, queue.ErrJobNotFound):
			logrus.WithError(err).WithField("job_id", jobID).Warn("[QUEUE_BRIDGE] Queue cancel failed, cancelling post anyway")
		case found:
			logrus.WithField("job_id", jobID).Debug("[QUEUE_BRIDGE] Queue job withdrawn")
		}
	}

	return b.lifecycle.Cancel(ctx, id, reason)
}

// Reschedule re-enqueues a PENDING post under its own id, replacing the old job.
func (b *QueueBridge) Reschedule(ctx context.Context, p post.ScheduledPost) (post.ScheduledPost, error) {
	return b.Schedule(ctx, p, nil)
}

func (b *QueueBridge) enqueueFailed(ctx context.Context, p post.ScheduledPost, cause error) (post.ScheduledPost, error) {
	wrapped := fmt.Errorf("%w: %v", post.ErrQueueUnavailable, cause)
	logrus.WithError(cause).WithField("scheduled_post_id", p.ID).Error("[QUEUE_BRIDGE] Enqueue failed")

	failed, err := b.lifecycle.MarkEnqueueFailed(ctx, p.ID, wrapped)
	if err != nil {
		logrus.WithError(err).WithField("scheduled_post_id", p.ID).Error("[QUEUE_BRIDGE] Could not record enqueue failure")
		return p, wrapped
	}
	return failed, wrapped
}

func (b *QueueBridge) payload(ctx context.Context, p post.ScheduledPost, kind queue.Kind, creds publisher.Credentials) (queue.Payload, error) {
	if creds == nil && b.credentials != nil {
		resolved, err := b.credentials.Credentials(ctx, p.Platform)
		if err != nil {
			return queue.Payload{}, fmt.Errorf("resolve %s credentials: %w", p.Platform, err)
		}
		creds = resolved
	}

	var sealed string
	if len(creds) > 0 {
		s, err := b.box.SealJSON(creds)
		if err != nil {
			return queue.Payload{}, fmt.Errorf("seal credentials: %w", err)
		}
		sealed = s
	}

	return queue.Payload{
		Kind:              kind,
		ScheduledPostID:   p.ID,
		Platform:          p.Platform,
		Content:           p.Content,
		ScheduledTime:     p.ScheduledTime,
		SealedCredentials: sealed,
	}, nil
}

// OpenCredentials unseals the credentials carried by a job payload.
func (b *QueueBridge) OpenCredentials(payload queue.Payload) (publisher.Credentials, error) {
	if payload.SealedCredentials == "" {
		return nil, nil
	}
	var creds publisher.Credentials
	if err := b.box.OpenJSON(payload.SealedCredentials, &creds); err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	return creds, nil
}

func (b *QueueBridge) QueueStats(ctx context.Context) (queue.Stats, error) {
	return b.queue.Stats(ctx)
}

func jobIDsFor(p post.ScheduledPost) []string {
	ids := []string{p.ID}
	if p.QueueJobID != "" && p.QueueJobID != p.ID {
		ids = append(ids, p.QueueJobID)
	}
	if p.RetryCount > 0 {
		ids = append(ids, RetryJobID(p.ID, p.RetryCount))
	}
	return ids
}
