package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	pkgError "github.com/AzielCF/az-post/pkg/error"
	"github.com/AzielCF/az-post/pkg/timeutils"
	"github.com/AzielCF/az-post/scheduler/application"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/retry"
	"github.com/AzielCF/az-post/validations"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SchedulerDeps struct {
	Store        post.Store
	Sources      post.SourcePosts // optional
	Lifecycle    *application.LifecycleService
	Bridge       *application.QueueBridge
	Orchestrator *application.Orchestrator
	Sweeper      *application.Sweeper
	Policies     *retry.Registry
	Emitter      post.Emitter
	Limits       validations.ContentLimits
	Location     *time.Location
}

type serviceScheduler struct {
	SchedulerDeps
}

func NewSchedulerService(deps SchedulerDeps) domainScheduler.ISchedulerUsecase {
	if deps.Limits == nil {
		deps.Limits = validations.DefaultContentLimits
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &serviceScheduler{SchedulerDeps: deps}
}

func (service *serviceScheduler) Create(ctx context.Context, request domainScheduler.CreateRequest) (post.ScheduledPost, error) {
	if err := validations.ValidateCreateScheduledPost(ctx, request, service.Policies.Platforms(), service.Limits, service.Location); err != nil {
		return post.ScheduledPost{}, err
	}

	now := service.Lifecycle.Now()
	platform := post.Platform(request.Platform)

	scheduledAt := now
	if !request.PublishNow {
		parsed, err := timeutils.ParseScheduleTime(request.ScheduledTime, service.Location)
		if err != nil {
			return post.ScheduledPost{}, pkgError.ValidationError(err.Error())
		}
		if !parsed.After(now) {
			return post.ScheduledPost{}, pkgError.ValidationError("scheduled_time: must be in the future, use publish_now to publish immediately")
		}
		scheduledAt = parsed
	}

	if request.PostID != "" && service.Sources != nil {
		approved, err := service.Sources.IsApproved(ctx, request.PostID)
		if err != nil {
			return post.ScheduledPost{}, mapSchedulerError(err)
		}
		if !approved {
			return post.ScheduledPost{}, mapSchedulerError(fmt.Errorf("%w: post %s is not approved for publishing", post.ErrInvalidOperation, request.PostID))
		}
	}

	if err := service.Orchestrator.CheckConflict(ctx, platform, scheduledAt, ""); err != nil {
		return post.ScheduledPost{}, mapSchedulerError(err)
	}

	p := post.ScheduledPost{
		ID:            uuid.NewString(),
		PostID:        request.PostID,
		Platform:      platform,
		Content:       request.Content,
		ScheduledTime: scheduledAt.UTC(),
		Status:        post.StatusPending,
		MaxRetries:    service.Policies.MaxRetries(platform),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := service.Store.Create(ctx, p); err != nil {
		return post.ScheduledPost{}, mapSchedulerError(err)
	}

	logrus.WithFields(logrus.Fields{
		"scheduled_post_id": p.ID,
		"platform":          p.Platform,
		"scheduled_time":    p.ScheduledTime.Format(time.RFC3339),
	}).Info("[SCHEDULER] Post scheduled")
	if service.Emitter != nil {
		service.Emitter.Emit(ctx, post.NewEvent(post.EventScheduled, p, now))
	}

	scheduled, err := service.Bridge.Schedule(ctx, p, nil)
	if err != nil {
		return scheduled, mapSchedulerError(err)
	}
	return scheduled, nil
}

func (service *serviceScheduler) List(ctx context.Context, request domainScheduler.ListRequest) ([]post.ScheduledPost, error) {
	if err := validations.ValidateListScheduledPosts(ctx, request, service.Location); err != nil {
		return nil, err
	}

	filter := post.Filter{
		Platform: post.Platform(request.Platform),
		PostID:   request.PostID,
		Limit:    request.Limit,
		Offset:   request.Offset,
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	for _, s := range request.Status {
		filter.Statuses = append(filter.Statuses, post.Status(s))
	}
	if request.From != "" {
		filter.ScheduledAfter, _ = timeutils.ParseScheduleTime(request.From, service.Location)
	}
	if request.To != "" {
		filter.ScheduledBefore, _ = timeutils.ParseScheduleTime(request.To, service.Location)
	}

	posts, err := service.Store.List(ctx, filter)
	if err != nil {
		return nil, mapSchedulerError(err)
	}
	return posts, nil
}

func (service *serviceScheduler) Get(ctx context.Context, id string) (post.ScheduledPost, error) {
	p, err := service.Store.FindByID(ctx, id)
	if err != nil {
		return post.ScheduledPost{}, mapSchedulerError(err)
	}
	return p, nil
}

// Update edits a PENDING post. A new scheduled time re-runs the conflict check
// and replaces the queue job under the same id.
func (service *serviceScheduler) Update(ctx context.Context, id string, request domainScheduler.UpdateRequest) (post.ScheduledPost, error) {
	current, err := service.Store.FindByID(ctx, id)
	if err != nil {
		return post.ScheduledPost{}, mapSchedulerError(err)
	}
	if err := validations.ValidateUpdateScheduledPost(ctx, request, current.Platform, service.Limits, service.Location); err != nil {
		return current, err
	}
	if current.Status != post.StatusPending {
		return current, mapSchedulerError(fmt.Errorf("%w: post %s is %s, only PENDING posts can be modified",
			post.ErrInvalidOperation, id, current.Status))
	}

	var newTime *time.Time
	if request.ScheduledTime != nil {
		parsed, err := timeutils.ParseScheduleTime(*request.ScheduledTime, service.Location)
		if err != nil {
			return current, pkgError.ValidationError(err.Error())
		}
		if !parsed.After(service.Lifecycle.Now()) {
			return current, pkgError.ValidationError("scheduled_time: must be in the future")
		}
		if err := service.Orchestrator.CheckConflict(ctx, current.Platform, parsed, id); err != nil {
			return current, mapSchedulerError(err)
		}
		newTime = &parsed
	}

	updated, err := service.Lifecycle.Reschedule(ctx, id, newTime, request.Content)
	if err != nil {
		return current, mapSchedulerError(err)
	}

	// The job payload carries content and time, so any change re-enqueues.
	rescheduled, err := service.Bridge.Reschedule(ctx, updated)
	if err != nil {
		return rescheduled, mapSchedulerError(err)
	}
	return rescheduled, nil
}

func (service *serviceScheduler) Cancel(ctx context.Context, id, reason string) (post.ScheduledPost, error) {
	p, err := service.Bridge.Unschedule(ctx, id, reason)
	if err != nil {
		return p, mapSchedulerError(err)
	}
	return p, nil
}

// UnscheduleByPost cancels every active scheduled post of one source post.
// Individual failures are counted, not returned.
func (service *serviceScheduler) UnscheduleByPost(ctx context.Context, postID, reason string) (domainScheduler.UnscheduleResult, error) {
	result := domainScheduler.UnscheduleResult{PostID: postID, IDs: []string{}}
	if postID == "" {
		return result, pkgError.ValidationError("post_id: cannot be blank")
	}

	posts, err := service.Store.List(ctx, post.Filter{PostID: postID, Statuses: post.ActiveStatuses()})
	if err != nil {
		return result, mapSchedulerError(err)
	}

	for _, p := range posts {
		if _, err := service.Bridge.Unschedule(ctx, p.ID, reason); err != nil {
			logrus.WithError(err).WithField("scheduled_post_id", p.ID).Warn("[SCHEDULER] Could not unschedule post")
			result.Failed++
			continue
		}
		result.Cancelled++
		result.IDs = append(result.IDs, p.ID)
	}
	return result, nil
}

func (service *serviceScheduler) Retry(ctx context.Context, id string) (post.ScheduledPost, error) {
	p, err := service.Bridge.ScheduleRetry(ctx, id, nil)
	if err != nil {
		return p, mapSchedulerError(err)
	}
	return p, nil
}

func (service *serviceScheduler) AvailableActions(ctx context.Context, id string) ([]string, error) {
	actions, err := service.Lifecycle.GetAvailableActions(ctx, id)
	if err != nil {
		return nil, mapSchedulerError(err)
	}
	return actions, nil
}

// Delete removes a record that reached a terminal status.
func (service *serviceScheduler) Delete(ctx context.Context, id string) error {
	p, err := service.Store.FindByID(ctx, id)
	if err != nil {
		return mapSchedulerError(err)
	}
	if !p.Status.IsTerminal() {
		return pkgError.InvalidTransitionError(fmt.Sprintf("post %s is %s, cancel it before deleting", id, p.Status))
	}
	return mapSchedulerError(service.Store.Delete(ctx, id))
}

func (service *serviceScheduler) Stats(ctx context.Context) (domainScheduler.StatsResponse, error) {
	byStatus, err := service.Store.CountByStatus(ctx)
	if err != nil {
		return domainScheduler.StatsResponse{}, mapSchedulerError(err)
	}
	byPlatform, err := service.Store.CountByPlatform(ctx)
	if err != nil {
		return domainScheduler.StatsResponse{}, mapSchedulerError(err)
	}

	resp := domainScheduler.StatsResponse{ByStatus: byStatus, ByPlatform: byPlatform}
	if qs, err := service.Bridge.QueueStats(ctx); err == nil {
		resp.Queue = &qs
	} else {
		logrus.WithError(err).Warn("[SCHEDULER] Queue stats unavailable")
	}
	if service.Sweeper != nil {
		if last, ok := service.Sweeper.LastReport(); ok {
			resp.LastHealth = &last
		}
	}
	return resp, nil
}

// Health returns the last sweep report, running a sweep when none exists yet.
func (service *serviceScheduler) Health(ctx context.Context) (application.HealthReport, error) {
	if service.Sweeper == nil {
		return application.HealthReport{}, pkgError.ServiceUnavailableError("health sweeper is not configured")
	}
	if last, ok := service.Sweeper.LastReport(); ok {
		return last, nil
	}
	return service.RunHealthCheck(ctx)
}

func (service *serviceScheduler) RunHealthCheck(ctx context.Context) (application.HealthReport, error) {
	if service.Sweeper == nil {
		return application.HealthReport{}, pkgError.ServiceUnavailableError("health sweeper is not configured")
	}
	report, err := service.Sweeper.Run(ctx)
	if err != nil {
		return report, mapSchedulerError(err)
	}
	return report, nil
}

// mapSchedulerError turns domain failures into the HTTP-facing error types.
func mapSchedulerError(err error) error {
	if err == nil {
		return nil
	}
	var generic pkgError.GenericError
	if errors.As(err, &generic) {
		return err
	}
	switch {
	case errors.Is(err, post.ErrNotFound):
		return pkgError.NotFoundError(err.Error())
	case errors.Is(err, post.ErrConflict):
		return pkgError.ConflictError(err.Error())
	case errors.Is(err, post.ErrConcurrentModification):
		return pkgError.ConflictError(err.Error())
	case errors.Is(err, post.ErrInvalidTransition), errors.Is(err, post.ErrInvalidOperation):
		return pkgError.InvalidTransitionError(err.Error())
	case errors.Is(err, post.ErrQueueUnavailable):
		return pkgError.ServiceUnavailableError(err.Error())
	default:
		logrus.WithError(err).Error("[SCHEDULER] Unexpected error")
		return pkgError.InternalServerError(err.Error())
	}
}
