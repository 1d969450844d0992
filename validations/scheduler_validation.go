package validations

import (
	"context"
	"errors"
	"time"

	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	pkgError "github.com/AzielCF/az-post/pkg/error"
	"github.com/AzielCF/az-post/pkg/timeutils"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ContentLimits caps post content per platform, counted in runes.
type ContentLimits map[post.Platform]int

var DefaultContentLimits = ContentLimits{
	post.PlatformLinkedIn: 3000,
	post.PlatformX:        280,
}

func (l ContentLimits) For(platform post.Platform) int {
	if n, ok := l[platform]; ok && n > 0 {
		return n
	}
	return DefaultContentLimits[platform]
}

func ValidateCreateScheduledPost(ctx context.Context, request domainScheduler.CreateRequest, platforms []post.Platform, limits ContentLimits, loc *time.Location) error {
	known := make([]any, len(platforms))
	for i, p := range platforms {
		known[i] = string(p)
	}

	contentRules := []validation.Rule{validation.Required}
	if limit := limits.For(post.Platform(request.Platform)); limit > 0 {
		contentRules = append(contentRules, validation.RuneLength(1, limit))
	}

	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Platform, validation.Required, is.LowerCase, validation.In(known...).Error("is not a supported platform")),
		validation.Field(&request.Content, contentRules...),
		validation.Field(&request.PostID, validation.Length(0, 64), is.PrintableASCII),
		validation.Field(&request.ScheduledTime,
			validation.When(!request.PublishNow, validation.Required),
			validation.By(scheduleTimeRule(loc)),
		),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

// ValidateUpdateScheduledPost checks a PENDING post edit. platform is the
// platform of the stored post, which an update cannot change.
func ValidateUpdateScheduledPost(ctx context.Context, request domainScheduler.UpdateRequest, platform post.Platform, limits ContentLimits, loc *time.Location) error {
	if request.Content == nil && request.ScheduledTime == nil {
		return pkgError.ValidationError("content or scheduled_time is required")
	}

	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Content, validation.NilOrNotEmpty, validation.RuneLength(1, limits.For(platform))),
		validation.Field(&request.ScheduledTime, validation.NilOrNotEmpty, validation.By(scheduleTimeRule(loc))),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func ValidateListScheduledPosts(ctx context.Context, request domainScheduler.ListRequest, loc *time.Location) error {
	statuses := make([]any, len(post.AllStatuses))
	for i, s := range post.AllStatuses {
		statuses[i] = string(s)
	}

	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Status, validation.Each(validation.In(statuses...).Error("is not a known status"))),
		validation.Field(&request.Platform, is.LowerCase),
		validation.Field(&request.From, validation.By(scheduleTimeRule(loc))),
		validation.Field(&request.To, validation.By(scheduleTimeRule(loc))),
		validation.Field(&request.Limit, validation.Min(0), validation.Max(500)),
		validation.Field(&request.Offset, validation.Min(0)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func scheduleTimeRule(loc *time.Location) validation.RuleFunc {
	return func(value any) error {
		var raw string
		switch v := value.(type) {
		case string:
			raw = v
		case *string:
			if v == nil {
				return nil
			}
			raw = *v
		default:
			return errors.New("must be a string")
		}
		if raw == "" {
			return nil
		}
		if _, err := timeutils.ParseScheduleTime(raw, loc); err != nil {
			return errors.New("must be an RFC3339 timestamp or YYYY-MM-DD HH:MM[:SS]")
		}
		return nil
	}
}
