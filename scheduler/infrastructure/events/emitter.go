package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AzielCF/az-post/infrastructure/valkey"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/sirupsen/logrus"
)

const DefaultChannel = "events:scheduler"

// LogEmitter writes every lifecycle event to the application log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, ev post.LifecycleEvent) {
	entry := logrus.WithFields(logrus.Fields{
		"event":             ev.Name,
		"scheduled_post_id": ev.ScheduledPostID,
		"platform":          ev.Platform,
		"status":            ev.To,
	})
	switch ev.Name {
	case post.EventPermanentlyFailed:
		entry.WithField("error", ev.Error).Warn("[EVENTS] Post permanently failed")
	case post.EventFailed:
		entry.WithFields(logrus.Fields{
			"error":       ev.Error,
			"retry_count": ev.RetryCount,
			"next_retry":  ev.NextRetryDelay.String(),
		}).Info("[EVENTS] Post failed")
	case post.EventStatusChanged:
		entry.WithField("from", ev.From).Debug("[EVENTS] Status changed")
	default:
		entry.Infof("[EVENTS] %s", ev.Name)
	}
}

// ValkeyEmitter publishes events as JSON on a pub/sub channel so that every
// node (and external consumers) can observe them.
type ValkeyEmitter struct {
	vk      *valkey.Client
	channel string
	timeout time.Duration
}

func NewValkeyEmitter(vk *valkey.Client, channel string) *ValkeyEmitter {
	if channel == "" {
		channel = DefaultChannel
	}
	return &ValkeyEmitter{vk: vk, channel: vk.Key(channel), timeout: 2 * time.Second}
}

func (e *ValkeyEmitter) Channel() string { return e.channel }

func (e *ValkeyEmitter) Emit(ctx context.Context, ev post.LifecycleEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("[EVENTS] Failed to encode event")
		return
	}
	// A cancelled request must not swallow the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.vk.Publish(pubCtx, e.channel, string(body)); err != nil {
		logrus.WithError(err).WithField("event", ev.Name).Warn("[EVENTS] Failed to publish event")
	}
}

// Listen delivers events published on the channel to fn until ctx is done.
func (e *ValkeyEmitter) Listen(ctx context.Context, fn func(post.LifecycleEvent)) error {
	return e.vk.Subscribe(ctx, e.channel, func(message string) {
		var ev post.LifecycleEvent
		if err := json.Unmarshal([]byte(message), &ev); err != nil {
			logrus.WithError(err).Debug("[EVENTS] Ignoring malformed event")
			return
		}
		fn(ev)
	})
}

// Multi fans an event out to several emitters in order.
type Multi []post.Emitter

func (m Multi) Emit(ctx context.Context, ev post.LifecycleEvent) {
	for _, e := range m {
		if e == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("[EVENTS] Emitter panicked on %s: %v", ev.Name, r)
				}
			}()
			e.Emit(ctx, ev)
		}()
	}
}

// Func adapts a function to post.Emitter.
type Func func(ctx context.Context, ev post.LifecycleEvent)

func (f Func) Emit(ctx context.Context, ev post.LifecycleEvent) { f(ctx, ev) }
