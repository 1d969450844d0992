package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

type HealthThresholds struct {
	MaxFailed      int64
	MaxPending     int64
	StuckThreshold time.Duration
}

var DefaultHealthThresholds = HealthThresholds{
	MaxFailed:      10,
	MaxPending:     50,
	StuckThreshold: 5 * time.Minute,
}

type HealthReport struct {
	Healthy         bool                  `json:"healthy"`
	CheckedAt       time.Time             `json:"checked_at"`
	Expired         int                   `json:"expired"`
	StatusCounts    map[post.Status]int64 `json:"status_counts"`
	QueueConnected  bool                  `json:"queue_connected"`
	QueueStats      *queue.Stats          `json:"queue_stats,omitempty"`
	StuckPosts      []string              `json:"stuck_posts,omitempty"`
	Recommendations []string              `json:"recommendations"`
}

// Sweeper expires stale posts and reports on scheduler health.
type Sweeper struct {
	lifecycle  *LifecycleService
	store      post.Store
	queue      queue.JobQueue
	thresholds HealthThresholds

	mu   sync.RWMutex
	last *HealthReport
}

func NewSweeper(lifecycle *LifecycleService, store post.Store, q queue.JobQueue, thresholds HealthThresholds) *Sweeper {
	if thresholds.MaxFailed <= 0 {
		thresholds.MaxFailed = DefaultHealthThresholds.MaxFailed
	}
	if thresholds.MaxPending <= 0 {
		thresholds.MaxPending = DefaultHealthThresholds.MaxPending
	}
	if thresholds.StuckThreshold <= 0 {
		thresholds.StuckThreshold = DefaultHealthThresholds.StuckThreshold
	}
	return &Sweeper{lifecycle: lifecycle, store: store, queue: q, thresholds: thresholds}
}

// Run expires stale posts, then collects the health report. Problems become
// recommendations, never errors; only a failing store aborts the run.
func (s *Sweeper) Run(ctx context.Context) (HealthReport, error) {
	now := s.lifecycle.Now()
	report := HealthReport{
		Healthy:         true,
		CheckedAt:       now,
		Recommendations: []string{},
	}

	expired, err := s.lifecycle.CheckAndExpireOldPosts(ctx)
	if err != nil {
		logrus.WithError(err).Error("[SWEEPER] Expiry sweep failed")
		report.Healthy = false
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Expiry sweep failed (%v); check database connectivity", err))
	}
	report.Expired = expired

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return report, fmt.Errorf("count by status: %w", err)
	}
	report.StatusCounts = counts

	s.checkQueue(ctx, &report)

	if failed := counts[post.StatusFailed]; failed > s.thresholds.MaxFailed {
		report.Healthy = false
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"%s posts are FAILED (threshold %s); review platform credentials and last errors",
			humanize.Comma(failed), humanize.Comma(s.thresholds.MaxFailed)))
	}
	if pending := counts[post.StatusPending]; pending > s.thresholds.MaxPending {
		report.Healthy = false
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"%s posts are PENDING (threshold %s); consider adding dispatcher capacity",
			humanize.Comma(pending), humanize.Comma(s.thresholds.MaxPending)))
	}

	stuck, err := s.store.List(ctx, post.Filter{
		Statuses:        []post.Status{post.StatusPending},
		ScheduledBefore: now.Add(-s.thresholds.StuckThreshold),
	})
	if err != nil {
		return report, fmt.Errorf("find stuck posts: %w", err)
	}
	if len(stuck) > 0 {
		report.Healthy = false
		oldest := stuck[0].ScheduledTime
		for _, p := range stuck {
			report.StuckPosts = append(report.StuckPosts, p.ID)
		}
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"%d PENDING posts are past their scheduled time, the oldest was due %s; the queue never picked them up, reschedule or run the batch processor",
			len(stuck), humanize.RelTime(oldest, now, "ago", "from now")))
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"expired": report.Expired, "healthy": report.Healthy})
	if report.Healthy {
		log.Debug("[SWEEPER] Health check passed")
	} else {
		log.Warnf("[SWEEPER] Health check found %d issue(s)", len(report.Recommendations))
	}
	return report, nil
}

func (s *Sweeper) checkQueue(ctx context.Context, report *HealthReport) {
	if s.queue == nil {
		report.Healthy = false
		report.Recommendations = append(report.Recommendations, "No job queue configured; scheduled posts will only be published by the batch processor")
		return
	}
	if err := s.queue.Ping(ctx); err != nil {
		report.Healthy = false
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Job queue is unreachable (%v); scheduled posts will not be dispatched", err))
		return
	}
	report.QueueConnected = true

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[SWEEPER] Could not read queue stats")
		return
	}
	report.QueueStats = &stats
}

// LastReport returns the most recent report, if any.
func (s *Sweeper) LastReport() (HealthReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return HealthReport{}, false
	}
	return *s.last, true
}
