package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-post/pkg/workerpool"
	domain "github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/sirupsen/logrus"
)

var errPoolUnavailable = errors.New("worker pool unavailable")

type memoryEntry struct {
	job   domain.Job
	timer *time.Timer
}

// MemoryQueue fires jobs from in-process timers. Jobs are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*memoryEntry
	pool    *workerpool.Pool
	handler domain.Handler
	ctx     context.Context
	running bool
	now     func() time.Time

	active    int64
	completed int64
	failed    int64
}

func NewMemoryQueue(pool *workerpool.Pool) *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*memoryEntry),
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, payload domain.Payload, opts domain.EnqueueOptions) (domain.Job, error) {
	now := q.now()
	entry := &memoryEntry{job: domain.Job{
		ID:         jobID,
		Payload:    payload,
		RunAt:      now.Add(opts.Delay),
		Priority:   opts.Priority,
		EnqueuedAt: now,
	}}

	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.jobs[jobID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	q.jobs[jobID] = entry
	if q.running {
		q.arm(entry)
	}
	return entry.job, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[jobID]
	if !ok {
		return false, nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(q.jobs, jobID)
	return true, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (domain.Stats, error) {
	now := q.now()
	stats := domain.Stats{
		Active:    atomic.LoadInt64(&q.active),
		Completed: atomic.LoadInt64(&q.completed),
		Failed:    atomic.LoadInt64(&q.failed),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.jobs {
		if e.job.RunAt.After(now) {
			stats.Delayed++
		} else {
			stats.Waiting++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

// Pending lists queued jobs ordered by priority then run-at.
func (q *MemoryQueue) Pending() []domain.Job {
	q.mu.Lock()
	out := make([]domain.Job, 0, len(q.jobs))
	for _, e := range q.jobs {
		out = append(out, e.job)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

func (q *MemoryQueue) Start(ctx context.Context, handler domain.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	q.handler = handler
	q.running = true
	for _, e := range q.jobs {
		q.arm(e)
	}
	logrus.Warn("[QUEUE] Using in-memory queue, scheduled jobs do not survive a restart")
}

func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	for _, e := range q.jobs {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// arm must be called with q.mu held.
func (q *MemoryQueue) arm(entry *memoryEntry) {
	delay := entry.job.RunAt.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() { q.fire(entry) })
}

func (q *MemoryQueue) fire(entry *memoryEntry) {
	q.mu.Lock()
	current, ok := q.jobs[entry.job.ID]
	if !ok || current != entry || !q.running {
		q.mu.Unlock()
		return
	}
	delete(q.jobs, entry.job.ID)
	ctx, handler := q.ctx, q.handler
	q.mu.Unlock()

	job := entry.job
	job.Attempts++
	atomic.AddInt64(&q.active, 1)

	accepted := q.pool.Dispatch(ctx, workerpool.Job{
		Key:   job.Payload.ScheduledPostID,
		Label: job.ID,
		Handler: func(workerCtx context.Context) error {
			defer atomic.AddInt64(&q.active, -1)
			err := handler(workerCtx, job)
			if err != nil {
				q.redeliver(job, err)
			} else {
				atomic.AddInt64(&q.completed, 1)
			}
			return err
		},
	})
	if !accepted {
		atomic.AddInt64(&q.active, -1)
		q.redeliver(job, errPoolUnavailable)
	}
}

// redeliver puts a failed job back unless it was replaced meanwhile or has
// used up its deliveries.
func (q *MemoryQueue) redeliver(job domain.Job, cause error) {
	var deferred *domain.DeferError
	if !errors.As(cause, &deferred) {
		atomic.AddInt64(&q.failed, 1)
	}

	next, ok := domain.Redelivery(job, cause, q.now())
	if !ok {
		logrus.WithError(cause).Errorf("[QUEUE] Job %s failed %d times, dropping", job.ID, job.Attempts)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, replaced := q.jobs[job.ID]; replaced {
		return
	}
	entry := &memoryEntry{job: next}
	q.jobs[job.ID] = entry
	if q.running {
		q.arm(entry)
	}
	if deferred == nil {
		logrus.WithError(cause).Warnf("[QUEUE] Job %s failed, redelivering at %s", job.ID, next.RunAt.Format(time.RFC3339))
	}
}
