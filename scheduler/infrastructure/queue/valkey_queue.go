package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AzielCF/az-post/infrastructure/valkey"
	"github.com/AzielCF/az-post/pkg/workerpool"
	domain "github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"
)

const maxPriority = 100

// Jobs live in a hash; their id moves between three sorted sets:
// delayed (score run-at), ready (score priority then run-at) and
// active (score lease deadline). Scripts keep each move atomic.
var (
	enqueueScript = valkeylib.NewLuaScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
if ARGV[5] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
end
return 1`)

	promoteScript = valkeylib.NewLuaScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local s = redis.call('HGET', KEYS[3], id)
  if s then redis.call('ZADD', KEYS[2], s, id) end
end
return #ids`)

	requeueScript = valkeylib.NewLuaScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local s = redis.call('HGET', KEYS[3], id)
  if s and redis.call('HEXISTS', KEYS[4], id) == 1 then
    redis.call('ZADD', KEYS[2], s, id)
    n = n + 1
  end
end
return n`)

	claimScript = valkeylib.NewLuaScript(`
local r = redis.call('ZRANGE', KEYS[1], 0, 0)
if #r == 0 then return false end
redis.call('ZREM', KEYS[1], r[1])
redis.call('ZADD', KEYS[2], ARGV[1], r[1])
return r[1]`)

	ackScript = valkeylib.NewLuaScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
end
redis.call('HINCRBY', KEYS[4], ARGV[3], 1)
return 1`)

	// Only reschedules when the stored body is still the one handed out;
	// a job replaced meanwhile stands.
	redeliverScript = valkeylib.NewLuaScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
if ARGV[6] == '1' then redis.call('HINCRBY', KEYS[5], 'failed', 1) end
return 1`)

	cancelScript = valkeylib.NewLuaScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return redis.call('HDEL', KEYS[1], ARGV[1])`)
)

type ValkeyConfig struct {
	PollInterval  time.Duration // upper bound of the dispatcher sleep
	LeaseDuration time.Duration // time a handler owns a job before redelivery
	PromoteBatch  int
}

// ValkeyQueue is the durable queue. Delivery is at-least-once: a job whose
// handler does not finish within the lease is handed out again.
type ValkeyQueue struct {
	vk   *valkey.Client
	pool *workerpool.Pool
	cfg  ValkeyConfig
	now  func() time.Time

	keyJobs, keyDelayed, keyReady, keyActive, keyScores, keyStats, signal string

	wake     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewValkeyQueue(vk *valkey.Client, pool *workerpool.Pool, cfg ValkeyConfig) *ValkeyQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 500
	}
	return &ValkeyQueue{
		vk:         vk,
		pool:       pool,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		keyJobs:    vk.Key("queue", "jobs"),
		keyDelayed: vk.Key("queue", "delayed"),
		keyReady:   vk.Key("queue", "ready"),
		keyActive:  vk.Key("queue", "active"),
		keyScores:  vk.Key("queue", "scores"),
		keyStats:   vk.Key("queue", "stats"),
		signal:     vk.Key("queue", "signal"),
		wake:       make(chan struct{}, 1),
	}
}

func (q *ValkeyQueue) Enqueue(ctx context.Context, jobID string, payload domain.Payload, opts domain.EnqueueOptions) (domain.Job, error) {
	now := q.now()
	job := domain.Job{
		ID:         jobID,
		Payload:    payload,
		RunAt:      now.Add(opts.Delay),
		Priority:   opts.Priority,
		EnqueuedAt: now,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, err
	}

	delayed := "0"
	if opts.Delay > 0 {
		delayed = "1"
	}
	err = enqueueScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyJobs, q.keyDelayed, q.keyReady, q.keyActive, q.keyScores},
		[]string{jobID, string(body), msScore(job.RunAt), readyScore(job.Priority, job.RunAt), delayed},
	).Error()
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	if err := q.vk.Publish(ctx, q.signal, jobID); err != nil {
		logrus.WithError(err).Debug("[QUEUE] Wake-up signal not published")
	}
	return job, nil
}

func (q *ValkeyQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	n, err := cancelScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyJobs, q.keyDelayed, q.keyReady, q.keyActive, q.keyScores},
		[]string{jobID},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (q *ValkeyQueue) Stats(ctx context.Context) (domain.Stats, error) {
	c := q.vk.Inner()
	res := c.DoMulti(ctx,
		c.B().Zcard().Key(q.keyReady).Build(),
		c.B().Zcard().Key(q.keyActive).Build(),
		c.B().Zcard().Key(q.keyDelayed).Build(),
		c.B().Hgetall().Key(q.keyStats).Build(),
	)

	var stats domain.Stats
	var err error
	if stats.Waiting, err = res[0].AsInt64(); err != nil {
		return stats, err
	}
	if stats.Active, err = res[1].AsInt64(); err != nil {
		return stats, err
	}
	if stats.Delayed, err = res[2].AsInt64(); err != nil {
		return stats, err
	}
	counters, err := res[3].AsStrMap()
	if err != nil && !valkey.IsNil(err) {
		return stats, err
	}
	stats.Completed, _ = strconv.ParseInt(counters["completed"], 10, 64)
	stats.Failed, _ = strconv.ParseInt(counters["failed"], 10, 64)
	return stats, nil
}

func (q *ValkeyQueue) Ping(ctx context.Context) error {
	return q.vk.Ping(ctx)
}

// Start runs the dispatcher until ctx is done or Stop is called.
func (q *ValkeyQueue) Start(ctx context.Context, handler domain.Handler) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		err := q.vk.Subscribe(ctx, q.signal, func(string) {
			select {
			case q.wake <- struct{}{}:
			default:
			}
		})
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("[QUEUE] Wake-up listener failed, falling back to polling")
		}
	}()
	go func() {
		defer q.wg.Done()
		q.run(ctx, handler)
	}()

	logrus.Infof("[QUEUE] Dispatcher started, watching %s", q.signal)
}

func (q *ValkeyQueue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
		logrus.Info("[QUEUE] Dispatcher stopped")
	})
}

func (q *ValkeyQueue) run(ctx context.Context, handler domain.Handler) {
	safetyTicker := time.NewTicker(q.cfg.LeaseDuration)
	defer safetyTicker.Stop()

	q.requeueExpired(ctx)

	for {
		next := q.tick(ctx, handler)

		sleep := q.cfg.PollInterval
		if !next.IsZero() {
			if d := next.Sub(q.now()); d < sleep {
				sleep = d
			}
		}
		if sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-safetyTicker.C:
			timer.Stop()
			q.requeueExpired(ctx)
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick promotes due jobs, hands every ready job to the pool and returns the
// run-at of the next delayed job.
func (q *ValkeyQueue) tick(ctx context.Context, handler domain.Handler) time.Time {
	q.promote(ctx)

	for ctx.Err() == nil {
		job, body, ok := q.claim(ctx)
		if !ok {
			break
		}
		q.dispatch(ctx, job, body, handler)
	}

	c := q.vk.Inner()
	peek, err := c.Do(ctx, c.B().Zrange().Key(q.keyDelayed).Min("0").Max("0").Withscores().Build()).AsZScores()
	if err != nil || len(peek) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(peek[0].Score)).UTC()
}

// promote moves delayed jobs whose run-at has passed to ready.
func (q *ValkeyQueue) promote(ctx context.Context) {
	err := promoteScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyDelayed, q.keyReady, q.keyScores},
		[]string{msScore(q.now()), strconv.Itoa(q.cfg.PromoteBatch)},
	).Error()
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("[QUEUE] Promotion failed")
	}
}

func (q *ValkeyQueue) claim(ctx context.Context) (domain.Job, string, bool) {
	deadline := q.now().Add(q.cfg.LeaseDuration)
	id, err := claimScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyReady, q.keyActive},
		[]string{msScore(deadline)},
	).ToString()
	if err != nil {
		if !valkey.IsNil(err) && ctx.Err() == nil {
			logrus.WithError(err).Error("[QUEUE] Claim failed")
		}
		return domain.Job{}, "", false
	}

	c := q.vk.Inner()
	body, err := c.Do(ctx, c.B().Hget().Key(q.keyJobs).Field(id).Build()).ToString()
	if err != nil {
		// Cancelled between claim and fetch.
		_ = c.Do(ctx, c.B().Zrem().Key(q.keyActive).Member(id).Build())
		return domain.Job{}, "", true
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		logrus.WithError(err).Errorf("[QUEUE] Dropping undecodable job %s", id)
		q.ack(ctx, id, body, false)
		return domain.Job{}, "", true
	}
	job.Attempts++
	return job, body, true
}

func (q *ValkeyQueue) dispatch(ctx context.Context, job domain.Job, body string, handler domain.Handler) {
	if job.ID == "" {
		return
	}
	ok := q.pool.Dispatch(ctx, workerpool.Job{
		Key:   job.Payload.ScheduledPostID,
		Label: job.ID,
		Handler: func(workerCtx context.Context) error {
			err := handler(workerCtx, job)
			// The ack must land even if the dispatcher is shutting down.
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			q.settle(ackCtx, job, body, err)
			return err
		},
	})
	if !ok {
		// Lease expiry hands the job out again.
		logrus.Warnf("[QUEUE] Worker pool refused job %s, it will be redelivered", job.ID)
	}
}

// settle acks a handled job, or puts it back on the delayed set when the
// handler failed and deliveries are left.
func (q *ValkeyQueue) settle(ctx context.Context, job domain.Job, body string, handlerErr error) {
	if handlerErr == nil {
		q.ack(ctx, job.ID, body, true)
		return
	}

	next, ok := domain.Redelivery(job, handlerErr, q.now())
	if !ok {
		logrus.WithError(handlerErr).Errorf("[QUEUE] Job %s failed %d times, dropping", job.ID, job.Attempts)
		q.ack(ctx, job.ID, body, false)
		return
	}
	nextBody, err := json.Marshal(next)
	if err != nil {
		q.ack(ctx, job.ID, body, false)
		return
	}

	var deferred *domain.DeferError
	countFailed := "1"
	if errors.As(handlerErr, &deferred) {
		countFailed = "0"
	}
	err = redeliverScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyJobs, q.keyActive, q.keyDelayed, q.keyScores, q.keyStats},
		[]string{job.ID, body, string(nextBody), msScore(next.RunAt), readyScore(next.Priority, next.RunAt), countFailed},
	).Error()
	if err != nil {
		logrus.WithError(err).Errorf("[QUEUE] Redelivery of %s not stored, lease expiry will hand it out", job.ID)
		return
	}
	if deferred == nil {
		logrus.WithError(handlerErr).Warnf("[QUEUE] Job %s failed, redelivering at %s", job.ID, next.RunAt.Format(time.RFC3339))
	}
}

func (q *ValkeyQueue) ack(ctx context.Context, id, body string, success bool) {
	field := "completed"
	if !success {
		field = "failed"
	}
	err := ackScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyJobs, q.keyActive, q.keyScores, q.keyStats},
		[]string{id, body, field},
	).Error()
	if err != nil {
		logrus.WithError(err).Errorf("[QUEUE] Ack of %s failed, job may be redelivered", id)
	}
}

// requeueExpired moves jobs whose lease ran out back to ready.
// One node at a time does this.
func (q *ValkeyQueue) requeueExpired(ctx context.Context) {
	if !q.vk.AcquireLock(ctx, "queue:requeue", q.cfg.LeaseDuration/2) {
		return
	}
	n, err := requeueScript.Exec(ctx, q.vk.Inner(),
		[]string{q.keyActive, q.keyReady, q.keyScores, q.keyJobs},
		[]string{msScore(q.now())},
	).AsInt64()
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithError(err).Error("[QUEUE] Lease reaper failed")
		}
		return
	}
	if n > 0 {
		logrus.Warnf("[QUEUE] Re-queued %d job(s) with expired leases", n)
	}
}

func msScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// readyScore orders by priority (higher first), then by run-at.
func readyScore(p domain.Priority, runAt time.Time) string {
	prio := int64(p)
	if prio < 0 {
		prio = 0
	}
	if prio > maxPriority {
		prio = maxPriority
	}
	return strconv.FormatInt((maxPriority-prio)*10_000_000_000_000+runAt.UnixMilli(), 10)
}
