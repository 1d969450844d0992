package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-post/pkg/crypto"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/AzielCF/az-post/scheduler/domain/retry"
	"github.com/AzielCF/az-post/scheduler/repository"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []post.LifecycleEvent
}

func (e *recordingEmitter) Emit(_ context.Context, ev post.LifecycleEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// named returns the events with the given name, in emission order.
func (e *recordingEmitter) named(name post.EventName) []post.LifecycleEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []post.LifecycleEvent
	for _, ev := range e.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// statusTrail lists the destination of every status-changed event.
func (e *recordingEmitter) statusTrail() []post.Status {
	var out []post.Status
	for _, ev := range e.named(post.EventStatusChanged) {
		out = append(out, ev.To)
	}
	return out
}

type enqueued struct {
	ID      string
	Payload queue.Payload
	Opts    queue.EnqueueOptions
}

type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[string]enqueued
	history   []enqueued
	cancelled []string
	enqErr    error
	pingErr   error
	now       func() time.Time
}

func newFakeQueue(now func() time.Time) *fakeQueue {
	return &fakeQueue{jobs: make(map[string]enqueued), now: now}
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID string, payload queue.Payload, opts queue.EnqueueOptions) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqErr != nil {
		return queue.Job{}, q.enqErr
	}
	e := enqueued{ID: jobID, Payload: payload, Opts: opts}
	q.jobs[jobID] = e
	q.history = append(q.history, e)
	now := q.now()
	return queue.Job{ID: jobID, Payload: payload, RunAt: now.Add(opts.Delay), Priority: opts.Priority, EnqueuedAt: now}, nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[jobID]
	delete(q.jobs, jobID)
	if ok {
		q.cancelled = append(q.cancelled, jobID)
	}
	return ok, nil
}

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s queue.Stats
	for _, j := range q.jobs {
		if j.Opts.Delay > 0 {
			s.Delayed++
		} else {
			s.Waiting++
		}
	}
	return s, nil
}

func (q *fakeQueue) Ping(context.Context) error { return q.pingErr }

// take removes and returns a pending job as the dispatcher would deliver it.
func (q *fakeQueue) take(t *testing.T, jobID string) queue.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[jobID]
	require.True(t, ok, "job %s not enqueued", jobID)
	delete(q.jobs, jobID)
	return queue.Job{ID: e.ID, Payload: e.Payload, Priority: e.Opts.Priority, Attempts: 1}
}

func (q *fakeQueue) last() enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.history[len(q.history)-1]
}

// scriptedClient fails the first failures calls, then returns externalID.
type scriptedClient struct {
	platform   post.Platform
	failures   int
	externalID string
	onPublish  func()

	mu    sync.Mutex
	calls int
	creds []publisher.Credentials
}

func (c *scriptedClient) Platform() post.Platform { return c.platform }

func (c *scriptedClient) Publish(_ context.Context, _ string, creds publisher.Credentials) (publisher.Result, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.creds = append(c.creds, creds)
	hook := c.onPublish
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if n <= c.failures {
		return publisher.Result{}, errors.New("platform timeout")
	}
	return publisher.Result{ExternalPostID: c.externalID}, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	clock     *testClock
	store     *repository.PostMemoryRepository
	emitter   *recordingEmitter
	queue     *fakeQueue
	lifecycle *LifecycleService
	bridge    *QueueBridge
	orch      *Orchestrator
	policies  *retry.Registry
	linkedin  *scriptedClient
	x         *scriptedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &testClock{t: baseTime},
		store:    repository.NewPostMemoryRepository(),
		emitter:  &recordingEmitter{},
		policies: retry.DefaultRegistry(),
		linkedin: &scriptedClient{platform: post.PlatformLinkedIn, externalID: "ext-1"},
		x:        &scriptedClient{platform: post.PlatformX, externalID: "tweet-1"},
	}
	h.store.Now = h.clock.Now
	h.queue = newFakeQueue(h.clock.Now)
	h.lifecycle = NewLifecycleService(h.store, h.policies, h.emitter, WithClock(h.clock.Now))

	creds := publisher.StaticCredentials{
		post.PlatformLinkedIn: {"access_token": "li-token", "author_urn": "urn:li:person:1"},
		post.PlatformX:        {"access_token": "x-token"},
	}
	h.bridge = NewQueueBridge(h.lifecycle, h.queue, creds, crypto.NewBox("test-secret"))

	unlimited := map[post.Platform]PlatformLimit{
		post.PlatformLinkedIn: {Burst: 1, OptimalDelay: 5 * time.Second},
		post.PlatformX:        {Burst: 1, OptimalDelay: 3 * time.Second},
	}
	h.orch = NewOrchestrator(h.lifecycle, h.bridge, h.store,
		publisher.NewRegistry(h.linkedin, h.x), creds,
		NewPlatformRateLimiter(unlimited), OrchestratorConfig{})
	h.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

// create stores a post in the given status with the platform's retry budget.
func (h *harness) create(t *testing.T, id string, platform post.Platform, at time.Time, status post.Status) post.ScheduledPost {
	t.Helper()
	p := post.ScheduledPost{
		ID:            id,
		PostID:        "src-" + id,
		Platform:      platform,
		Content:       "content of " + id,
		ScheduledTime: at,
		Status:        status,
		MaxRetries:    h.policies.MaxRetries(platform),
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}
	require.NoError(t, h.store.Create(context.Background(), p))
	return p
}

func (h *harness) get(t *testing.T, id string) post.ScheduledPost {
	t.Helper()
	p, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

// flakyStore loses the compare-and-swap for the first failures updates.
type flakyStore struct {
	post.Store
	failures int
}

func (s *flakyStore) Update(ctx context.Context, id string, muts []post.Mutation, expected post.Status) (post.ScheduledPost, error) {
	if s.failures > 0 {
		s.failures--
		return post.ScheduledPost{}, post.ErrConcurrentModification
	}
	return s.Store.Update(ctx, id, muts, expected)
}
