package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_TryDispatchNonBlocking(t *testing.T) {
	pool := New(2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	start := time.Now()
	ok := pool.TryDispatch(Job{
		Key: "sp-1",
		Handler: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	elapsed := time.Since(start)

	assert.True(t, ok)
	assert.Less(t, elapsed, 10*time.Millisecond)
}

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	pool := New(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var results []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 5; i++ {
		val := i
		wg.Add(1)
		pool.TryDispatch(Job{
			Key: "sp-1",
			Handler: func(ctx context.Context) error {
				defer wg.Done()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, results)
}

func TestPool_DifferentKeysRunInParallel(t *testing.T) {
	pool := New(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var active, peak int32
	var wg sync.WaitGroup

	// Keys chosen to land on distinct shards of a 4-worker pool.
	keys := distinctShardKeys(pool, 4)
	for _, key := range keys {
		wg.Add(1)
		pool.TryDispatch(Job{
			Key: key,
			Handler: func(ctx context.Context) error {
				defer wg.Done()
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		})
	}
	wg.Wait()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_PanicAndErrorsAreCounted(t *testing.T) {
	pool := New(1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	pool.TryDispatch(Job{Key: "a", Handler: func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	}})
	pool.TryDispatch(Job{Key: "b", Handler: func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("failed")
	}})
	wg.Wait()
	pool.Stop()

	stats := pool.GetStats()
	assert.Equal(t, int64(2), stats.TotalErrors)
	assert.Equal(t, int64(2), stats.TotalProcessed)
}

func TestPool_DispatchAfterStopIsDropped(t *testing.T) {
	pool := New(1, 1)
	pool.Start(context.Background())
	pool.Stop()

	assert.False(t, pool.TryDispatch(Job{Key: "a", Handler: func(ctx context.Context) error { return nil }}))
	assert.False(t, pool.Dispatch(context.Background(), Job{Key: "a", Handler: func(ctx context.Context) error { return nil }}))
	assert.Equal(t, int64(2), pool.GetStats().TotalDropped)
}

func TestPool_DispatchGivesUpWhenContextEnds(t *testing.T) {
	pool := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)
	blocking := func(ctx context.Context) error {
		<-release
		return nil
	}

	require.True(t, pool.Dispatch(ctx, Job{Key: "k", Handler: blocking}))
	// Let the worker pick up the first job so the queue has room for one more.
	time.Sleep(20 * time.Millisecond)
	require.True(t, pool.Dispatch(ctx, Job{Key: "k", Handler: blocking}))

	dctx, dcancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer dcancel()
	assert.False(t, pool.Dispatch(dctx, Job{Key: "k", Handler: blocking}))
}

func distinctShardKeys(p *Pool, n int) []string {
	seen := make(map[int]bool)
	var keys []string
	for i := 0; len(keys) < n && i < 1000; i++ {
		key := string(rune('a'+i%26)) + string(rune('A'+i/26))
		shard := p.shardFor(key)
		if seen[shard] {
			continue
		}
		seen[shard] = true
		keys = append(keys, key)
	}
	return keys
}
