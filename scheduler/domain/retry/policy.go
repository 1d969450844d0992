// Package retry holds the per-platform backoff tables.
package retry

import (
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
)

// Policy is the backoff table of one platform.
type Policy struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// Delay returns the backoff for the given retry count. The sequence saturates
// at its last value.
func (p Policy) Delay(retryCount int) time.Duration {
	if len(p.RetryDelays) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	idx := retryCount
	if idx > len(p.RetryDelays)-1 {
		idx = len(p.RetryDelays) - 1
	}
	return p.RetryDelays[idx]
}

// CanRetry reports whether another attempt is allowed after retryCount retries.
func (p Policy) CanRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Exhausted reports whether the attempt that just failed was the last one allowed.
// retryCount is the number of retries already made before that attempt.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.MaxRetries
}

var DefaultPolicy = Policy{
	MaxRetries:  3,
	RetryDelays: []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
}

// Registry maps platform identifiers to policies. Unknown platforms fall back
// to the default policy but are reported as unknown by Has.
type Registry struct {
	mu       sync.RWMutex
	policies map[post.Platform]Policy
	fallback Policy
}

func NewRegistry(fallback Policy) *Registry {
	return &Registry{
		policies: make(map[post.Platform]Policy),
		fallback: fallback,
	}
}

// DefaultRegistry returns the built-in LinkedIn and X tables.
func DefaultRegistry() *Registry {
	r := NewRegistry(DefaultPolicy)
	r.Register(post.PlatformLinkedIn, Policy{
		MaxRetries:  3,
		RetryDelays: []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
	})
	r.Register(post.PlatformX, Policy{
		MaxRetries:  5,
		RetryDelays: []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
	})
	return r
}

func (r *Registry) Register(platform post.Platform, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[platform] = policy
}

func (r *Registry) Has(platform post.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[platform]
	return ok
}

func (r *Registry) For(platform post.Platform) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[platform]; ok {
		return p
	}
	return r.fallback
}

func (r *Registry) Platforms() []post.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]post.Platform, 0, len(r.policies))
	for p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) MaxRetries(platform post.Platform) int {
	return r.For(platform).MaxRetries
}

func (r *Registry) Delay(platform post.Platform, retryCount int) time.Duration {
	return r.For(platform).Delay(retryCount)
}

func (r *Registry) CanRetry(platform post.Platform, retryCount int) bool {
	return r.For(platform).CanRetry(retryCount)
}
