package application

import (
	"context"
	"sync"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"golang.org/x/time/rate"
)

// PlatformLimit describes how fast one platform may be called.
type PlatformLimit struct {
	Interval     time.Duration // minimum spacing between requests at steady state
	Burst        int
	OptimalDelay time.Duration // pause between posts in a batch
}

var defaultPlatformLimits = map[post.Platform]PlatformLimit{
	post.PlatformLinkedIn: {Interval: time.Minute, Burst: 10, OptimalDelay: 5 * time.Second},
	post.PlatformX:        {Interval: 9 * time.Second, Burst: 10, OptimalDelay: 3 * time.Second},
}

var fallbackPlatformLimit = PlatformLimit{Interval: time.Second, Burst: 1, OptimalDelay: time.Second}

// PlatformRateLimiter keeps one token bucket per platform.
type PlatformRateLimiter struct {
	mu       sync.Mutex
	limits   map[post.Platform]PlatformLimit
	limiters map[post.Platform]*rate.Limiter
}

// NewPlatformRateLimiter merges overrides on top of the built-in limits.
func NewPlatformRateLimiter(overrides map[post.Platform]PlatformLimit) *PlatformRateLimiter {
	limits := make(map[post.Platform]PlatformLimit, len(defaultPlatformLimits)+len(overrides))
	for p, l := range defaultPlatformLimits {
		limits[p] = l
	}
	for p, l := range overrides {
		limits[p] = l
	}
	return &PlatformRateLimiter{
		limits:   limits,
		limiters: make(map[post.Platform]*rate.Limiter),
	}
}

func (l *PlatformRateLimiter) limitFor(platform post.Platform) PlatformLimit {
	if lim, ok := l.limits[platform]; ok {
		return lim
	}
	return fallbackPlatformLimit
}

func (l *PlatformRateLimiter) limiter(platform post.Platform) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[platform]; ok {
		return lim
	}
	cfg := l.limitFor(platform)
	every := rate.Inf
	if cfg.Interval > 0 {
		every = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(every, burst)
	l.limiters[platform] = lim
	return lim
}

// Wait blocks until a request to platform is allowed or ctx is done.
func (l *PlatformRateLimiter) Wait(ctx context.Context, platform post.Platform) error {
	return l.limiter(platform).Wait(ctx)
}

// Allow reports whether a request may be made right now, consuming a token if so.
func (l *PlatformRateLimiter) Allow(platform post.Platform) bool {
	return l.limiter(platform).Allow()
}

// OptimalDelay is the pause inserted between consecutive posts of a batch.
func (l *PlatformRateLimiter) OptimalDelay(platform post.Platform) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitFor(platform).OptimalDelay
}
