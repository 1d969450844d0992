package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
)

// PostMemoryRepository keeps scheduled posts in process memory.
type PostMemoryRepository struct {
	mu    sync.RWMutex
	posts map[string]post.ScheduledPost
	Now   func() time.Time
}

func NewPostMemoryRepository() *PostMemoryRepository {
	return &PostMemoryRepository{
		posts: make(map[string]post.ScheduledPost),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *PostMemoryRepository) Create(_ context.Context, p post.ScheduledPost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.posts[p.ID]; exists {
		return fmt.Errorf("%w: scheduled post %s already exists", post.ErrConflict, p.ID)
	}
	r.posts[p.ID] = p
	return nil
}

func (r *PostMemoryRepository) FindByID(_ context.Context, id string) (post.ScheduledPost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posts[id]
	if !ok {
		return post.ScheduledPost{}, post.ErrNotFound
	}
	return p, nil
}

func (r *PostMemoryRepository) FindByStatus(ctx context.Context, status post.Status) ([]post.ScheduledPost, error) {
	return r.List(ctx, post.Filter{Statuses: []post.Status{status}})
}

func (r *PostMemoryRepository) FindExpired(_ context.Context, window time.Duration) ([]post.ScheduledPost, error) {
	cutoff := r.Now().Add(-window)
	expirable := make(map[post.Status]bool)
	for _, s := range post.ExpirableStatuses() {
		expirable[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []post.ScheduledPost
	for _, p := range r.posts {
		if expirable[p.Status] && p.ScheduledTime.Before(cutoff) {
			out = append(out, p)
		}
	}
	sortByScheduledTime(out)
	return out, nil
}

func (r *PostMemoryRepository) List(_ context.Context, f post.Filter) ([]post.ScheduledPost, error) {
	statuses := make(map[post.Status]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}

	r.mu.RLock()
	var out []post.ScheduledPost
	for _, p := range r.posts {
		if len(statuses) > 0 && !statuses[p.Status] {
			continue
		}
		if f.Platform != "" && p.Platform != f.Platform {
			continue
		}
		if f.PostID != "" && p.PostID != f.PostID {
			continue
		}
		if !f.ScheduledAfter.IsZero() && p.ScheduledTime.Before(f.ScheduledAfter) {
			continue
		}
		if !f.ScheduledBefore.IsZero() && p.ScheduledTime.After(f.ScheduledBefore) {
			continue
		}
		if f.ExcludeID != "" && p.ID == f.ExcludeID {
			continue
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sortByScheduledTime(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *PostMemoryRepository) CountByStatus(_ context.Context) (map[post.Status]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[post.Status]int64, len(post.AllStatuses))
	for _, s := range post.AllStatuses {
		out[s] = 0
	}
	for _, p := range r.posts {
		out[p.Status]++
	}
	return out, nil
}

func (r *PostMemoryRepository) CountByPlatform(_ context.Context) (map[post.Platform]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[post.Platform]int64)
	for _, p := range r.posts {
		out[p.Platform]++
	}
	return out, nil
}

func (r *PostMemoryRepository) Update(_ context.Context, id string, mutations []post.Mutation, expected post.Status) (post.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return post.ScheduledPost{}, post.ErrNotFound
	}
	if expected != "" && p.Status != expected {
		return post.ScheduledPost{}, post.ErrConcurrentModification
	}
	p.Apply(mutations...)
	p.UpdatedAt = r.Now()
	r.posts[id] = p
	return p, nil
}

func (r *PostMemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return post.ErrNotFound
	}
	delete(r.posts, id)
	return nil
}

func sortByScheduledTime(posts []post.ScheduledPost) {
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].ScheduledTime.Equal(posts[j].ScheduledTime) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].ScheduledTime.Before(posts[j].ScheduledTime)
	})
}
