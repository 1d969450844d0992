package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AzielCF/az-post/scheduler/domain/post"
)

// Credentials are the per-account secrets a platform client needs (tokens, author urn).
type Credentials map[string]string

type Result struct {
	ExternalPostID string
}

// Client publishes content on one platform. Timeouts are the client's concern
// and are reported like any other failure.
type Client interface {
	Platform() post.Platform
	Publish(ctx context.Context, content string, creds Credentials) (Result, error)
}

// CredentialProvider resolves the credentials used for a platform.
type CredentialProvider interface {
	Credentials(ctx context.Context, platform post.Platform) (Credentials, error)
}

// Registry holds one client per platform.
type Registry struct {
	mu      sync.RWMutex
	clients map[post.Platform]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[post.Platform]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Platform()] = c
}

func (r *Registry) Get(platform post.Platform) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[platform]
	if !ok {
		return nil, fmt.Errorf("no publisher registered for platform %q", platform)
	}
	return c, nil
}

func (r *Registry) Platforms() []post.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]post.Platform, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StaticCredentials serves credentials loaded from configuration.
type StaticCredentials map[post.Platform]Credentials

func (s StaticCredentials) Credentials(_ context.Context, platform post.Platform) (Credentials, error) {
	creds, ok := s[platform]
	if !ok {
		return Credentials{}, nil
	}
	out := make(Credentials, len(creds))
	for k, v := range creds {
		out[k] = v
	}
	return out, nil
}
