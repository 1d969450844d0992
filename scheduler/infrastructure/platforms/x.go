package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
)

const DefaultXBaseURL = "https://api.twitter.com"

// X publishes through the v2 tweets endpoint with a user-context bearer token.
// Credentials: access_token.
type X struct {
	baseURL string
	http    httpClient
}

func NewX(baseURL string, timeout time.Duration) *X {
	if baseURL == "" {
		baseURL = DefaultXBaseURL
	}
	return &X{baseURL: strings.TrimSuffix(baseURL, "/"), http: newHTTPClient(timeout)}
}

func (x *X) Platform() post.Platform { return post.PlatformX }

func (x *X) Publish(ctx context.Context, content string, creds publisher.Credentials) (publisher.Result, error) {
	if err := ctx.Err(); err != nil {
		return publisher.Result{}, err
	}
	token := creds["access_token"]
	if token == "" {
		return publisher.Result{}, fmt.Errorf("%w: x credentials need access_token", post.ErrPublish)
	}

	resp, err := x.http.postJSON(post.PlatformX, x.baseURL+"/2/tweets",
		map[string]string{"Authorization": "Bearer " + token},
		map[string]string{"text": content})
	if err != nil {
		return publisher.Result{}, err
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return publisher.Result{}, fmt.Errorf("%w: decode x response: %v", post.ErrPublish, err)
	}
	return publisher.Result{ExternalPostID: parsed.Data.ID}, nil
}
