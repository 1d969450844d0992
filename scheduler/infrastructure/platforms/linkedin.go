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

const DefaultLinkedInBaseURL = "https://api.linkedin.com"

// LinkedIn publishes text shares through the UGC posts API.
// Credentials: access_token, author_urn.
type LinkedIn struct {
	baseURL string
	http    httpClient
}

func NewLinkedIn(baseURL string, timeout time.Duration) *LinkedIn {
	if baseURL == "" {
		baseURL = DefaultLinkedInBaseURL
	}
	return &LinkedIn{baseURL: strings.TrimSuffix(baseURL, "/"), http: newHTTPClient(timeout)}
}

func (l *LinkedIn) Platform() post.Platform { return post.PlatformLinkedIn }

func (l *LinkedIn) Publish(ctx context.Context, content string, creds publisher.Credentials) (publisher.Result, error) {
	if err := ctx.Err(); err != nil {
		return publisher.Result{}, err
	}
	token, author := creds["access_token"], creds["author_urn"]
	if token == "" || author == "" {
		return publisher.Result{}, fmt.Errorf("%w: linkedin credentials need access_token and author_urn", post.ErrPublish)
	}

	body := map[string]any{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
	headers := map[string]string{
		"Authorization":             "Bearer " + token,
		"X-Restli-Protocol-Version": "2.0.0",
	}

	resp, err := l.http.postJSON(post.PlatformLinkedIn, l.baseURL+"/v2/ugcPosts", headers, body, "X-Restli-Id")
	if err != nil {
		return publisher.Result{}, err
	}

	id := resp.headers["X-Restli-Id"]
	if id == "" {
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.body, &parsed); err == nil {
			id = parsed.ID
		}
	}
	return publisher.Result{ExternalPostID: id}, nil
}
