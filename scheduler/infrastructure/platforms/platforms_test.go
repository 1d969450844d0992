package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkedIn_PublishReadsRestliHeader(t *testing.T) {
	var gotAuth, gotAuthor, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/ugcPosts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Author          string `json:"author"`
			SpecificContent map[string]struct {
				ShareCommentary struct {
					Text string `json:"text"`
				} `json:"shareCommentary"`
			} `json:"specificContent"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotAuthor = body.Author
		gotText = body.SpecificContent["com.linkedin.ugc.ShareContent"].ShareCommentary.Text

		w.Header().Set("X-Restli-Id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewLinkedIn(srv.URL, time.Second)
	res, err := client.Publish(context.Background(), "hello network", publisher.Credentials{
		"access_token": "tok",
		"author_urn":   "urn:li:person:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:share:42", res.ExternalPostID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "urn:li:person:1", gotAuthor)
	assert.Equal(t, "hello network", gotText)
}

func TestLinkedIn_MissingCredentials(t *testing.T) {
	_, err := NewLinkedIn("http://127.0.0.1:1", time.Second).Publish(context.Background(), "x", publisher.Credentials{"access_token": "tok"})
	assert.True(t, errors.Is(err, post.ErrPublish))
}

func TestX_PublishReadsDataID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "Bearer xt", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "short and sweet", body["text"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1790","text":"short and sweet"}}`))
	}))
	defer srv.Close()

	res, err := NewX(srv.URL, time.Second).Publish(context.Background(), "short and sweet", publisher.Credentials{"access_token": "xt"})
	require.NoError(t, err)
	assert.Equal(t, "1790", res.ExternalPostID)
}

func TestX_ErrorStatusIsPlatformError(t *testing.T) {
	tests := []struct {
		status    int
		temporary bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"title":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewX(srv.URL, time.Second).Publish(context.Background(), "t", publisher.Credentials{"access_token": "xt"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, post.ErrPublish))

			var pe *PlatformError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.temporary, pe.Temporary())
			assert.Contains(t, pe.Error(), "nope")
		})
	}
}

func TestPublish_RespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewX("http://127.0.0.1:1", time.Second).Publish(ctx, "t", publisher.Credentials{"access_token": "xt"})
	assert.ErrorIs(t, err, context.Canceled)
}
