// Package platforms holds the HTTP clients that publish to social networks.
package platforms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/valyala/fasthttp"
)

const DefaultTimeout = 30 * time.Second

// PlatformError is a non-2xx answer from a platform API.
type PlatformError struct {
	Platform   post.Platform
	StatusCode int
	Body       string
}

func (e *PlatformError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API returned %d: %s", e.Platform, e.StatusCode, body)
}

func (e *PlatformError) Unwrap() error { return post.ErrPublish }

// Temporary reports whether the same request may succeed later.
func (e *PlatformError) Temporary() bool {
	return e.StatusCode == fasthttp.StatusTooManyRequests || e.StatusCode >= 500
}

type httpClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func newHTTPClient(timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return httpClient{
		client: &fasthttp.Client{
			Name:                "az-post",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: timeout,
	}
}

// response is what callers need from an answered request; fasthttp reuses
// the underlying buffers once the request is released.
type response struct {
	status  int
	body    []byte
	headers map[string]string
}

// postJSON sends body as JSON and keeps the wanted response headers.
func (c httpClient) postJSON(platform post.Platform, url string, headers map[string]string, body any, keep ...string) (response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return response{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(payload)

	if err := c.client.DoTimeout(req, resp, c.timeout); err != nil {
		return response{}, fmt.Errorf("%w: %s request failed: %v", post.ErrPublish, platform, err)
	}

	out := response{
		status:  resp.StatusCode(),
		body:    append([]byte(nil), resp.Body()...),
		headers: make(map[string]string, len(keep)),
	}
	for _, h := range keep {
		out.headers[h] = string(resp.Header.Peek(h))
	}

	if out.status < 200 || out.status >= 300 {
		return out, &PlatformError{Platform: platform, StatusCode: out.status, Body: string(out.body)}
	}
	return out, nil
}
