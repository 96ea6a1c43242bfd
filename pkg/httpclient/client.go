package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const maxRedirects = 10

// Response is the subset of an HTTP response the fetchers rely on.
type Response interface {
	StatusCode() int
	Body() []byte
	Header() http.Header
}

// Client issues GET requests with per-call headers.
type Client interface {
	Get(ctx context.Context, url string, headers map[string]string) (Response, error)
}

type restyClient struct {
	rc *resty.Client
}

// NewRestyClient returns a Client backed by resty with the given overall request timeout.
func NewRestyClient(timeout time.Duration) Client {
	rc := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))
	return &restyClient{rc: rc}
}

// Get performs the request. Non-2xx statuses are not errors; only transport failures are.
func (c *restyClient) Get(ctx context.Context, url string, headers map[string]string) (Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	return resp, nil
}
