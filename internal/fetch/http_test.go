package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeResponse struct {
	status int
	body   []byte
	header http.Header
}

func (r fakeResponse) StatusCode() int { return r.status }
func (r fakeResponse) Body() []byte    { return r.body }
func (r fakeResponse) Header() http.Header {
	if r.header == nil {
		return http.Header{}
	}
	return r.header
}

// scriptedClient replays responses in order, repeating the last one.
type scriptedClient struct {
	mu      sync.Mutex
	steps   []fakeResponse
	errs    []error
	calls   int
	headers []map[string]string
}

func (c *scriptedClient) Get(_ context.Context, _ string, headers map[string]string) (httpclient.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++
	c.headers = append(c.headers, headers)

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if len(c.steps) == 0 {
		return nil, errors.New("no scripted response")
	}
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	return c.steps[i], nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestHTTP(client httpclient.Client, retries int) (*HTTPStrategy, *sleepRecorder) {
	s := NewHTTPStrategy(client, HTTPOptions{MaxRetries: retries}, logger.NopLogger{})
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

func TestHTTPGetUnreachableReturnsSyntheticOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL + "/news/1"
	srv.Close()

	s, rec := newTestHTTP(httpclient.NewRestyClient(time.Second), 2)

	out := s.Get(context.Background(), url)
	assert.Equal(t, StatusExhausted, out.StatusCode)
	assert.True(t, out.SuspectedBlock)
	assert.False(t, out.HasBody())
	assert.Equal(t, domain.StrategyHTTP, out.Strategy)
	assert.NotEmpty(t, out.Reason)

	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits, "no sleep after the final attempt")
	assert.Nil(t, s.FetchHTML(context.Background(), url))
}

func TestHTTPGetBacksOffMonotonicallyOn429(t *testing.T) {
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusTooManyRequests}}}
	s, rec := newTestHTTP(client, 4)

	out := s.Get(context.Background(), "https://example.com/a")
	assert.Equal(t, StatusExhausted, out.StatusCode)
	assert.Equal(t, 4, client.calls)

	require.Len(t, rec.waits, 3)
	for i := 1; i < len(rec.waits); i++ {
		assert.Greater(t, rec.waits[i], rec.waits[i-1])
	}
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 12 * time.Second}, rec.waits)
}

func TestHTTPGetHonoursRetryAfter(t *testing.T) {
	client := &scriptedClient{steps: []fakeResponse{
		{status: http.StatusForbidden, header: http.Header{"Retry-After": []string{"5"}}},
		{status: http.StatusOK, body: []byte("<html><body>ok</body></html>")},
	}}
	s, rec := newTestHTTP(client, 3)

	out := s.Get(context.Background(), "https://example.com/a")
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.False(t, out.SuspectedBlock)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.waits)
}

func TestHTTPGetFlagsBlockPagesButReturnsBody(t *testing.T) {
	body := []byte("<html><title>Just a moment...</title><div>Please complete the CAPTCHA</div></html>")
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusOK, body: body}}}
	s, rec := newTestHTTP(client, 3)

	out := s.Get(context.Background(), "https://example.com/a")
	assert.True(t, out.SuspectedBlock)
	assert.Equal(t, body, out.Body)
	assert.Equal(t, 1, client.calls)
	assert.Empty(t, rec.waits)

	doc := s.FetchHTML(context.Background(), "https://example.com/a")
	require.NotNil(t, doc)
	assert.Equal(t, "Just a moment...", doc.Find("title").Text())
	assert.Equal(t, "example.com", doc.Url.Host)
}

func TestHTTPGetRetriesServerErrorsAndTransportFailures(t *testing.T) {
	client := &scriptedClient{
		errs: []error{errors.New("connection reset")},
		steps: []fakeResponse{
			{},
			{status: http.StatusBadGateway},
			{status: http.StatusOK, body: []byte("<p>fine</p>")},
		},
	}
	s, rec := newTestHTTP(client, 3)

	out := s.Get(context.Background(), "https://example.com/a")
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.waits)
}

func TestHTTPGetSendsBrowserLikeHeaders(t *testing.T) {
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusOK, body: []byte("x")}}}
	s, _ := newTestHTTP(client, 1)

	s.Get(context.Background(), "https://example.com/a")
	require.Len(t, client.headers, 1)
	h := client.headers[0]
	assert.Contains(t, userAgents, h["User-Agent"])
	assert.Contains(t, h["Accept"], "text/html")
	assert.Equal(t, defaultAcceptLanguage, h["Accept-Language"])
	assert.Equal(t, defaultReferer, h["Referer"])
}

func TestHTTPGetLogsExhaustion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusServiceUnavailable}}}
	s := NewHTTPStrategy(client, HTTPOptions{MaxRetries: 2}, logger.FromZap(zap.New(core)))
	s.sleep = (&sleepRecorder{}).sleep

	out := s.Get(context.Background(), "https://example.com/a")
	assert.Equal(t, "status 503", out.Reason)

	exhausted := logs.FilterField(zap.String("event", "http_fetch_exhausted")).All()
	require.Len(t, exhausted, 1)
	assert.EqualValues(t, 503, exhausted[0].ContextMap()["last_status"])
	assert.EqualValues(t, 2, exhausted[0].ContextMap()["attempts"])
}

func TestHTTPGetLogsAttemptsMadeWhenCancelledMidRetry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusBadGateway}}}
	s := NewHTTPStrategy(client, HTTPOptions{MaxRetries: 5}, logger.FromZap(zap.New(core)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
		return ctx.Err()
	}

	out := s.Get(ctx, "https://example.com/a")
	assert.Equal(t, StatusExhausted, out.StatusCode)
	assert.Equal(t, 2, client.calls)
	assert.True(t, strings.HasPrefix(out.Reason, "cancelled during backoff"))

	exhausted := logs.FilterField(zap.String("event", "http_fetch_exhausted")).All()
	require.Len(t, exhausted, 1)
	assert.EqualValues(t, 2, exhausted[0].ContextMap()["attempts"])
	assert.EqualValues(t, 502, exhausted[0].ContextMap()["last_status"])
}

func TestHTTPGetAppliesPoliteDelayPerDomain(t *testing.T) {
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusOK, body: []byte("x")}}}
	s := NewHTTPStrategy(client, HTTPOptions{MinDelay: 2 * time.Second, MaxDelay: 2 * time.Second}, logger.NopLogger{})
	rec := &sleepRecorder{}
	s.sleep = rec.sleep

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.throttle.now = func() time.Time { return now }

	s.Get(context.Background(), "https://www.example.com/a")
	assert.Empty(t, rec.waits)

	now = now.Add(500 * time.Millisecond)
	s.Get(context.Background(), "https://example.com/b")
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, rec.waits, "www. and bare host share one bucket")

	s.Get(context.Background(), "https://other.test/c")
	assert.Len(t, rec.waits, 1)
}

func TestHTTPGetStopsOnCancelledContext(t *testing.T) {
	client := &scriptedClient{steps: []fakeResponse{{status: http.StatusInternalServerError}}}
	s, _ := newTestHTTP(client, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Get(ctx, "https://example.com/a")
	assert.Equal(t, StatusExhausted, out.StatusCode)
	assert.Equal(t, 1, client.calls)
	assert.True(t, strings.HasPrefix(out.Reason, "cancelled during backoff"))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-3", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestBlockDetector(t *testing.T) {
	d := BlockDetector{Signals: DefaultSelectorSignals, MinLength: 10}

	assert.True(t, d.Blocked([]byte("short")))
	assert.True(t, d.Blocked([]byte("<html>Checking your browser before accessing</html>")))
	assert.False(t, d.Blocked([]byte("<html><p>A perfectly ordinary article.</p></html>")))

	noLen := BlockDetector{Signals: DefaultHTTPSignals}
	assert.False(t, noLen.Blocked(nil))
	assert.True(t, noLen.Blocked([]byte("ACCESS DENIED")))
}

func TestThrottleDelay(t *testing.T) {
	th := newThrottle(2*time.Second, 4*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }
	th.jitter = func(n int64) int64 { return n - 1 }

	assert.Zero(t, th.delay("a.test"))
	th.touch("a.test")

	now = now.Add(time.Second)
	assert.Equal(t, 3*time.Second, th.delay("a.test"))
	assert.Zero(t, th.delay("b.test"))

	now = now.Add(10 * time.Second)
	assert.Zero(t, th.delay("a.test"))
}
