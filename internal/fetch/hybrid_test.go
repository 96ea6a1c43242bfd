package fetch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var articleHTML = "<html><head><title>Story</title></head><body><article><h1>Story</h1><p>" +
	strings.Repeat("Plenty of real reporting in this paragraph. ", 20) +
	"</p></article></body></html>"

type fakeHTTP struct {
	mu    sync.Mutex
	out   domain.FetchOutcome
	calls int
}

func (f *fakeHTTP) Get(context.Context, string) domain.FetchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out
}

func (f *fakeHTTP) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBrowser struct {
	mu      sync.Mutex
	html    string
	ok      bool
	calls   int
	healthy bool
	closed  int
}

func (f *fakeBrowser) FetchHTML(context.Context, string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.html, f.ok
}

func (f *fakeBrowser) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeBrowser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBrowser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okOutcome(body string) domain.FetchOutcome {
	return domain.FetchOutcome{Body: []byte(body), StatusCode: http.StatusOK, Strategy: domain.StrategyHTTP}
}

func TestSelectorHardDomainGoesStraightToBrowser(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	b := &fakeBrowser{html: articleHTML, ok: true}
	sel := NewSelector(h, b, []string{"www.ProthomAlo.com"}, SelectorOptions{}, logger.NopLogger{})

	for range 2 {
		res := sel.Fetch(context.Background(), "https://www.prothomalo.com/bangladesh/abc", SelectAuto)
		require.True(t, res.OK())
		assert.Equal(t, domain.StrategyBrowser, res.Strategy)
	}
	assert.Equal(t, 0, h.Calls())
	assert.Equal(t, 2, b.Calls())
}

func TestSelectorAutoKeepsGoodHTTPResult(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	b := &fakeBrowser{html: articleHTML, ok: true}
	sel := NewSelector(h, b, nil, SelectorOptions{}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectAuto)
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)
	assert.Equal(t, "Story", res.Doc.Find("h1").Text())
	assert.Equal(t, 0, b.Calls())
}

func TestSelectorAutoFallsBackToBrowser(t *testing.T) {
	cases := map[string]domain.FetchOutcome{
		"suspected block": {Body: []byte(articleHTML), StatusCode: http.StatusOK, SuspectedBlock: true},
		"non-200":         {Body: []byte(articleHTML), StatusCode: http.StatusNotFound},
		"exhausted":       {StatusCode: StatusExhausted, SuspectedBlock: true},
		"short body":      okOutcome("<html><body>tiny</body></html>"),
		"stricter signal": okOutcome(articleHTML + "<script src=\"/cdn-cgi/x.js\"></script>"),
	}

	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			h := &fakeHTTP{out: out}
			b := &fakeBrowser{html: articleHTML, ok: true}
			sel := NewSelector(h, b, nil, SelectorOptions{}, logger.NopLogger{})

			res := sel.Fetch(context.Background(), "https://example.com/a", SelectAuto)
			require.True(t, res.OK())
			assert.Equal(t, domain.StrategyBrowser, res.Strategy)
			assert.Equal(t, 1, h.Calls())
			assert.Equal(t, 1, b.Calls())
		})
	}
}

func TestSelectorAutoWithoutBrowser(t *testing.T) {
	h := &fakeHTTP{out: okOutcome("tiny")}
	sel := NewSelector(h, nil, []string{"example.com"}, SelectorOptions{}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectAuto)
	assert.False(t, res.OK())
	assert.Equal(t, 1, h.Calls(), "hard domain falls back to http when there is no browser")
	assert.Contains(t, res.Reason, "no browser")
}

func TestSelectorSimpleAcceptsBlockedBody(t *testing.T) {
	h := &fakeHTTP{out: domain.FetchOutcome{Body: []byte("<p>captcha</p>"), StatusCode: http.StatusOK, SuspectedBlock: true}}
	b := &fakeBrowser{html: articleHTML, ok: true}
	sel := NewSelector(h, b, []string{"example.com"}, SelectorOptions{}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectSimple)
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)
	assert.Equal(t, 0, b.Calls())
}

func TestSelectorSimpleWithoutBody(t *testing.T) {
	h := &fakeHTTP{out: domain.FetchOutcome{StatusCode: StatusExhausted, SuspectedBlock: true, Reason: "status 403"}}
	sel := NewSelector(h, nil, nil, SelectorOptions{}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectSimple)
	assert.False(t, res.OK())
	assert.Equal(t, "http: status 403", res.Reason)
}

func TestSelectorBrowserMode(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	b := &fakeBrowser{ok: false}
	sel := NewSelector(h, b, nil, SelectorOptions{}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectBrowser)
	assert.False(t, res.OK())
	assert.Equal(t, domain.StrategyBrowser, res.Strategy)
	assert.Equal(t, 0, h.Calls())

	res = sel.Fetch(context.Background(), "https://example.com/a", "sideways")
	assert.False(t, res.OK())
}

func TestSelectorMinLengthIsConfigurable(t *testing.T) {
	h := &fakeHTTP{out: okOutcome("<p>short but fine</p>")}
	b := &fakeBrowser{html: articleHTML, ok: true}
	sel := NewSelector(h, b, nil, SelectorOptions{MinLength: 5}, logger.NopLogger{})

	res := sel.Fetch(context.Background(), "https://example.com/a", SelectAuto)
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)
}
