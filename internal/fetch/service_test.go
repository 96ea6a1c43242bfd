package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func boolPtr(v bool) *bool { return &v }

func testRegistry(t *testing.T) *sources.Registry {
	t.Helper()
	reg, err := sources.New([]sources.Source{
		{ID: "feedonly", Feeds: []string{}, Mode: domain.ModeRSSOnly},
		{ID: "plain", Feeds: []string{}, Mode: domain.ModeSimple},
		{ID: "mixed", Feeds: []string{}, Mode: domain.ModeHybrid, HardDomains: []string{"hard.test"}},
		{ID: "heavy", Feeds: []string{}, Mode: domain.ModeBrowser},
		{ID: "off", Feeds: []string{}, Mode: domain.ModeSimple, Enabled: boolPtr(false)},
	})
	require.NoError(t, err)
	return reg
}

type countingRecorder struct {
	mu       sync.Mutex
	results  map[string]int
	restarts int
}

func (r *countingRecorder) FetchResult(strategy string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	key := strategy + "/fail"
	if ok {
		key = strategy + "/ok"
	}
	r.results[key]++
}

func (r *countingRecorder) BrowserRestart() {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
}

type browserFactory struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	err      error
	launches int
	template fakeBrowser
}

func (f *browserFactory) launch(context.Context) (Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBrowser{html: f.template.html, ok: f.template.ok, healthy: true}
	f.browsers = append(f.browsers, b)
	return b, nil
}

func TestServiceShortCircuitsWithoutFetching(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	factory := &browserFactory{template: fakeBrowser{html: articleHTML, ok: true}}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.NopLogger{})

	for _, id := range []string{"feedonly", "off", "missing"} {
		res := svc.FetchArticleDocument(context.Background(), id, "https://example.com/a")
		assert.False(t, res.OK(), id)
		assert.NotEmpty(t, res.Reason, id)
	}
	assert.Equal(t, 0, h.Calls())
	assert.Equal(t, 0, factory.launches)
}

func TestServiceSimpleModeNeverLaunchesBrowser(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	factory := &browserFactory{template: fakeBrowser{html: articleHTML, ok: true}}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.NopLogger{})

	res := svc.FetchArticleDocument(context.Background(), "plain", "https://example.com/a")
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)
	assert.Equal(t, 0, factory.launches)
}

func TestServiceLaunchesBrowserLazilyAndReusesIt(t *testing.T) {
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	factory := &browserFactory{template: fakeBrowser{html: articleHTML, ok: true}}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.NopLogger{})

	for range 3 {
		res := svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/a")
		require.True(t, res.OK())
		assert.Equal(t, domain.StrategyBrowser, res.Strategy)
	}
	res := svc.FetchArticleDocument(context.Background(), "mixed", "https://hard.test/a")
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyBrowser, res.Strategy)

	assert.Equal(t, 1, factory.launches)
	assert.Equal(t, 4, factory.browsers[0].Calls())
	assert.Equal(t, 0, h.Calls())
}

func TestServiceRelaunchesUnhealthyBrowser(t *testing.T) {
	rec := &countingRecorder{}
	factory := &browserFactory{template: fakeBrowser{html: articleHTML, ok: true}}
	svc := NewService(testRegistry(t), &fakeHTTP{}, factory.launch, ServiceOptions{Recorder: rec}, logger.NopLogger{})

	require.True(t, svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/a").OK())

	factory.browsers[0].mu.Lock()
	factory.browsers[0].healthy = false
	factory.browsers[0].mu.Unlock()

	require.True(t, svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/b").OK())

	assert.Equal(t, 2, factory.launches)
	assert.Equal(t, 1, factory.browsers[0].closed)
	assert.Equal(t, 1, rec.restarts)
	assert.Equal(t, 2, rec.results["browser/ok"])
}

func TestServiceDegradesToHTTPWhenLaunchFails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &fakeHTTP{out: okOutcome(articleHTML)}
	factory := &browserFactory{err: errors.New("chrome not found")}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.FromZap(zap.New(core)))

	res := svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/a")
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)

	res = svc.FetchArticleDocument(context.Background(), "mixed", "https://hard.test/a")
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)

	res = svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/b")
	require.True(t, res.OK())

	assert.Equal(t, 1, factory.launches)
	assert.Equal(t, 1, logs.FilterField(zap.String("event", "browser_launch_failed")).Len(), "logged once, not per item")
}

func TestServiceHybridLastResortHTTP(t *testing.T) {
	// HTTP answers with a short body the selector rejects, the browser comes back empty,
	// and the final simple try accepts whatever HTTP returns.
	h := &fakeHTTP{out: okOutcome("<html><body>brief</body></html>")}
	factory := &browserFactory{template: fakeBrowser{ok: false}}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.NopLogger{})

	res := svc.FetchArticleDocument(context.Background(), "mixed", "https://example.com/a")
	require.True(t, res.OK())
	assert.Equal(t, domain.StrategyHTTP, res.Strategy)
	assert.Equal(t, 2, h.Calls())
	assert.Equal(t, 1, factory.browsers[0].Calls())
}

func TestServiceHybridGivesUp(t *testing.T) {
	h := &fakeHTTP{out: domain.FetchOutcome{StatusCode: StatusExhausted, SuspectedBlock: true, Reason: "status 403"}}
	factory := &browserFactory{template: fakeBrowser{ok: false}}
	svc := NewService(testRegistry(t), h, factory.launch, ServiceOptions{}, logger.NopLogger{})

	res := svc.FetchArticleDocument(context.Background(), "mixed", "https://hard.test/a")
	assert.False(t, res.OK())
	assert.Contains(t, res.Reason, "last resort")
	assert.Equal(t, 1, h.Calls(), "hard domain skipped http until the last resort")
}

func TestServiceShutdownIsIdempotent(t *testing.T) {
	factory := &browserFactory{template: fakeBrowser{html: articleHTML, ok: true}}
	svc := NewService(testRegistry(t), &fakeHTTP{out: okOutcome(articleHTML)}, factory.launch, ServiceOptions{}, logger.NopLogger{})

	require.True(t, svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/a").OK())
	require.NoError(t, svc.Shutdown())
	require.NoError(t, svc.Shutdown())
	assert.Equal(t, 1, factory.browsers[0].closed)

	res := svc.FetchArticleDocument(context.Background(), "heavy", "https://example.com/b")
	assert.Equal(t, domain.StrategyHTTP, res.Strategy, "no relaunch after shutdown")
	assert.Equal(t, 1, factory.launches)
}

func TestServiceShutdownWithoutBrowser(t *testing.T) {
	svc := NewService(testRegistry(t), &fakeHTTP{}, nil, ServiceOptions{}, logger.NopLogger{})
	assert.NoError(t, svc.Shutdown())
	assert.NoError(t, svc.Shutdown())
}

func TestServiceRecordsOutcomes(t *testing.T) {
	rec := &countingRecorder{}
	h := &fakeHTTP{out: domain.FetchOutcome{StatusCode: http.StatusNotFound, Reason: "status 404"}}
	svc := NewService(testRegistry(t), h, nil, ServiceOptions{Recorder: rec}, logger.NopLogger{})

	svc.FetchArticleDocument(context.Background(), "plain", "https://example.com/a")
	svc.FetchArticleDocument(context.Background(), "feedonly", "https://example.com/a")
	assert.Equal(t, map[string]int{"http/fail": 1}, rec.results)
}
