package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/sethvargo/go-retry"
)

// DefaultBlockedURLPatterns drops ad, tracker and analytics requests. First-party scripts and
// styles still load; many portals need JavaScript to lay out the article.
var DefaultBlockedURLPatterns = []string{
	"*doubleclick*",
	"*googletagmanager*",
	"*google-analytics*",
	"*adsystem*",
	"*adservice*",
	"*facebook*",
	"*tracking*",
}

// DefaultArticleSelectors are tried in order after navigation, each with a short timeout.
// The first one to appear ends the wait; if none appears the page is read as-is. This is
// a heuristic for "the article has rendered", not a requirement.
var DefaultArticleSelectors = []string{
	"article",
	"div.story-body",
	"#news-details",
	"div.content-details",
	"div.story-content",
	"div#main-content",
}

const (
	selectorWaitTimeout = 2 * time.Second
	scrollSettle        = time.Second
	stateSaveTimeout    = 5 * time.Second
)

var errBlockedPage = errors.New("block page detected")

// BrowserOptions tunes the headless browser strategy.
type BrowserOptions struct {
	Headless           bool
	Timeout            time.Duration
	MinDelay           time.Duration
	MaxDelay           time.Duration
	MaxRetries         int
	Scroll             bool
	ExecPath           string
	StatePath          string
	Signals            []string
	BlockedURLPatterns []string
	ArticleSelectors   []string
}

func (o *BrowserOptions) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 2
	}
	if o.Signals == nil {
		o.Signals = DefaultBrowserSignals
	}
	if o.BlockedURLPatterns == nil {
		o.BlockedURLPatterns = DefaultBlockedURLPatterns
	}
	if o.ArticleSelectors == nil {
		o.ArticleSelectors = DefaultArticleSelectors
	}
}

// BrowserStrategy drives one reusable headless Chrome page. It is acquired once with
// LaunchBrowser, used for many fetches and released with Close.
type BrowserStrategy struct {
	mu       sync.Mutex
	opts     BrowserOptions
	log      logger.Logger
	throttle *throttle
	detector BlockDetector

	loadPage    func(ctx context.Context, rawURL string) (string, error)
	sleep       sleepFunc
	backoffUnit time.Duration

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	pageCtx       context.Context
	pageCancel    context.CancelFunc
}

// browserState is the on-disk session snapshot.
type browserState struct {
	Cookies []*network.CookieParam `json:"cookies"`
	SavedAt time.Time              `json:"saved_at"`
}

// LaunchBrowser starts Chrome, restores the saved session, installs the request filter and opens
// the page used for every fetch. The browser lives until Close, independent of ctx.
func LaunchBrowser(ctx context.Context, opts BrowserOptions, log logger.Logger) (*BrowserStrategy, error) {
	opts.applyDefaults()
	log = logger.Ensure(log)

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.UserAgent(randomUserAgent()),
		chromedp.WindowSize(1100+rand.IntN(301), 750+rand.IntN(151)),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	b := &BrowserStrategy{
		opts:     opts,
		log:      log,
		throttle: newThrottle(opts.MinDelay, opts.MaxDelay),
		detector: BlockDetector{Signals: opts.Signals},
		sleep:    sleepCtx,

		backoffUnit: time.Second,
	}
	b.loadPage = b.load

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	// The first Run on a chromedp context allocates it, so it must not carry a deadline.
	if err := chromedp.Run(b.browserCtx); err != nil {
		b.teardown()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b.pageCtx, b.pageCancel = chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(b.pageCtx); err != nil {
		b.teardown()
		return nil, fmt.Errorf("open page: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(b.pageCtx, opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(setupCtx,
		network.Enable(),
		network.SetBlockedURLS(opts.BlockedURLPatterns),
	); err != nil {
		b.teardown()
		return nil, fmt.Errorf("install request filter: %w", err)
	}

	if n, err := b.restoreState(setupCtx); err != nil {
		log.WarnObj("browser session restore failed", "browser_state_restore_error", map[string]any{
			"path":  opts.StatePath,
			"error": err,
		})
	} else if n > 0 {
		log.InfoObj("browser session restored", "browser_state_restored", map[string]any{
			"path":    opts.StatePath,
			"cookies": n,
		})
	}

	log.InfoObj("browser launched", "browser_launched", map[string]any{
		"headless": opts.Headless,
	})
	return b, nil
}

// Healthy is a structural check: the driver, browser and page handles are all present and live.
func (b *BrowserStrategy) Healthy() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocCtx == nil || b.browserCtx == nil || b.pageCtx == nil {
		return false
	}
	return b.pageCtx.Err() == nil && b.browserCtx.Err() == nil
}

// FetchHTML returns the rendered HTML of rawURL, or false when the page stayed blocked or
// failed to load after all retries. Navigation is serialized; the page is shared.
func (b *BrowserStrategy) FetchHTML(ctx context.Context, rawURL string) (string, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	dom := domainOf(rawURL)

	if d := b.throttle.delay(dom); d > 0 {
		if err := b.sleep(ctx, d); err != nil {
			return "", false
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pageCtx == nil {
		b.log.WarnObj("browser fetch on closed browser", "browser_fetch_closed", map[string]any{"url": rawURL})
		return "", false
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(b.opts.MaxRetries-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return b.backoff(attempt), false
	}))

	var html string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		b.log.InfoObj("browser get", "browser_fetch_attempt", map[string]any{
			"url":     rawURL,
			"attempt": attempt,
			"max":     b.opts.MaxRetries,
		})

		page, err := b.loadPage(ctx, rawURL)
		b.throttle.touch(dom)
		if err != nil {
			event := "browser_fetch_error"
			if errors.Is(err, context.DeadlineExceeded) {
				event = "browser_fetch_timeout"
			}
			b.log.WarnObj("browser fetch failed", event, map[string]any{
				"url":     rawURL,
				"attempt": attempt,
				"error":   err,
			})
			return retry.RetryableError(err)
		}
		if b.detector.Blocked([]byte(page)) {
			b.log.WarnObj("browser block page detected", "browser_block_detected", map[string]any{
				"url":     rawURL,
				"attempt": attempt,
			})
			return retry.RetryableError(errBlockedPage)
		}
		html = page
		return nil
	})
	if err != nil {
		b.log.ErrorObj("browser giving up on url", "browser_fetch_exhausted", map[string]any{
			"url":      rawURL,
			"attempts": attempt,
			"error":    err,
		})
		return "", false
	}
	return html, true
}

// backoff is the wait after the given failed attempt: two units per attempt made so far.
func (b *BrowserStrategy) backoff(attempt int) time.Duration {
	return time.Duration(2*attempt) * b.backoffUnit
}

// load navigates the shared page and returns its HTML.
func (b *BrowserStrategy) load(ctx context.Context, rawURL string) (string, error) {
	runCtx, cancel := context.WithTimeout(b.pageCtx, b.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	if sel := b.waitForArticle(runCtx); sel != "" {
		b.log.DebugObj("article container found", "browser_selector_hit", map[string]any{
			"url":      rawURL,
			"selector": sel,
		})
	}

	if b.opts.Scroll {
		var height float64
		if err := chromedp.Run(runCtx,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`, &height),
			chromedp.Sleep(scrollSettle),
		); err != nil {
			b.log.DebugObj("scroll failed", "browser_scroll_error", map[string]any{
				"url":   rawURL,
				"error": err,
			})
		}
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// waitForArticle tries the article selectors in order and returns the first that appeared.
func (b *BrowserStrategy) waitForArticle(ctx context.Context) string {
	for _, sel := range b.opts.ArticleSelectors {
		waitCtx, cancel := context.WithTimeout(ctx, selectorWaitTimeout)
		err := chromedp.Run(waitCtx, chromedp.WaitReady(sel, chromedp.ByQuery))
		cancel()
		if err == nil {
			return sel
		}
		if ctx.Err() != nil {
			return ""
		}
	}
	return ""
}

// Close saves the session (best effort) and shuts down page, browser and driver. Each step runs
// even if an earlier one failed. Safe to call more than once.
func (b *BrowserStrategy) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error

	if b.pageCtx != nil && b.pageCtx.Err() == nil {
		if err := b.saveState(); err != nil {
			b.log.WarnObj("browser session save failed", "browser_state_save_error", map[string]any{
				"path":  b.opts.StatePath,
				"error": err,
			})
		}
	}

	errs = append(errs, b.teardown())

	b.log.InfoObj("browser closed", "browser_closed", nil)
	return errors.Join(errs...)
}

// teardown closes page, browser and driver in that order, tolerating failures at each step.
func (b *BrowserStrategy) teardown() error {
	var errs []error

	if b.pageCancel != nil {
		b.pageCancel()
	}
	if b.browserCtx != nil {
		if err := chromedp.Cancel(b.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}

	b.pageCtx, b.pageCancel = nil, nil
	b.browserCtx, b.browserCancel = nil, nil
	b.allocCtx, b.allocCancel = nil, nil

	return errors.Join(errs...)
}

func (b *BrowserStrategy) restoreState(ctx context.Context) (int, error) {
	state, err := readBrowserState(b.opts.StatePath)
	if err != nil || len(state.Cookies) == 0 {
		return 0, err
	}
	if err := chromedp.Run(ctx, network.SetCookies(state.Cookies)); err != nil {
		return 0, fmt.Errorf("set cookies: %w", err)
	}
	return len(state.Cookies), nil
}

func (b *BrowserStrategy) saveState() error {
	if b.opts.StatePath == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(b.pageCtx, stateSaveTimeout)
	defer cancel()

	var cookies []*network.Cookie
	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}

	return writeBrowserState(b.opts.StatePath, browserState{
		Cookies: cookieParams(cookies),
		SavedAt: time.Now().UTC(),
	})
}

// readBrowserState loads a snapshot. A missing file is not an error.
func readBrowserState(path string) (browserState, error) {
	if path == "" {
		return browserState{}, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return browserState{}, nil
	}
	if err != nil {
		return browserState{}, fmt.Errorf("read browser state: %w", err)
	}
	var state browserState
	if err := json.Unmarshal(raw, &state); err != nil {
		return browserState{}, fmt.Errorf("decode browser state: %w", err)
	}
	return state, nil
}

// writeBrowserState replaces the snapshot atomically.
func writeBrowserState(path string, state browserState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode browser state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write browser state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace browser state: %w", err)
	}
	return nil
}

// cookieParams converts live cookies into the form SetCookies accepts. Session cookies keep no expiry.
func cookieParams(cookies []*network.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if !c.Session && c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}
