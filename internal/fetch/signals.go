package fetch

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"
)

// Block signal lists. The HTTP and browser strategies each check their own list on every
// response; the selector applies a second, stricter check (with a minimum length) before it
// accepts an HTTP result in auto mode. The lists overlap but are kept apart on purpose so
// each layer can be tuned on its own.
var (
	DefaultHTTPSignals = []string{
		"cloudflare",
		"attention required",
		"verify you are human",
		"checking your browser",
		"just a moment",
		"are you a robot",
		"access denied",
		"/cdn-cgi/",
		"bot detection",
		"captcha",
	}

	DefaultBrowserSignals = []string{
		"access denied",
		"cloudflare",
		"captcha",
		"checking your browser",
		"verify you are human",
		"bot detection",
		"/cdn-cgi/challenge-platform",
		"security check",
		"please wait while",
	}

	DefaultSelectorSignals = []string{
		"access denied",
		"cloudflare",
		"verify you are human",
		"checking your browser",
		"bot detection",
		"just a moment",
		"/cdn-cgi/",
		"captcha",
	}
)

// DefaultMinUsableBody is the selector-level length below which HTML is treated as a block page.
const DefaultMinUsableBody = 300

// BlockDetector flags bodies that look like bot-mitigation pages.
type BlockDetector struct {
	Signals []string
	// MinLength marks shorter bodies as blocked. Zero disables the length check.
	MinLength int
}

// Blocked reports whether body is shorter than MinLength or contains any signal (case-insensitive).
func (d BlockDetector) Blocked(body []byte) bool {
	if d.MinLength > 0 && len(body) < d.MinLength {
		return true
	}
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, s := range d.Signals {
		if s != "" && bytes.Contains(lower, []byte(s)) {
			return true
		}
	}
	return false
}

// domainOf extracts the normalized domain of a URL.
func domainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return sources.NormalizeDomain(rawURL)
	}
	return sources.NormalizeDomain(u.Host)
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// throttle enforces a randomized per-domain gap between requests. Each strategy owns one.
type throttle struct {
	mu       sync.Mutex
	last     map[string]time.Time
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time
	jitter   func(n int64) int64
}

func newThrottle(minDelay, maxDelay time.Duration) *throttle {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &throttle{
		last:     make(map[string]time.Time),
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
		jitter:   rand.Int64N,
	}
}

// delay returns how long to wait before the next request to domain. The lock is only held
// while reading state, so waits for different domains never serialize.
func (t *throttle) delay(domain string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[domain]
	if !ok {
		return 0
	}

	target := t.minDelay
	if span := int64(t.maxDelay - t.minDelay); span > 0 {
		target += time.Duration(t.jitter(span + 1))
	}
	if elapsed := t.now().Sub(last); elapsed < target {
		return target - elapsed
	}
	return 0
}

// touch records a request to domain at the current time.
func (t *throttle) touch(domain string) {
	t.mu.Lock()
	t.last[domain] = t.now()
	t.mu.Unlock()
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
}

func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}
