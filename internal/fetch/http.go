package fetch

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/httpclient"

	"github.com/PuerkitoBio/goquery"
)

// StatusExhausted is the sentinel status of the synthetic outcome returned after all retries fail.
const StatusExhausted = 599

const (
	defaultAcceptLanguage = "bn-BD,bn;q=0.9,en-US;q=0.8,en;q=0.7"
	defaultReferer        = "https://www.google.com/"
	htmlAccept            = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
)

// HTTPOptions tunes the plain HTTP strategy.
type HTTPOptions struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	Signals        []string
	AcceptLanguage string
	Referer        string
}

// HTTPStrategy is a polite, retrying HTTP fetcher. Get never fails: it always returns an outcome.
type HTTPStrategy struct {
	client         httpclient.Client
	log            logger.Logger
	throttle       *throttle
	detector       BlockDetector
	maxRetries     int
	acceptLanguage string
	referer        string

	sleep       sleepFunc
	backoffUnit time.Duration
	now         func() time.Time
}

// NewHTTPStrategy builds the strategy around the shared HTTP client.
func NewHTTPStrategy(client httpclient.Client, opts HTTPOptions, log logger.Logger) *HTTPStrategy {
	if client == nil {
		client = httpclient.NewRestyClient(10 * time.Second)
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.Signals == nil {
		opts.Signals = DefaultHTTPSignals
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = defaultAcceptLanguage
	}
	if opts.Referer == "" {
		opts.Referer = defaultReferer
	}

	return &HTTPStrategy{
		client:         client,
		log:            logger.Ensure(log),
		throttle:       newThrottle(opts.MinDelay, opts.MaxDelay),
		detector:       BlockDetector{Signals: opts.Signals},
		maxRetries:     opts.MaxRetries,
		acceptLanguage: opts.AcceptLanguage,
		referer:        opts.Referer,
		sleep:          sleepCtx,
		backoffUnit:    time.Second,
		now:            time.Now,
	}
}

// Get fetches rawURL with per-domain politeness and retries.
//
// 200 responses are scanned for block signals and returned either way, flagged when they match.
// 403/429 honour Retry-After, else back off 4×attempt units; other statuses and transport errors
// back off 2×attempt units. When every attempt fails, a synthetic outcome with an empty body,
// StatusExhausted and SuspectedBlock=true is returned.
func (s *HTTPStrategy) Get(ctx context.Context, rawURL string) domain.FetchOutcome {
	if ctx == nil {
		ctx = context.Background()
	}
	dom := domainOf(rawURL)

	if d := s.throttle.delay(dom); d > 0 {
		s.log.DebugObj("polite delay before request", "http_polite_delay", map[string]any{
			"domain":   dom,
			"delay_ms": d.Milliseconds(),
		})
		if err := s.sleep(ctx, d); err != nil {
			return s.exhausted(rawURL, 0, 0, "cancelled during polite delay: "+err.Error())
		}
	}

	var (
		lastStatus int
		reason     string
		attempts   int
	)

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		attempts = attempt
		headers := map[string]string{
			"User-Agent":      randomUserAgent(),
			"Accept":          htmlAccept,
			"Accept-Language": s.acceptLanguage,
			"Referer":         s.referer,
		}

		s.log.DebugObj("http get", "http_fetch_attempt", map[string]any{
			"url":     rawURL,
			"attempt": attempt,
			"max":     s.maxRetries,
		})

		resp, err := s.client.Get(ctx, rawURL, headers)
		s.throttle.touch(dom)

		var wait time.Duration
		switch {
		case err != nil:
			reason = err.Error()
			wait = s.backoff(2, attempt)
			s.log.WarnObj("http request failed", "http_fetch_error", map[string]any{
				"url":     rawURL,
				"attempt": attempt,
				"error":   err,
			})

		case resp.StatusCode() == http.StatusOK:
			body := resp.Body()
			out := domain.FetchOutcome{
				Body:       body,
				StatusCode: http.StatusOK,
				Strategy:   domain.StrategyHTTP,
			}
			if s.detector.Blocked(body) {
				out.SuspectedBlock = true
				out.Reason = "block signals in body"
				s.log.WarnObj("suspected block page", "http_block_suspected", map[string]any{
					"url": rawURL,
				})
			}
			return out

		case resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusTooManyRequests:
			lastStatus = resp.StatusCode()
			reason = "status " + strconv.Itoa(lastStatus)
			wait = parseRetryAfter(resp.Header().Get("Retry-After"), s.now())
			if wait <= 0 {
				wait = s.backoff(4, attempt)
			}
			s.log.WarnObj("rate limited or forbidden", "http_fetch_throttled", map[string]any{
				"url":      rawURL,
				"status":   lastStatus,
				"attempt":  attempt,
				"wait_ms":  wait.Milliseconds(),
				"retry_in": wait.String(),
			})

		default:
			lastStatus = resp.StatusCode()
			reason = "status " + strconv.Itoa(lastStatus)
			wait = s.backoff(2, attempt)
			s.log.WarnObj("unexpected status", "http_fetch_status", map[string]any{
				"url":     rawURL,
				"status":  lastStatus,
				"attempt": attempt,
			})
		}

		if attempt == s.maxRetries {
			break
		}
		if err := s.sleep(ctx, wait); err != nil {
			reason = "cancelled during backoff: " + err.Error()
			break
		}
	}

	return s.exhausted(rawURL, attempts, lastStatus, reason)
}

// FetchHTML wraps Get and parses the body when one came back, blocked or not.
func (s *HTTPStrategy) FetchHTML(ctx context.Context, rawURL string) *goquery.Document {
	out := s.Get(ctx, rawURL)
	if !out.HasBody() {
		return nil
	}
	doc, err := newDocument(out.Body, rawURL)
	if err != nil {
		s.log.WarnObj("html parse failed", "http_html_parse_error", map[string]any{
			"url":   rawURL,
			"error": err,
		})
		return nil
	}
	return doc
}

func (s *HTTPStrategy) backoff(factor, attempt int) time.Duration {
	return time.Duration(factor*attempt) * s.backoffUnit
}

// exhausted logs and returns the synthetic failure. attempts counts the requests actually made.
func (s *HTTPStrategy) exhausted(rawURL string, attempts, lastStatus int, reason string) domain.FetchOutcome {
	s.log.ErrorObj("giving up on url", "http_fetch_exhausted", map[string]any{
		"url":         rawURL,
		"attempts":    attempts,
		"last_status": lastStatus,
		"reason":      reason,
	})
	if reason == "" {
		reason = "retries exhausted"
	}
	return domain.FetchOutcome{
		StatusCode:     StatusExhausted,
		SuspectedBlock: true,
		Strategy:       domain.StrategyHTTP,
		Reason:         reason,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unusable values return 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
