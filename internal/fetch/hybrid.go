package fetch

import (
	"context"
	"net/http"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"
)

// HTTPFetcher is the plain HTTP side of the selector.
type HTTPFetcher interface {
	Get(ctx context.Context, rawURL string) domain.FetchOutcome
}

// BrowserFetcher is the headless browser side of the selector.
type BrowserFetcher interface {
	FetchHTML(ctx context.Context, rawURL string) (string, bool)
}

// SelectorMode picks how a Selector composes its strategies.
type SelectorMode string

const (
	// SelectSimple uses HTTP only and accepts whatever body came back.
	SelectSimple SelectorMode = "simple"
	// SelectBrowser uses the browser only.
	SelectBrowser SelectorMode = "browser"
	// SelectAuto goes browser-first for hard domains, otherwise HTTP with browser fallback.
	SelectAuto SelectorMode = "auto"
)

// SelectorOptions tunes the selector-level usability check applied to HTTP results in auto mode.
type SelectorOptions struct {
	Signals   []string
	MinLength int
}

// Selector composes the HTTP and browser strategies for one source.
type Selector struct {
	http     HTTPFetcher
	browser  BrowserFetcher
	hard     map[string]struct{}
	detector BlockDetector
	log      logger.Logger
}

// NewSelector builds a selector. browser may be nil, in which case every mode runs on HTTP alone.
func NewSelector(httpFetcher HTTPFetcher, browser BrowserFetcher, hardDomains []string, opts SelectorOptions, log logger.Logger) *Selector {
	if opts.Signals == nil {
		opts.Signals = DefaultSelectorSignals
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinUsableBody
	}

	hard := make(map[string]struct{}, len(hardDomains))
	for _, d := range hardDomains {
		if d = sources.NormalizeDomain(d); d != "" {
			hard[d] = struct{}{}
		}
	}

	return &Selector{
		http:     httpFetcher,
		browser:  browser,
		hard:     hard,
		detector: BlockDetector{Signals: opts.Signals, MinLength: opts.MinLength},
		log:      logger.Ensure(log),
	}
}

// IsHardDomain reports whether rawURL belongs to a domain configured as browser-first.
func (s *Selector) IsHardDomain(rawURL string) bool {
	_, ok := s.hard[domainOf(rawURL)]
	return ok
}

// Fetch returns a parsed document for rawURL according to mode.
func (s *Selector) Fetch(ctx context.Context, rawURL string, mode SelectorMode) Result {
	switch mode {
	case SelectSimple:
		return s.viaHTTP(ctx, rawURL)

	case SelectBrowser:
		return s.viaBrowser(ctx, rawURL)

	case SelectAuto:
		if s.IsHardDomain(rawURL) && s.browser != nil {
			s.log.InfoObj("hard domain, browser first", "selector_hard_domain", map[string]any{
				"url":    rawURL,
				"domain": domainOf(rawURL),
			})
			return s.viaBrowser(ctx, rawURL)
		}
		return s.auto(ctx, rawURL)

	default:
		return failed(domain.StrategyNone, "unknown selector mode %q", mode)
	}
}

func (s *Selector) auto(ctx context.Context, rawURL string) Result {
	out := s.http.Get(ctx, rawURL)

	if reason := s.unusable(out); reason != "" {
		if s.browser == nil {
			return failed(domain.StrategyHTTP, "http unusable (%s), no browser", reason)
		}
		s.log.InfoObj("http result unusable, falling back to browser", "selector_fallback", map[string]any{
			"url":    rawURL,
			"reason": reason,
			"status": out.StatusCode,
		})
		return s.viaBrowser(ctx, rawURL)
	}

	return s.document(out.Body, rawURL, domain.StrategyHTTP)
}

// unusable applies the selector-level check. It is independent of the flag set inside the HTTP
// strategy: a body may pass there and still be too short or match the stricter list here.
func (s *Selector) unusable(out domain.FetchOutcome) string {
	switch {
	case out.SuspectedBlock:
		return "suspected block"
	case out.StatusCode != http.StatusOK:
		return "non-200 status"
	case s.detector.Blocked(out.Body):
		return "short body or block signals"
	default:
		return ""
	}
}

func (s *Selector) viaHTTP(ctx context.Context, rawURL string) Result {
	out := s.http.Get(ctx, rawURL)
	if !out.HasBody() {
		if out.Reason != "" {
			return failed(domain.StrategyHTTP, "http: %s", out.Reason)
		}
		return failed(domain.StrategyHTTP, "http: empty body (status %d)", out.StatusCode)
	}
	return s.document(out.Body, rawURL, domain.StrategyHTTP)
}

func (s *Selector) viaBrowser(ctx context.Context, rawURL string) Result {
	if s.browser == nil {
		return failed(domain.StrategyBrowser, "browser unavailable")
	}
	html, ok := s.browser.FetchHTML(ctx, rawURL)
	if !ok || html == "" {
		return failed(domain.StrategyBrowser, "browser returned no usable page")
	}
	return s.document([]byte(html), rawURL, domain.StrategyBrowser)
}

func (s *Selector) document(body []byte, rawURL string, strategy domain.Strategy) Result {
	doc, err := newDocument(body, rawURL)
	if err != nil {
		s.log.WarnObj("html parse failed", "selector_parse_error", map[string]any{
			"url":   rawURL,
			"error": err,
		})
		return failed(strategy, "%v", err)
	}
	return Result{Doc: doc, Strategy: strategy}
}
