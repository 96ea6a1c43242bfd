package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"
)

// Browser is a launched browser session owned by the Service.
type Browser interface {
	BrowserFetcher
	Healthy() bool
	Close() error
}

// BrowserFactory launches a browser session.
type BrowserFactory func(ctx context.Context) (Browser, error)

// BrowserLauncher returns a factory that launches chromedp sessions with opts.
func BrowserLauncher(opts BrowserOptions, log logger.Logger) BrowserFactory {
	return func(ctx context.Context) (Browser, error) {
		b, err := LaunchBrowser(ctx, opts, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// SourceLookup resolves source configuration by id.
type SourceLookup interface {
	ByID(id string) (sources.Source, bool)
}

// Recorder receives fetch outcomes. The metrics package implements it.
type Recorder interface {
	FetchResult(strategy string, ok bool)
	BrowserRestart()
}

type nopRecorder struct{}

func (nopRecorder) FetchResult(string, bool) {}
func (nopRecorder) BrowserRestart()          {}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Selector SelectorOptions
	Recorder Recorder
}

// Service maps sources to fetch strategies and owns the shared browser session.
type Service struct {
	sources    SourceLookup
	http       HTTPFetcher
	newBrowser BrowserFactory
	selOpts    SelectorOptions
	rec        Recorder
	log        logger.Logger

	mu          sync.Mutex
	browser     Browser
	unavailable bool
	closed      bool
	selectors   map[string]*Selector
}

// NewService builds the service. A nil factory runs every source on HTTP alone.
func NewService(lookup SourceLookup, httpFetcher HTTPFetcher, factory BrowserFactory, opts ServiceOptions, log logger.Logger) *Service {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	s := &Service{
		sources:    lookup,
		http:       httpFetcher,
		newBrowser: factory,
		selOpts:    opts.Selector,
		rec:        opts.Recorder,
		log:        logger.Ensure(log),
		selectors:  make(map[string]*Selector),
	}
	if factory == nil {
		s.log.InfoObj("browser fetching disabled", "browser_disabled", nil)
	}
	return s
}

// FetchArticleDocument fetches rawURL the way sourceID is configured to. Result.Doc is nil for
// rss_only, disabled and unknown sources, and when every strategy failed.
func (s *Service) FetchArticleDocument(ctx context.Context, sourceID, rawURL string) Result {
	src, ok := s.sources.ByID(sourceID)
	if !ok {
		return failed(domain.StrategyNone, "unknown source %q", sourceID)
	}
	if !src.EnabledValue() {
		return failed(domain.StrategyNone, "source disabled")
	}

	var res Result
	switch src.Mode {
	case domain.ModeRSSOnly:
		return failed(domain.StrategyNone, "rss_only source")

	case domain.ModeSimple:
		res = s.selectorFor(src).Fetch(ctx, rawURL, SelectSimple)

	case domain.ModeBrowser:
		sel := s.selectorFor(src)
		if s.acquireBrowser(ctx) == nil {
			res = sel.Fetch(ctx, rawURL, SelectSimple)
			break
		}
		res = sel.Fetch(ctx, rawURL, SelectBrowser)

	case domain.ModeHybrid:
		sel := s.selectorFor(src)
		if !s.browserPossible() {
			res = sel.Fetch(ctx, rawURL, SelectSimple)
			break
		}
		res = sel.Fetch(ctx, rawURL, SelectAuto)
		if !res.OK() {
			s.log.InfoObj("auto fetch gave nothing, last http try", "fetch_last_resort", map[string]any{
				"source": sourceID,
				"url":    rawURL,
				"reason": res.Reason,
			})
			last := sel.Fetch(ctx, rawURL, SelectSimple)
			if !last.OK() {
				last.Reason = fmt.Sprintf("%s; last resort: %s", res.Reason, last.Reason)
			}
			res = last
		}

	default:
		return failed(domain.StrategyNone, "unsupported mode %q", src.Mode)
	}

	s.rec.FetchResult(string(res.Strategy), res.OK())
	return res
}

// Shutdown closes the shared browser if one was ever launched. Safe to call more than once.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	if err != nil {
		s.log.WarnObj("browser shutdown reported errors", "browser_shutdown_error", map[string]any{"error": err})
		return fmt.Errorf("shutdown browser: %w", err)
	}
	s.log.InfoObj("fetch service shut down", "fetch_service_shutdown", nil)
	return nil
}

// browserPossible is false once the process has degraded to HTTP only.
func (s *Service) browserPossible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.unavailable && s.newBrowser != nil
}

func (s *Service) selectorFor(src sources.Source) *Selector {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sel, ok := s.selectors[src.ID]; ok {
		return sel
	}
	sel := NewSelector(s.http, serviceBrowser{s}, src.HardDomains, s.selOpts, s.log.With(map[string]any{"source": src.ID}))
	s.selectors[src.ID] = sel
	return sel
}

// acquireBrowser returns a healthy browser, launching or relaunching it as needed. It returns nil
// once a launch has failed; the process then stays on HTTP for the rest of its life.
func (s *Service) acquireBrowser(ctx context.Context) Browser {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.unavailable || s.newBrowser == nil {
		return nil
	}

	if s.browser != nil {
		if s.browser.Healthy() {
			return s.browser
		}
		s.log.WarnObj("browser unhealthy, relaunching", "browser_unhealthy", nil)
		if err := s.browser.Close(); err != nil {
			s.log.WarnObj("closing unhealthy browser failed", "browser_close_error", map[string]any{"error": err})
		}
		s.browser = nil
		s.rec.BrowserRestart()
	}

	b, err := s.newBrowser(ctx)
	if err != nil || b == nil {
		s.unavailable = true
		s.log.ErrorObj("browser launch failed, continuing with http only", "browser_launch_failed", map[string]any{"error": err})
		return nil
	}
	s.browser = b
	return b
}

// serviceBrowser lets cached selectors reach whatever browser the service currently holds.
type serviceBrowser struct{ s *Service }

func (sb serviceBrowser) FetchHTML(ctx context.Context, rawURL string) (string, bool) {
	b := sb.s.acquireBrowser(ctx)
	if b == nil {
		return "", false
	}
	return b.FetchHTML(ctx, rawURL)
}
