package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/fetch"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/internal/parsers"
	"github.com/Adda-Baaj/khobor-ingest/pkg/publishers"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPlaceholderTitles are page titles served by WAF challenge pages instead of the article.
var DefaultPlaceholderTitles = []string{
	"Sorry, you have been blocked",
	"Attention Required! | Cloudflare",
	"Just a moment...",
	"Access Denied",
}

// Skip reasons reported in Outcome.Reason.
const (
	ReasonUnknownSource = "unknown source"
	ReasonDisabled      = "source disabled"
	ReasonPlaceholder   = "block placeholder title"
	ReasonEmpty         = "empty title and body"
	ReasonDuplicate     = "duplicate url"
	ReasonStoreError    = "store error"
)

// SourceRegistry resolves source configuration.
type SourceRegistry interface {
	Validate() error
	ByID(id string) (sources.Source, bool)
}

// FeedCollector yields the new feed items of one cycle.
type FeedCollector interface {
	Collect(ctx context.Context) iter.Seq[domain.FeedItem]
}

// DocumentFetcher obtains article pages.
type DocumentFetcher interface {
	FetchArticleDocument(ctx context.Context, sourceID, rawURL string) fetch.Result
}

// ParserLookup returns the parser registered for a source.
type ParserLookup interface {
	For(sourceID string) (parsers.Parser, bool)
}

// ArticleStore persists articles. Insert reports false for a URL that is already stored.
type ArticleStore interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, a domain.Article) (bool, error)
}

// EventPublisher receives an event for every saved article.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) error
}

// Metrics observes item outcomes and cycle durations.
type Metrics interface {
	ItemProcessed(sourceID, outcome string)
	CycleCompleted(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ItemProcessed(string, string) {}
func (nopMetrics) CycleCompleted(time.Duration) {}

// Deps are the collaborators of a Runner. Events and Metrics are optional.
type Deps struct {
	Sources   SourceRegistry
	Collector FeedCollector
	Fetcher   DocumentFetcher
	Parsers   ParserLookup
	Store     ArticleStore
	Events    EventPublisher
	Metrics   Metrics

	// PlaceholderTitles overrides DefaultPlaceholderTitles when non-empty.
	PlaceholderTitles []string
}

// Outcome is the terminal state of one item: saved, or skipped with a reason.
type Outcome struct {
	Saved   bool
	Reason  string
	Article domain.Article
}

func (o Outcome) label() string {
	if o.Saved {
		return "saved"
	}
	return "skipped"
}

// Runner drives feed items through fetch, parse and persistence.
type Runner struct {
	deps         Deps
	placeholders map[string]struct{}
	log          logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Runner. Sources, Collector and Store are required.
func New(deps Deps, log logger.Logger) *Runner {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	titles := deps.PlaceholderTitles
	if len(titles) == 0 {
		titles = DefaultPlaceholderTitles
	}
	placeholders := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		placeholders[strings.TrimSpace(t)] = struct{}{}
	}

	return &Runner{
		deps:         deps,
		placeholders: placeholders,
		log:          logger.Ensure(log),
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// ProcessItem resolves one feed item to Saved or Skipped. It never returns an error: fetch and
// parse failures degrade to feed-only data.
func (r *Runner) ProcessItem(ctx context.Context, item domain.FeedItem) Outcome {
	src, ok := r.deps.Sources.ByID(item.SourceID)
	if !ok {
		return r.skip(item, ReasonUnknownSource)
	}
	if !src.EnabledValue() {
		return r.skip(item, ReasonDisabled)
	}

	feedTitle := deriveTitle(item)
	feedSummary := firstNonEmpty(item.Summary, item.Description)

	var parser parsers.Parser
	if r.deps.Parsers != nil && r.deps.Fetcher != nil {
		parser, _ = r.deps.Parsers.For(src.ID)
	}

	a := domain.Article{
		SourceID: src.ID,
		URL:      item.Link,
		FeedDate: item.FeedDate,
		Title:    feedTitle,
		Summary:  feedSummary,
	}

	if src.Mode.FetchesHTML() && parser != nil {
		if doc := r.fetchDocument(ctx, src.ID, item.Link); doc != nil {
			parsed := r.parse(parser, doc, src.ID, item.Link)
			a.Title = firstNonEmpty(parsed.Title, feedTitle)
			a.Body = strings.TrimSpace(parsed.Body)
			a.Author = strings.TrimSpace(parsed.Author)
			a.ArticleDate = strings.TrimSpace(parsed.PubDate)
			a.Summary = firstNonEmpty(parsed.Summary, feedSummary)
		}
	}

	if r.isPlaceholder(a.Title) {
		r.log.WarnObj("block placeholder title, using feed data", "item_placeholder_title", map[string]any{
			"source": src.ID,
			"url":    item.Link,
			"title":  a.Title,
		})
		a.Title, a.Summary = feedTitle, feedSummary
		a.Body, a.Author, a.ArticleDate = "", "", ""
		if a.Title == "" || r.isPlaceholder(a.Title) {
			return r.skip(item, ReasonPlaceholder)
		}
	}

	if a.Title == "" {
		a.Title = titleFromURL(item.Link)
	}
	if a.Title == "" && a.Body == "" {
		return r.skip(item, ReasonEmpty)
	}

	saved, err := r.deps.Store.Insert(ctx, a)
	if err != nil {
		r.log.ErrorObj("article insert failed", "item_store_failed", map[string]any{
			"source": src.ID,
			"url":    item.Link,
			"error":  err,
		})
		return r.skip(item, ReasonStoreError)
	}
	if !saved {
		return r.skip(item, ReasonDuplicate)
	}

	r.publish(ctx, a)
	r.log.InfoObj("article saved", "item_saved", map[string]any{
		"source":   src.ID,
		"url":      item.Link,
		"has_body": a.Body != "",
	})
	return Outcome{Saved: true, Article: a}
}

func (r *Runner) skip(item domain.FeedItem, reason string) Outcome {
	r.log.DebugObj("item skipped", "item_skipped", map[string]any{
		"source": item.SourceID,
		"url":    item.Link,
		"reason": reason,
	})
	return Outcome{Reason: reason}
}

// fetchDocument returns nil when nothing usable came back, including when the fetcher panics.
func (r *Runner) fetchDocument(ctx context.Context, sourceID, link string) (doc *goquery.Document) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorObj("fetch panicked, using feed data", "item_fetch_panic", map[string]any{
				"source": sourceID,
				"url":    link,
				"panic":  fmt.Sprint(rec),
			})
			doc = nil
		}
	}()

	res := r.deps.Fetcher.FetchArticleDocument(ctx, sourceID, link)
	if !res.OK() {
		r.log.InfoObj("no document, using feed data", "item_fetch_failed", map[string]any{
			"source":   sourceID,
			"url":      link,
			"strategy": string(res.Strategy),
			"reason":   res.Reason,
		})
		return nil
	}
	return res.Doc
}

// parse returns an empty result when the parser fails or panics.
func (r *Runner) parse(p parsers.Parser, doc *goquery.Document, sourceID, link string) (out domain.ParsedArticle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorObj("parser panicked", "item_parse_panic", map[string]any{
				"source": sourceID,
				"url":    link,
				"panic":  fmt.Sprint(rec),
			})
			out = domain.ParsedArticle{}
		}
	}()

	parsed, err := p.Parse(doc)
	if err != nil {
		r.log.WarnObj("parser failed", "item_parse_failed", map[string]any{
			"source": sourceID,
			"url":    link,
			"error":  err,
		})
		return domain.ParsedArticle{}
	}
	if parsed.Empty() {
		r.log.InfoObj("parser found nothing, keeping feed data", "item_parse_empty", map[string]any{
			"source": sourceID,
			"url":    link,
		})
	}
	return parsed
}

func (r *Runner) publish(ctx context.Context, a domain.Article) {
	if r.deps.Events == nil {
		return
	}
	evt := publishers.Event{
		SourceID:    a.SourceID,
		URL:         a.URL,
		Title:       a.Title,
		Summary:     a.Summary,
		Author:      a.Author,
		FeedDate:    a.FeedDate,
		ArticleDate: a.ArticleDate,
		IngestedAt:  r.now().UTC(),
	}
	if err := r.deps.Events.Publish(ctx, evt); err != nil {
		r.log.WarnObj("ingest event not delivered", "item_publish_failed", map[string]any{
			"source": a.SourceID,
			"url":    a.URL,
			"error":  err,
		})
	}
}

func (r *Runner) isPlaceholder(title string) bool {
	_, ok := r.placeholders[strings.TrimSpace(title)]
	return ok
}

// RunCycle collects once and processes every new item. Invalid source configuration is the only
// fatal condition; it is returned wrapped around sources.ErrInvalidConfig.
func (r *Runner) RunCycle(ctx context.Context) (Stats, error) {
	start := r.now()
	stats := newStats()

	if err := r.deps.Sources.Validate(); err != nil {
		r.log.ErrorObj("source configuration invalid", "cycle_config_invalid", map[string]any{"error": err})
		return stats, fmt.Errorf("validate sources: %w", err)
	}
	if err := r.deps.Store.Init(ctx); err != nil {
		return stats, fmt.Errorf("init article store: %w", err)
	}

	r.log.InfoObj("cycle started", "cycle_started", nil)
	for item := range r.deps.Collector.Collect(ctx) {
		if ctx.Err() != nil {
			break
		}
		out := r.ProcessItem(ctx, item)
		stats.add(item.SourceID, out.Saved)
		r.deps.Metrics.ItemProcessed(item.SourceID, out.label())
	}

	elapsed := r.now().Sub(start)
	r.deps.Metrics.CycleCompleted(elapsed)
	r.logStats(stats, elapsed)
	return stats, ctx.Err()
}

func (r *Runner) logStats(stats Stats, elapsed time.Duration) {
	for _, s := range stats.Sources {
		r.log.InfoObj("source summary", "cycle_source_summary", map[string]any{
			"source":  s.SourceID,
			"total":   s.Total,
			"saved":   s.Saved,
			"skipped": s.Skipped,
		})
	}
	r.log.InfoObj("cycle finished", "cycle_summary", map[string]any{
		"total":       stats.Total,
		"saved":       stats.Saved,
		"skipped":     stats.Skipped,
		"sources":     len(stats.Sources),
		"duration_ms": elapsed.Milliseconds(),
	})
}

// Loop runs cycles back to back with interval in between until ctx is done or the source
// configuration turns invalid. Other cycle errors are logged and the loop carries on.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) error {
	for {
		_, err := r.RunCycle(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, sources.ErrInvalidConfig):
			return err
		case err != nil:
			r.log.ErrorObj("cycle failed", "cycle_failed", map[string]any{"error": err})
		}

		r.log.InfoObj("sleeping until next cycle", "loop_sleep", map[string]any{
			"interval": interval.String(),
		})
		if err := r.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// deriveTitle walks the feed title, summary, description and finally the URL slug.
func deriveTitle(item domain.FeedItem) string {
	if t := firstNonEmpty(item.Title, item.Summary, item.Description); t != "" {
		return t
	}
	return titleFromURL(item.Link)
}

// titleFromURL turns the last path segment into a sentence, e.g.
// "/news/poison-the-plate-4044126.html" becomes "Poison the plate".
func titleFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	slug := path.Base(strings.TrimRight(u.Path, "/"))
	if slug == "." || slug == "/" {
		return ""
	}
	if i := strings.Index(slug, "."); i >= 0 {
		slug = slug[:i]
	}

	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_' || unicode.IsSpace(r)
	})
	for len(words) > 1 && isDigits(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return ""
	}

	s := strings.Join(words, " ")
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + s[size:]
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
