package collector

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/httpclient"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

const (
	defaultUserAgent = "KhoborIngest/1.0 (+https://github.com/Adda-Baaj/khobor-ingest)"
	defaultTimeout   = 15 * time.Second
)

// SourceList yields the sources to collect, in configuration order.
type SourceList interface {
	Enabled() []sources.Source
}

// SeenStore is the durable set of links accepted in earlier runs.
type SeenStore interface {
	IsSeen(url string) (bool, error)
	MarkSeen(url string) error
}

// Options configures the collector.
type Options struct {
	UserAgent string
	Timeout   time.Duration
}

// Collector fetches the feeds of every enabled source and emits new items.
type Collector struct {
	sources   SourceList
	seen      SeenStore
	client    httpclient.Client
	log       logger.Logger
	userAgent string
	timeout   time.Duration
	strip     *bluemonday.Policy
}

// New builds a collector. A nil client gets a resty client with the configured timeout.
func New(list SourceList, seen SeenStore, client httpclient.Client, opts Options, log logger.Logger) *Collector {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if client == nil {
		client = httpclient.NewRestyClient(opts.Timeout)
	}
	return &Collector{
		sources:   list,
		seen:      seen,
		client:    client,
		log:       logger.Ensure(log),
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		strip:     bluemonday.StrictPolicy(),
	}
}

// Collect lazily yields new feed items across all enabled sources: source order, then feed
// order, then entry order. Each yielded link is marked seen before it is handed out, and no
// link is yielded twice in one call. Feed failures are logged and skipped.
func (c *Collector) Collect(ctx context.Context) iter.Seq[domain.FeedItem] {
	return func(yield func(domain.FeedItem) bool) {
		emitted := make(map[string]struct{})

		for _, src := range c.sources.Enabled() {
			for _, feedURL := range src.Feeds {
				if ctx.Err() != nil {
					return
				}

				items := c.fetchFeed(ctx, src.ID, feedURL)
				accepted := 0
				for _, item := range items {
					if !c.accept(item, emitted) {
						continue
					}
					accepted++
					if !yield(item) {
						return
					}
				}

				c.log.InfoObj("feed collected", "feed_collected", map[string]any{
					"source":   src.ID,
					"feed":     feedURL,
					"entries":  len(items),
					"accepted": accepted,
				})
			}
		}
	}
}

// accept applies the link and dedup rules and marks accepted links seen.
func (c *Collector) accept(item domain.FeedItem, emitted map[string]struct{}) bool {
	if item.Link == "" {
		return false
	}
	if _, dup := emitted[item.Link]; dup {
		return false
	}

	if c.seen != nil {
		seen, err := c.seen.IsSeen(item.Link)
		if err != nil {
			c.log.WarnObj("seen lookup failed", "seen_lookup_error", map[string]any{
				"url":   item.Link,
				"error": err,
			})
		}
		if seen {
			return false
		}
		if err := c.seen.MarkSeen(item.Link); err != nil {
			c.log.WarnObj("mark seen failed", "seen_mark_error", map[string]any{
				"url":   item.Link,
				"error": err,
			})
		}
	}

	emitted[item.Link] = struct{}{}
	return true
}

// fetchFeed downloads and parses one feed URL. Errors are logged and yield no items.
func (c *Collector) fetchFeed(ctx context.Context, sourceID, feedURL string) []domain.FeedItem {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return nil
	}

	body, err := c.download(ctx, feedURL)
	if err != nil {
		c.log.WarnObj("feed fetch failed", "feed_fetch_error", map[string]any{
			"source": sourceID,
			"feed":   feedURL,
			"error":  err,
		})
		return nil
	}

	body = []byte(cleanEntities(string(body)))

	switch rootElement(body) {
	case "urlset", "sitemapindex":
		return c.collectSitemap(ctx, sourceID, feedURL, body)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		c.log.WarnObj("malformed feed, scanning leniently", "feed_bozo", map[string]any{
			"source": sourceID,
			"feed":   feedURL,
			"error":  err,
		})
		return c.normalize(sourceID, lenientScan(body))
	}

	entries := make([]rawEntry, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		entries = append(entries, fromGofeed(it))
	}
	return c.normalize(sourceID, entries)
}

func (c *Collector) download(ctx context.Context, feedURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Get(reqCtx, feedURL, map[string]string{
		"User-Agent": c.userAgent,
		"Accept":     "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d body: %s", resp.StatusCode(), snippet(resp.Body()))
	}
	if len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil, fmt.Errorf("feed returned empty body")
	}
	return resp.Body(), nil
}

// rawEntry is a feed entry before normalization, whatever format it came from.
type rawEntry struct {
	Link        string
	Title       string
	Summary     string
	Description string
	Published   *time.Time
	Updated     *time.Time
	RawPub      string
	RawUpdated  string
}

func fromGofeed(it *gofeed.Item) rawEntry {
	link := it.Link
	if strings.TrimSpace(link) == "" {
		for _, l := range it.Links {
			if strings.TrimSpace(l) != "" {
				link = l
				break
			}
		}
	}
	return rawEntry{
		Link:        link,
		Title:       it.Title,
		Summary:     it.Description,
		Description: it.Content,
		Published:   it.PublishedParsed,
		Updated:     it.UpdatedParsed,
		RawPub:      it.Published,
		RawUpdated:  it.Updated,
	}
}

func (c *Collector) normalize(sourceID string, entries []rawEntry) []domain.FeedItem {
	items := make([]domain.FeedItem, 0, len(entries))
	for _, e := range entries {
		link := strings.TrimSpace(e.Link)
		if link == "" {
			continue
		}
		items = append(items, domain.FeedItem{
			SourceID:    sourceID,
			Link:        link,
			Title:       strings.TrimSpace(cleanEntities(e.Title)),
			Summary:     c.stripMarkup(e.Summary),
			Description: c.stripMarkup(e.Description),
			FeedDate:    feedDate(e),
		})
	}
	return items
}

// stripMarkup cleans entities, drops all tags and collapses whitespace.
func (c *Collector) stripMarkup(s string) string {
	s = cleanEntities(s)
	if strings.TrimSpace(s) == "" {
		return ""
	}
	s = html.UnescapeString(c.strip.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// feedDate prefers structured times, then the raw published/updated text.
func feedDate(e rawEntry) string {
	switch {
	case e.Published != nil && !e.Published.IsZero():
		return e.Published.UTC().Format(time.RFC3339)
	case e.Updated != nil && !e.Updated.IsZero():
		return e.Updated.UTC().Format(time.RFC3339)
	case strings.TrimSpace(e.RawPub) != "":
		return strings.TrimSpace(e.RawPub)
	default:
		return strings.TrimSpace(e.RawUpdated)
	}
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&#160;", " ",
	"&ensp;", " ",
	"&emsp;", " ",
	"&thinsp;", " ",
	"&mdash;", "-",
	"&ndash;", "-",
	"&lsquo;", "'",
	"&rsquo;", "'",
	"&ldquo;", `"`,
	"&rdquo;", `"`,
)

// cleanEntities applies the fixed substitution table. Entities XML does not define would
// otherwise make strict parsers reject the whole document.
func cleanEntities(s string) string {
	return entityReplacer.Replace(s)
}

// rootElement returns the local name of the first element in an XML document.
func rootElement(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.ToLower(se.Name.Local)
		}
	}
}

func snippet(body []byte) string {
	const maxLen = 256
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
