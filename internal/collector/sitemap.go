package collector

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
)

// maxSitemapDepth bounds how deep sitemap indexes are followed.
const maxSitemapDepth = 2

type googleNewsSitemap struct {
	URLs []googleNewsURL `xml:"url"`
}

type googleNewsURL struct {
	Loc     string           `xml:"loc"`
	LastMod string           `xml:"lastmod"`
	News    googleNewsDetail `xml:"news"`
}

type googleNewsDetail struct {
	PublicationDate string `xml:"publication_date"`
	Title           string `xml:"title"`
	Keywords        string `xml:"keywords"`
}

type sitemapIndex struct {
	Sitemaps []sitemapIndexEntry `xml:"sitemap"`
}

type sitemapIndexEntry struct {
	Loc string `xml:"loc"`
}

func parseGoogleNewsSitemap(data []byte) ([]googleNewsURL, error) {
	var sitemap googleNewsSitemap
	if err := xml.Unmarshal(data, &sitemap); err != nil {
		return nil, err
	}
	return sitemap.URLs, nil
}

// parseSitemapIndex returns the nested sitemap URLs of an index file.
func parseSitemapIndex(data []byte) ([]string, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(data, &index); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(index.Sitemaps))
	for _, entry := range index.Sitemaps {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls, nil
}

// collectSitemap turns a Google News sitemap, or an index of them, into feed items.
func (c *Collector) collectSitemap(ctx context.Context, sourceID, sitemapURL string, body []byte) []domain.FeedItem {
	visited := map[string]struct{}{sitemapURL: {}}
	entries := c.walkSitemap(ctx, sourceID, sitemapURL, body, visited, 0)
	return c.normalize(sourceID, entries)
}

func (c *Collector) walkSitemap(ctx context.Context, sourceID, sitemapURL string, body []byte, visited map[string]struct{}, depth int) []rawEntry {
	if rootElement(body) != "sitemapindex" {
		urls, err := parseGoogleNewsSitemap(body)
		if err != nil {
			c.log.WarnObj("sitemap parse failed", "sitemap_parse_error", map[string]any{
				"source":  sourceID,
				"sitemap": sitemapURL,
				"error":   err,
			})
			return nil
		}
		return sitemapEntries(urls)
	}

	children, err := parseSitemapIndex(body)
	if err != nil {
		c.log.WarnObj("sitemap index parse failed", "sitemap_index_parse_error", map[string]any{
			"source":  sourceID,
			"sitemap": sitemapURL,
			"error":   err,
		})
		return nil
	}
	if depth >= maxSitemapDepth {
		c.log.WarnObj("sitemap index too deep, not following", "sitemap_depth_exceeded", map[string]any{
			"source":  sourceID,
			"sitemap": sitemapURL,
		})
		return nil
	}

	var out []rawEntry
	for _, child := range children {
		if _, ok := visited[child]; ok {
			continue
		}
		visited[child] = struct{}{}
		if ctx.Err() != nil {
			break
		}

		childBody, err := c.download(ctx, child)
		if err != nil {
			c.log.WarnObj("sitemap fetch failed", "sitemap_fetch_error", map[string]any{
				"source":  sourceID,
				"sitemap": child,
				"error":   err,
			})
			continue
		}
		out = append(out, c.walkSitemap(ctx, sourceID, child, []byte(cleanEntities(string(childBody))), visited, depth+1)...)
	}
	return out
}

func sitemapEntries(urls []googleNewsURL) []rawEntry {
	entries := make([]rawEntry, 0, len(urls))
	for _, u := range urls {
		e := rawEntry{
			Link:       u.Loc,
			Title:      u.News.Title,
			RawPub:     u.News.PublicationDate,
			RawUpdated: u.LastMod,
		}
		if t, ok := parsePublicationDate(u.News.PublicationDate); ok {
			e.Published = &t
		}
		entries = append(entries, e)
	}
	return entries
}

// parsePublicationDate accepts the W3C datetime forms sitemaps use.
func parsePublicationDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
