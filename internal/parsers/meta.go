package parsers

import (
	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

// ParseMeta reads only page metadata: Open Graph and article tags. It never fills Body, so
// items parsed with it keep a title and summary but no text.
func ParseMeta(doc *goquery.Document) (domain.ParsedArticle, error) {
	if doc == nil {
		return domain.ParsedArticle{}, nil
	}

	return domain.ParsedArticle{
		Title: firstNonEmpty(
			metaContent(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`),
			text(doc.Find("title").First()),
		),
		Summary: metaContent(doc,
			`meta[property="og:description"]`,
			`meta[name="description"]`,
		),
		Author: metaContent(doc,
			`meta[name="author"]`,
			`meta[property="article:author"]`,
			`meta[name="byl"]`,
		),
		PubDate: metaContent(doc,
			`meta[property="article:published_time"]`,
			`meta[itemprop="datePublished"]`,
			`meta[name="pubdate"]`,
		),
	}, nil
}
