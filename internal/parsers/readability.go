package parsers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Readability extracts the main content of arbitrary article pages.
type Readability struct{}

// NewReadability returns the generic content extractor.
func NewReadability() *Readability { return &Readability{} }

// Parse runs readability over the rendered page. The document URL, when set, resolves relative links.
func (Readability) Parse(doc *goquery.Document) (domain.ParsedArticle, error) {
	if doc == nil {
		return domain.ParsedArticle{}, nil
	}

	page, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return domain.ParsedArticle{}, fmt.Errorf("render document: %w", err)
	}

	pageURL := doc.Url
	if pageURL == nil {
		pageURL = &url.URL{}
	}

	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(page), pageURL)
	if err != nil {
		return domain.ParsedArticle{}, fmt.Errorf("readability: %w", err)
	}

	return domain.ParsedArticle{
		Title:   strings.TrimSpace(article.Title),
		Body:    paragraphs(article.TextContent),
		Author:  strings.TrimSpace(article.Byline),
		Summary: strings.Join(strings.Fields(article.Excerpt), " "),
		PubDate: metaContent(doc,
			`meta[property="article:published_time"]`,
			`meta[itemprop="datePublished"]`,
		),
	}, nil
}

// paragraphs trims each line and separates non-empty lines with a blank line.
func paragraphs(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "\n\n")
}
