package parsers

import (
	"strings"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

const (
	bbcJunk = "script, style, noscript, iframe, aside, header nav, footer, .share, .social, .promo, .tags"

	minParagraphWords = 5
	maxParagraphWords = 200
	summaryParagraphs = 2
)

// ParseBBC extracts a BBC News article page.
func ParseBBC(doc *goquery.Document) (domain.ParsedArticle, error) {
	if doc == nil {
		return domain.ParsedArticle{}, nil
	}

	doc.Find(bbcJunk).Remove()

	var out domain.ParsedArticle
	out.Title = text(doc.Find("h1").First())

	out.Author = metaContent(doc, `meta[name="byl"]`)
	if out.Author == "" {
		for _, sel := range []string{`[data-component="byline"]`, ".ssrcss-1b8l8bp-Contributor", ".ssrcss-1hf3ou5-Contributor"} {
			if by := doc.Find(sel).First(); by.Length() > 0 {
				if t := spacedText(by); t != "" {
					out.Author = t
					break
				}
			}
		}
	}

	out.PubDate = metaContent(doc,
		`meta[property="article:published_time"]`,
		`meta[itemprop="datePublished"]`,
		`meta[name="OriginalPublicationDate"]`,
	)

	container := doc.Find("article").First()
	if container.Length() == 0 {
		container = doc.Find("main").First()
	}
	if container.Length() == 0 {
		container = doc.Find("div.ssrcss-1072xwf-ArticleWrapper").First()
	}
	if container.Length() == 0 {
		container = doc.Selection
	}

	blocks := container.Find("p")
	if blocks.Length() == 0 {
		blocks = container.Find(`[data-component="text-block"]`)
	}

	var parts []string
	blocks.Each(func(_ int, p *goquery.Selection) {
		if t := text(p); keepBBCParagraph(t) {
			parts = append(parts, t)
		}
	})

	out.Body = strings.TrimSpace(strings.Join(parts, "\n\n"))
	if len(parts) > 0 {
		out.Summary = strings.Join(parts[:min(summaryParagraphs, len(parts))], " ")
	}
	return out, nil
}

// keepBBCParagraph drops short or overlong blocks, brand stubs and media captions.
func keepBBCParagraph(t string) bool {
	if t == "" {
		return false
	}
	words := len(strings.Fields(t))
	if words < minParagraphWords || words > maxParagraphWords {
		return false
	}
	lower := strings.ToLower(t)
	switch {
	case strings.Contains(lower, "bbc") && words < 8:
		return false
	case strings.HasPrefix(lower, "image caption"), strings.HasPrefix(lower, "video caption"):
		return false
	}
	return true
}
