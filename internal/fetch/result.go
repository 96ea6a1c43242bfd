package fetch

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

// Result is the outcome of a document fetch. Doc is nil when nothing usable was obtained;
// Reason then says why.
type Result struct {
	Doc      *goquery.Document
	Strategy domain.Strategy
	Reason   string
}

// OK reports whether a document was obtained.
func (r Result) OK() bool { return r.Doc != nil }

func failed(strategy domain.Strategy, format string, args ...any) Result {
	return Result{Strategy: strategy, Reason: fmt.Sprintf(format, args...)}
}

// newDocument parses HTML and records the page URL on the document for relative link resolution.
func newDocument(body []byte, rawURL string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil {
		doc.Url = u
	}
	return doc, nil
}
