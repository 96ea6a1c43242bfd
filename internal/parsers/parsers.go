package parsers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"

	"github.com/PuerkitoBio/goquery"
)

// Parser extracts article fields from a fetched page. A nil document yields an empty result.
type Parser interface {
	Parse(doc *goquery.Document) (domain.ParsedArticle, error)
}

// Func adapts a function to Parser.
type Func func(doc *goquery.Document) (domain.ParsedArticle, error)

// Parse calls f.
func (f Func) Parse(doc *goquery.Document) (domain.ParsedArticle, error) { return f(doc) }

// Factory builds a parser. It may fail, in which case the source runs feed-only.
type Factory func() (Parser, error)

// DefaultFactories returns the built-in parsers by name.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"bbc":         func() (Parser, error) { return Func(ParseBBC), nil },
		"readability": func() (Parser, error) { return NewReadability(), nil },
		"meta":        func() (Parser, error) { return Func(ParseMeta), nil },
	}
}

// Registry maps source ids to their parser. Sources without an entry run feed-only.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Parser
}

// BuildRegistry resolves a parser for every source. Each resolution fails on its own: missing
// names and failing factories are logged once and leave the source out.
func BuildRegistry(list []sources.Source, factories map[string]Factory, log logger.Logger) *Registry {
	log = logger.Ensure(log)
	reg := &Registry{byID: make(map[string]Parser, len(list))}

	for _, src := range list {
		if !src.Mode.FetchesHTML() {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(src.ParserName()))

		factory, ok := factories[name]
		if !ok {
			log.WarnObj("no parser for source, running feed-only", "parser_missing", map[string]any{
				"source": src.ID,
				"parser": name,
			})
			continue
		}

		p, err := build(factory)
		if err != nil || p == nil {
			log.WarnObj("parser failed to load, running feed-only", "parser_load_failed", map[string]any{
				"source": src.ID,
				"parser": name,
				"error":  err,
			})
			continue
		}
		reg.byID[src.ID] = p
	}

	log.InfoObj("parsers resolved", "parsers_resolved", map[string]any{
		"sources": reg.IDs(),
	})
	return reg
}

func build(factory Factory) (p Parser, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("parser factory panic: %v", r)
		}
	}()
	return factory()
}

// Register sets the parser for a source id, replacing any existing one.
func (r *Registry) Register(sourceID string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[string]Parser)
	}
	r.byID[sourceID] = p
}

// For returns the parser registered for sourceID.
func (r *Registry) For(sourceID string) (Parser, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[sourceID]
	return p, ok
}

// IDs lists the sources that have a parser, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// text returns the selection's text with whitespace collapsed.
func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// spacedText is text with a space between child nodes, so adjacent inline elements don't merge.
func spacedText(s *goquery.Selection) string {
	var parts []string
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if t := strings.TrimSpace(c.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// metaContent returns the content attribute of the first element matching any selector.
func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if val, ok := node.Attr("content"); ok && strings.TrimSpace(val) != "" {
				return strings.TrimSpace(val)
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
