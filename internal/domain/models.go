package domain

import "time"

// Domain contains core models shared by the collector, fetchers, runner and store.

// FetchMode selects how article HTML is obtained for a source.
type FetchMode string

const (
	ModeRSSOnly FetchMode = "rss_only"
	ModeSimple  FetchMode = "simple"
	ModeHybrid  FetchMode = "hybrid"
	ModeBrowser FetchMode = "browser"
)

// Valid reports whether m is one of the recognised fetch modes.
func (m FetchMode) Valid() bool {
	switch m {
	case ModeRSSOnly, ModeSimple, ModeHybrid, ModeBrowser:
		return true
	}
	return false
}

// FetchesHTML reports whether the mode ever attempts an HTML fetch.
func (m FetchMode) FetchesHTML() bool {
	return m == ModeSimple || m == ModeHybrid || m == ModeBrowser
}

// Strategy names the fetcher that produced an outcome.
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyHTTP    Strategy = "http"
	StrategyBrowser Strategy = "browser"
)

// FeedItem is one normalized entry from a syndication feed. Empty strings mean absent.
type FeedItem struct {
	SourceID    string
	Link        string
	Title       string
	Summary     string
	Description string
	// FeedDate is RFC3339 when the feed carried a parseable time, otherwise the raw text.
	FeedDate string
}

// FetchOutcome is what a fetch strategy hands back. It is always a value, never nil.
type FetchOutcome struct {
	Body           []byte
	StatusCode     int
	SuspectedBlock bool
	Strategy       Strategy
	// Reason is a short diagnostic for failed or suspicious outcomes.
	Reason string
}

// HasBody reports whether any content came back.
func (o FetchOutcome) HasBody() bool { return len(o.Body) > 0 }

// ParsedArticle holds the fields a source parser extracted. Empty strings mean absent.
type ParsedArticle struct {
	Title   string
	Body    string
	Author  string
	PubDate string
	Summary string
}

// Empty reports whether the parser found nothing at all.
func (p ParsedArticle) Empty() bool {
	return p == ParsedArticle{}
}

// Article is the persisted representation of an ingested item.
type Article struct {
	ID          int64
	SourceID    string
	URL         string
	Title       string
	Body        string
	Author      string
	Summary     string
	Topic       string
	FeedDate    string
	ArticleDate string
	CreatedAt   time.Time
}
