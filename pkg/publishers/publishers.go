package publishers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/google/uuid"
)

// EventArticleIngested is the type of the event sent for every saved article.
const EventArticleIngested = "article.ingested"

// Event announces a newly stored article. Topic is never set at ingest time.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Author      string    `json:"author,omitempty"`
	FeedDate    string    `json:"feed_date,omitempty"`
	ArticleDate string    `json:"article_date,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Publisher delivers events to one sink.
type Publisher interface {
	ID() string
	Type() string
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Fanout sends each event to every configured publisher. A nil Fanout publishes nothing.
type Fanout struct {
	pubs []Publisher
	log  logger.Logger
	now  func() time.Time
}

// NewFanout wraps the given publishers.
func NewFanout(pubs []Publisher, log logger.Logger) *Fanout {
	return &Fanout{pubs: pubs, log: logger.Ensure(log), now: time.Now}
}

// Setup builds the fan-out from the publishers file. An empty path yields an empty fan-out.
func Setup(ctx context.Context, path string, log logger.Logger) (*Fanout, error) {
	log = logger.Ensure(log)
	if path == "" {
		return NewFanout(nil, log), nil
	}

	cfgs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	pubs, err := BuildAll(ctx, DefaultRegistry(), Enabled(cfgs), log)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pubs))
	for _, p := range pubs {
		ids = append(ids, p.ID())
	}
	log.InfoObj("publishers ready", "publishers_ready", map[string]any{"publishers": ids})
	return NewFanout(pubs, log), nil
}

// Len reports how many publishers are attached.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.pubs)
}

// Publish stamps the event with an id, type and time when missing, then delivers it to every
// publisher. One sink failing does not stop the others; all failures are returned joined.
func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	if f.Len() == 0 {
		return nil
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Type == "" {
		evt.Type = EventArticleIngested
	}
	if evt.IngestedAt.IsZero() {
		evt.IngestedAt = f.now().UTC()
	}

	var errs []error
	for _, p := range f.pubs {
		if err := p.Publish(ctx, evt); err != nil {
			f.log.WarnObj("publisher failed", "publisher_failed", map[string]any{
				"publisher": p.ID(),
				"type":      p.Type(),
				"event_id":  evt.ID,
				"error":     err,
			})
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every publisher.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}
