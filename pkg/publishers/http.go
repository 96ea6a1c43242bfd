package publishers

import (
	"context"
	"fmt"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/go-resty/resty/v2"
)

type httpPublisher struct {
	id      string
	url     string
	method  string
	headers map[string]string
	client  *resty.Client
	log     logger.Logger
}

func newHTTPPublisher(_ context.Context, cfg PublisherConfig, log logger.Logger) (Publisher, error) {
	if cfg.HTTP == nil {
		return nil, fmt.Errorf("publisher %q missing http configuration", cfg.ID)
	}
	return &httpPublisher{
		id:      cfg.ID,
		url:     cfg.HTTP.URL,
		method:  cfg.HTTP.Method,
		headers: cfg.HTTP.Headers,
		client:  resty.New().SetTimeout(time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second),
		log:     logger.Ensure(log),
	}, nil
}

func (p *httpPublisher) ID() string   { return p.id }
func (p *httpPublisher) Type() string { return TypeHTTP }

// Publish sends the event as a JSON body. Any non-2xx answer is an error.
func (p *httpPublisher) Publish(ctx context.Context, evt Event) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(p.headers).
		SetHeader("Content-Type", "application/json").
		SetBody(evt).
		Execute(p.method, p.url)
	if err != nil {
		return fmt.Errorf("http publish: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("http publish: unexpected status %d", resp.StatusCode())
	}
	p.log.DebugObj("http publisher delivered event", "publisher_http_delivery", map[string]any{
		"event_id": evt.ID,
		"status":   resp.StatusCode(),
	})
	return nil
}

func (p *httpPublisher) Close() error { return nil }
