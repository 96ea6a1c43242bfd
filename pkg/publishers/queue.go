package publishers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
)

// queueSender is a provider-specific message sink.
type queueSender interface {
	Send(ctx context.Context, payload []byte, evt Event) error
	Close() error
}

type queuePublisher struct {
	id       string
	provider string
	sender   queueSender
	log      logger.Logger
}

func newQueuePublisher(ctx context.Context, cfg PublisherConfig, log logger.Logger) (Publisher, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("publisher %q missing queue configuration", cfg.ID)
	}
	log = logger.Ensure(log)

	var (
		sender queueSender
		err    error
	)
	switch cfg.Queue.Provider {
	case QueueProviderAWSSQS:
		sender, err = newAWSSQSSender(ctx, cfg.Queue.SQS, log)
	case QueueProviderAWSSNS:
		sender, err = newAWSSNSSender(ctx, cfg.Queue.SNS, log)
	case QueueProviderGCP:
		sender, err = newGCPPubSubSender(ctx, cfg.Queue.GCP, log)
	default:
		err = fmt.Errorf("queue provider %q is not supported", cfg.Queue.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &queuePublisher{id: cfg.ID, provider: cfg.Queue.Provider, sender: sender, log: log}, nil
}

func (p *queuePublisher) ID() string   { return p.id }
func (p *queuePublisher) Type() string { return TypeQueue }

// Publish encodes the event as JSON and hands it to the provider.
func (p *queuePublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.sender.Send(ctx, payload, evt); err != nil {
		return fmt.Errorf("queue provider %s send failed: %w", p.provider, err)
	}
	return nil
}

func (p *queuePublisher) Close() error { return p.sender.Close() }
