package publishers

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsClient is the subset of the SNS client the sender uses.
type snsClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type awsSNSSender struct {
	topicARN string
	client   snsClient
	log      logger.Logger
}

func newAWSSNSSender(ctx context.Context, cfg *AWSSNSPublisherConfig, log logger.Logger) (queueSender, error) {
	if cfg == nil {
		return nil, errors.New("aws sns configuration is missing")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.AWSCredentials)
	if err != nil {
		return nil, err
	}
	return &awsSNSSender{
		topicARN: cfg.TopicARN,
		client:   sns.NewFromConfig(awsCfg),
		log:      logger.Ensure(log),
	}, nil
}

// Send publishes the payload with the source id as a filterable attribute.
func (s *awsSNSSender) Send(ctx context.Context, payload []byte, evt Event) error {
	resp, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source_id":  {DataType: aws.String("String"), StringValue: aws.String(evt.SourceID)},
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(evt.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to sns: %w", err)
	}
	s.log.DebugObj("sns publisher delivered event", "publisher_sns_delivery", map[string]any{
		"event_id":   evt.ID,
		"message_id": aws.ToString(resp.MessageId),
	})
	return nil
}

func (s *awsSNSSender) Close() error { return nil }
