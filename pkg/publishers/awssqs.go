package publishers

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsClient is the subset of the SQS client the sender uses.
type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type awsSQSSender struct {
	queueURL string
	groupID  string
	client   sqsClient
	log      logger.Logger
}

func newAWSSQSSender(ctx context.Context, cfg *AWSSQSPublisherConfig, log logger.Logger) (queueSender, error) {
	if cfg == nil {
		return nil, errors.New("aws sqs configuration is missing")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.AWSCredentials)
	if err != nil {
		return nil, err
	}
	return &awsSQSSender{
		queueURL: cfg.QueueURL,
		groupID:  cfg.MessageGroupID,
		client:   sqs.NewFromConfig(awsCfg),
		log:      logger.Ensure(log),
	}, nil
}

// Send enqueues the payload. FIFO queues deduplicate on the event id.
func (s *awsSQSSender) Send(ctx context.Context, payload []byte, evt Event) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source_id":  {DataType: aws.String("String"), StringValue: aws.String(evt.SourceID)},
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(evt.Type)},
		},
	}
	if s.groupID != "" {
		input.MessageGroupId = aws.String(s.groupID)
		input.MessageDeduplicationId = aws.String(evt.ID)
	}

	resp, err := s.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message to sqs: %w", err)
	}
	s.log.DebugObj("sqs publisher delivered event", "publisher_sqs_delivery", map[string]any{
		"event_id":   evt.ID,
		"message_id": aws.ToString(resp.MessageId),
	})
	return nil
}

func (s *awsSQSSender) Close() error { return nil }
