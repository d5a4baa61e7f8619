// Package sqs publishes delivery events for downstream consumers
// (analytics, audit, webhooks owned by other teams).
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// DeliveryEvent describes one recorded attempt on a queue entry.
type DeliveryEvent struct {
	NotificationID    string    `json:"notification_id"`
	EntryID           string    `json:"entry_id"`
	UserID            string    `json:"user_id"`
	NotificationType  string    `json:"notification_type"`
	Channel           string    `json:"channel"`
	Status            string    `json:"status"`
	Attempts          int       `json:"attempts"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends delivery events to one queue.
type Publisher struct {
	client   sendAPI
	queueURL string
	logger   *zap.Logger
}

func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newPublisher(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

func newPublisher(client sendAPI, queueURL string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishDelivery sends one event. Channel and status are copied into
// message attributes so subscribers can filter without parsing the body.
func (p *Publisher) PublishDelivery(ctx context.Context, ev DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {DataType: aws.String("String"), StringValue: aws.String(ev.Channel)},
			"status":  {DataType: aws.String("String"), StringValue: aws.String(ev.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("delivery event published",
		zap.String("entry_id", ev.EntryID),
		zap.String("status", ev.Status),
		zap.String("sqs_message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
