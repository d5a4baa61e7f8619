package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPushSender delivers push through SNS mobile platform endpoints. Device
// tokens registered for this provider are endpoint ARNs.
type SNSPushSender struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSPushSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSPushSender{client: sns.NewFromConfig(awsCfg), logger: logger}, nil
}

func (s *SNSPushSender) Name() string { return "sns" }

func (s *SNSPushSender) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	payload, err := snsPayload(msg)
	if err != nil {
		return nil, channel.Permanent(err)
	}

	results := make([]channel.TokenResult, 0, len(msg.Tokens))
	for _, arn := range msg.Tokens {
		out, err := s.client.Publish(ctx, &sns.PublishInput{
			TargetArn:        aws.String(arn),
			Message:          aws.String(payload),
			MessageStructure: aws.String("json"),
		})
		if err != nil {
			results = append(results, snsResult(arn, err))
			continue
		}
		results = append(results, channel.TokenResult{Token: arn, MessageID: aws.ToString(out.MessageId)})
	}
	return results, nil
}

func snsResult(arn string, err error) channel.TokenResult {
	err = fmt.Errorf("sns publish failed: %w", err)

	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	var invalid *types.InvalidParameterException
	switch {
	case errors.As(err, &disabled), errors.As(err, &notFound):
		return channel.TokenResult{Token: arn, Err: err, Invalid: true}
	case errors.As(err, &invalid):
		return channel.TokenResult{Token: arn, Err: channel.Permanent(err)}
	}
	return channel.TokenResult{Token: arn, Err: err}
}

// snsPayload builds the per-platform JSON message SNS expects when
// MessageStructure is "json".
func snsPayload(msg channel.PushMessage) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         msg.Data,
	})
	if err != nil {
		return "", err
	}

	apnsBody := map[string]any{
		"aps": map[string]any{"alert": map[string]string{"title": msg.Title, "body": msg.Body}},
	}
	for k, v := range msg.Data {
		if k != "aps" {
			apnsBody[k] = v
		}
	}
	apns, err := json.Marshal(apnsBody)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
