package worker

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/lalithlochan/courier/internal/channel"
)

// fcmMaxTokens is the per-request token limit of SendEachForMulticast.
const fcmMaxTokens = 500

type multicastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender delivers push notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client      multicastClient
	webpushIcon string
	logger      *zap.Logger
}

type FCMConfig struct {
	CredentialsFile string
	WebpushIcon     string
}

func NewFCMSender(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("fcm sender initialized", zap.Bool("webpush_icon", cfg.WebpushIcon != ""))
	return &FCMSender{client: client, webpushIcon: cfg.WebpushIcon, logger: logger}, nil
}

func (s *FCMSender) Name() string { return "fcm" }

func (s *FCMSender) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	results := make([]channel.TokenResult, 0, len(msg.Tokens))

	for start := 0; start < len(msg.Tokens); start += fcmMaxTokens {
		end := min(start+fcmMaxTokens, len(msg.Tokens))
		tokens := msg.Tokens[start:end]

		resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       tokens,
			Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
			Webpush: &messaging.WebpushConfig{
				Notification: &messaging.WebpushNotification{Title: msg.Title, Body: msg.Body, Icon: s.webpushIcon},
			},
		})
		if err != nil {
			if len(results) == 0 {
				return nil, fmt.Errorf("fcm multicast failed: %w", err)
			}
			for _, t := range tokens {
				results = append(results, channel.TokenResult{Token: t, Err: fmt.Errorf("fcm multicast failed: %w", err)})
			}
			continue
		}

		for i, r := range resp.Responses {
			if i >= len(tokens) {
				break
			}
			results = append(results, fcmResult(tokens[i], r))
		}

		s.logger.Debug("fcm multicast sent",
			zap.Int("success", resp.SuccessCount),
			zap.Int("failure", resp.FailureCount),
		)
	}
	return results, nil
}

func fcmResult(token string, r *messaging.SendResponse) channel.TokenResult {
	if r.Success {
		return channel.TokenResult{Token: token, MessageID: r.MessageID}
	}

	res := channel.TokenResult{Token: token, Err: r.Error}
	switch {
	case messaging.IsUnregistered(r.Error), messaging.IsSenderIDMismatch(r.Error):
		res.Invalid = true
	case messaging.IsInvalidArgument(r.Error):
		res.Err = channel.Permanent(r.Error)
	}
	return res
}
