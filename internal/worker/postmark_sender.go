package worker

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

// Postmark API error codes that mean the message can never be delivered.
// https://postmarkapp.com/developer/api/overview#error-codes
const (
	postmarkInvalidEmailRequest = 300
	postmarkInactiveRecipient   = 406
	postmarkSenderNotConfirmed  = 400
)

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkSender delivers email through Postmark's transactional API.
type PostmarkSender struct {
	client postmarkAPI
	from   string
	logger *zap.Logger
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
}

func NewPostmarkSender(cfg PostmarkConfig, logger *zap.Logger) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("postmark sender address is required")
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *PostmarkSender) Name() string { return "postmark" }

func (s *PostmarkSender) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	email := postmark.Email{
		From:       s.from,
		To:         msg.To,
		Subject:    msg.Subject,
		TextBody:   msg.Body,
		Tag:        msg.Tag,
		TrackOpens: true,
	}
	if msg.HTML != nil {
		email.HTMLBody = *msg.HTML
	}

	resp, err := s.client.SendEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("postmark send failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		err := fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
		switch resp.ErrorCode {
		case postmarkInvalidEmailRequest, postmarkInactiveRecipient, postmarkSenderNotConfirmed:
			return "", channel.Permanent(err)
		}
		return "", err
	}

	s.logger.Debug("email sent via Postmark", zap.String("message_id", resp.MessageID))
	return resp.MessageID, nil
}
