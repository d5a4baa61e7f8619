package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

// LogSender logs messages instead of delivering them. It stands in for
// both providers in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	if msg.To == "" {
		return "", channel.Permanent(fmt.Errorf("email has no recipient"))
	}
	id := "log-" + uuid.NewString()
	s.logger.Info("email sent",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Bool("html", msg.HTML != nil),
	)
	return id, nil
}

func (s *LogSender) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	results := make([]channel.TokenResult, len(msg.Tokens))
	for i, t := range msg.Tokens {
		results[i] = channel.TokenResult{Token: t, MessageID: "log-" + uuid.NewString()}
	}
	s.logger.Info("push sent",
		zap.String("title", msg.Title),
		zap.Int("devices", len(msg.Tokens)),
	)
	return results, nil
}
