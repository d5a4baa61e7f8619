package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

// ProtectedEmailSender wraps an EmailSender with a breaker. Permanent
// rejections say nothing about provider health and do not count.
type ProtectedEmailSender struct {
	sender  channel.EmailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedEmailSender(sender channel.EmailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEmailSender {
	return &ProtectedEmailSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedEmailSender) Name() string { return p.sender.Name() }

func (p *ProtectedEmailSender) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	done, err := p.breaker.Acquire()
	if err != nil {
		p.logger.Warn("circuit breaker rejected email", zap.String("breaker", p.breaker.Name()))
		return "", fmt.Errorf("%w: %s unavailable", err, p.breaker.Name())
	}

	id, err := p.sender.SendEmail(ctx, msg)
	done(err)
	return id, err
}

// ProtectedPushSender wraps a PushSender. A request counts as failed when
// the provider call errors or when every token failed for a reason other
// than the token being invalid.
type ProtectedPushSender struct {
	sender  channel.PushSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedPushSender(sender channel.PushSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPushSender {
	return &ProtectedPushSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedPushSender) Name() string { return p.sender.Name() }

func (p *ProtectedPushSender) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	done, err := p.breaker.Acquire()
	if err != nil {
		p.logger.Warn("circuit breaker rejected push", zap.String("breaker", p.breaker.Name()))
		return nil, fmt.Errorf("%w: %s unavailable", err, p.breaker.Name())
	}

	results, err := p.sender.SendPush(ctx, msg)
	if err != nil {
		done(err)
		return results, err
	}
	done(batchHealth(results))
	return results, nil
}

// batchHealth reduces per-token results to one verdict for the breaker:
// any token the provider actually handled proves it is up.
func batchHealth(results []channel.TokenResult) error {
	var last error
	for _, r := range results {
		if r.Err == nil || r.Invalid || channel.IsPermanent(r.Err) {
			return nil
		}
		last = r.Err
	}
	return last
}
