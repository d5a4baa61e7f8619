package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers email through Amazon SES.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	body := &types.Body{
		Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
	}
	if msg.HTML != nil {
		body.Html = &types.Content{Data: msg.HTML, Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if msg.Tag != "" {
		input.Tags = []types.MessageTag{{Name: aws.String("type"), Value: aws.String(sesTagValue(msg.Tag))}}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		err = fmt.Errorf("ses send failed: %w", err)
		if sesPermanent(err) {
			return "", channel.Permanent(err)
		}
		return "", err
	}

	id := aws.ToString(result.MessageId)
	s.logger.Debug("email sent via SES", zap.String("message_id", id))
	return id, nil
}

// sesPermanent reports rejections that retrying cannot fix.
func sesPermanent(err error) bool {
	var rejected *types.MessageRejected
	var unverified *types.MailFromDomainNotVerifiedException
	var noConfigSet *types.ConfigurationSetDoesNotExistException
	return errors.As(err, &rejected) || errors.As(err, &unverified) || errors.As(err, &noConfigSet)
}

// sesTagValue keeps only the characters SES accepts in tag values.
func sesTagValue(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
