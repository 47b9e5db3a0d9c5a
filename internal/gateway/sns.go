package gateway

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"escrownotify/internal/config"
	"escrownotify/internal/types"
)

// SNSAPI is the subset of the SNS client used by SNSSender, extracted for
// testability.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender delivers SMS notifications by publishing directly to a phone
// number via AWS SNS.
type SNSSender struct {
	client   SNSAPI
	senderID string
	logger   *slog.Logger
}

// NewSNSSender creates an SNSSender on an existing SNS client.
func NewSNSSender(client SNSAPI, senderID string, logger *slog.Logger) *SNSSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SNSSender{
		client:   client,
		senderID: senderID,
		logger:   logger,
	}
}

// NewSNSSenderFromConfig resolves AWS credentials from the environment and
// builds an SNSSender. cfg.EndpointURL, when set, points the client at a
// local stack for development.
func NewSNSSenderFromConfig(ctx context.Context, cfg config.SMSConfig, logger *slog.Logger) (*SNSSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to load AWS configuration",
			err,
		)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	return NewSNSSender(client, cfg.SenderID, logger), nil
}

// Send renders the event's message body and publishes it to the recipient's
// phone number as a transactional SMS.
func (s *SNSSender) Send(ctx context.Context, req types.SendRequest) (types.SendResult, error) {
	body := RenderMessage(req.Event, req.Variables)

	input := &sns.PublishInput{
		PhoneNumber: aws.String(req.Phone),
		Message:     aws.String(body),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if s.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeUpstreamSMS,
			"SNS publish failed",
			err,
		)
	}

	s.logger.DebugContext(ctx, "sms published",
		"event", req.Event,
		"order_id", req.OrderID,
		"provider_message_id", aws.ToString(out.MessageId),
	)

	return types.SendResult{
		Success: true,
		Payload: map[string]any{
			"channel":             string(types.ChannelSMS),
			"provider_message_id": aws.ToString(out.MessageId),
		},
	}, nil
}
