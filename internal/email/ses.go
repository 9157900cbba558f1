package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClient sends through AWS SES v2.
type SESClient struct {
	api              SESAPI
	sender           domain.SubscriberEmail
	configurationSet string
}

// NewSESClient loads AWS config for region. Static credentials are used
// when both keys are set, otherwise the default chain applies. maxAttempts
// caps SDK-level attempts per send; 1 disables the SDK's retries.
func NewSESClient(ctx context.Context, region, accessKey, secretKey, configurationSet string, maxAttempts int, sender domain.SubscriberEmail) (*SESClient, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(maxAttempts),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: load AWS config: %w", err)
	}
	return NewSESClientWithAPI(sesv2.NewFromConfig(cfg), configurationSet, sender), nil
}

// NewSESClientWithAPI wires an existing SES client.
func NewSESClientWithAPI(api SESAPI, configurationSet string, sender domain.SubscriberEmail) *SESClient {
	return &SESClient{api: api, sender: sender, configurationSet: configurationSet}
}

func (c *SESClient) Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.sender.String()),
		Destination:      &types.Destination{ToAddresses: []string{recipient.String()}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(textBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if c.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.configurationSet)
	}

	out, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return &TransportError{Provider: "ses", Err: err}
	}

	logger.Debug("email sent", "provider", "ses", "recipient", recipient.String(), "message_id", aws.ToString(out.MessageId))
	return nil
}
