package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESProvider struct {
	client sesAPI
}

// NewSESProvider builds a provider that sends email via AWS SES.
func NewSESProvider(cfg aws.Config) *SESProvider {
	return &SESProvider{client: sesv2.NewFromConfig(cfg)}
}

// Send hands the raw message to SES with the envelope recipients as destinations.
func (p *SESProvider) Send(ctx context.Context, env Envelope) error {
	if len(env.To) == 0 {
		return fmt.Errorf("recipient is required")
	}
	if len(env.Message) == 0 {
		return fmt.Errorf("raw content is required")
	}

	_, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Message},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send raw email: %w", err)
	}

	return nil
}

func (p *SESProvider) Name() string {
	return "ses"
}
