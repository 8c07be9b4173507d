package preparer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// Builder turns a composed message into the first attempt of a logical send.
type Builder interface {
	Build(ctx context.Context, settings entity.DeliverySettings, raw []byte) (entity.DeliveryAttempt, error)
}

// Request is the working state passed through the preparer steps.
type Request struct {
	Raw       []byte
	MessageID string
	From      string
	To        []string
	Message   []byte
}

type Step interface {
	Prepare(ctx context.Context, req *Request) error
}

type Chain struct {
	steps []Step
}

// NewChain builds a request builder from steps.
func NewChain(steps ...Step) *Chain {
	return &Chain{steps: steps}
}

// NewDefaultChain parses the message and honours the routing override header.
func NewDefaultChain() *Chain {
	return NewChain(NewParseStep(), NewRoutingOverrideStep(RoutingOverrideHeader))
}

// Build validates settings, runs all steps, and returns attempt number one.
// Configuration problems are reported before anything else is looked at.
func (c *Chain) Build(ctx context.Context, settings entity.DeliverySettings, raw []byte) (entity.DeliveryAttempt, error) {
	if err := settings.Validate(); err != nil {
		return entity.DeliveryAttempt{}, err
	}
	if len(raw) == 0 {
		return entity.DeliveryAttempt{}, fmt.Errorf("message is empty")
	}

	req := &Request{Raw: raw, Message: raw}
	for _, step := range c.steps {
		if err := step.Prepare(ctx, req); err != nil {
			return entity.DeliveryAttempt{}, err
		}
	}

	if req.From == "" {
		return entity.DeliveryAttempt{}, fmt.Errorf("message has no sender")
	}
	if len(req.To) == 0 {
		return entity.DeliveryAttempt{}, fmt.Errorf("message has no recipients")
	}

	return entity.DeliveryAttempt{
		DeliveryID:    uuid.NewString(),
		MessageID:     req.MessageID,
		AttemptNumber: 1,
		Settings:      settings,
		From:          req.From,
		To:            req.To,
		Message:       string(req.Message),
	}, nil
}
