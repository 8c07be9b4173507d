package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type OutboundProducer struct {
	client *redis.Client
}

// NewOutboundProducer constructs a Redis stream producer.
func NewOutboundProducer(client *redis.Client) *OutboundProducer {
	return &OutboundProducer{client: client}
}

// Publish pushes a composed message onto the outbound stream.
func (p *OutboundProducer) Publish(ctx context.Context, msg OutboundMessage) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: OutboundStream,
		Values: map[string]interface{}{
			"request_id": msg.RequestID,
			"message":    msg.Message,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", OutboundStream, err)
	}
	return nil
}
