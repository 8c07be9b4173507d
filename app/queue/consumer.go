package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

// Deliverer accepts a composed message for asynchronous delivery.
type Deliverer interface {
	Deliver(ctx context.Context, raw []byte) (string, error)
}

type OutboundConsumer struct {
	client       *redis.Client
	deliverer    Deliverer
	consumerName string
	log          *logrus.Entry
}

// NewOutboundConsumer constructs a Redis stream consumer.
func NewOutboundConsumer(client *redis.Client, deliverer Deliverer, consumerName string, log *logrus.Entry) *OutboundConsumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OutboundConsumer{
		client:       client,
		deliverer:    deliverer,
		consumerName: consumerName,
		log:          log.WithField("consumer", consumerName),
	}
}

// Run starts the consumer loop and blocks until context cancellation.
func (c *OutboundConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	c.log.Infof("Consumer started on stream %s", OutboundStream)

	// First drain pending messages, then switch to reading new ones.
	if err := c.drainPending(ctx); err != nil {
		if ctx.Err() != nil {
			c.log.Info("Consumer shutting down")
			return nil
		}
		c.log.WithError(err).Error("Draining pending messages failed")
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Consumer shutting down")
			return nil
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.consumerName,
			Streams:  []string{OutboundStream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				c.log.Info("Consumer shutting down")
				return nil
			}
			c.log.WithError(err).Error("XReadGroup failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.processMessage(ctx, msg)
			}
		}
	}
}

// drainPending re-offers each entry this consumer read but never acked,
// once. Reading resumes after the last entry seen, so one that fails again
// is left for the next start.
func (c *OutboundConsumer) drainPending(ctx context.Context) error {
	lastID := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.consumerName,
			Streams:  []string{OutboundStream, lastID},
			Count:    10,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		seen := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.processMessage(ctx, msg)
				lastID = msg.ID
				seen++
			}
		}
		if seen == 0 {
			return nil
		}
	}
}

// processMessage hands one message to the delivery engine. Accepted,
// malformed and duplicate messages are acked. Anything else, configuration
// errors included, stays pending and is offered again when the consumer
// next starts.
func (c *OutboundConsumer) processMessage(ctx context.Context, msg redis.XMessage) {
	requestID, _ := msg.Values["request_id"].(string)
	raw, _ := msg.Values["message"].(string)

	log := c.log.WithFields(logrus.Fields{"stream_id": msg.ID, "request_id": requestID})

	deliverCtx := ctx
	if requestID != "" {
		deliverCtx = service.WithRequestID(ctx, requestID)
	}

	deliveryID, err := c.deliverer.Deliver(deliverCtx, []byte(raw))
	switch {
	case err == nil:
		log.WithField("delivery_id", deliveryID).Info("Message accepted")
	case isPermanent(err):
		log.WithError(err).Error("Message rejected, dropping")
	default:
		log.WithError(err).Warn("Message not accepted, leaving pending")
		return
	}

	if err := c.client.XAck(ctx, OutboundStream, ConsumerGroup, msg.ID).Err(); err != nil {
		log.WithError(err).Error("XAck failed")
	}
}

// ensureGroup creates the stream and consumer group if missing.
func (c *OutboundConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, OutboundStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, service.ErrInvalidMessage) || errors.Is(err, service.ErrDuplicateDelivery)
}
