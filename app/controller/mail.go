package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-mailer/app/dto"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/queue"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

type deliverer interface {
	Deliver(ctx context.Context, raw []byte) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, msg queue.OutboundMessage) error
}

type MailController struct {
	deliverer deliverer
	producer  publisher
}

// NewMailController constructs the HTTP mail controller. producer may be nil
// when no Redis stream is configured.
func NewMailController(deliverer deliverer, producer publisher) *MailController {
	return &MailController{deliverer: deliverer, producer: producer}
}

// Deliver accepts a message for asynchronous delivery by this process.
func (c *MailController) Deliver(ctx echo.Context) error {
	req, err := dto.FromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	reqCtx := ctx.Request().Context()
	if req.RequestID != "" {
		reqCtx = service.WithRequestID(reqCtx, req.RequestID)
	}

	deliveryID, err := c.deliverer.Deliver(reqCtx, []byte(req.Message))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMessage), errors.Is(err, entity.ErrConfiguration):
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, service.ErrDuplicateDelivery):
			return ctx.JSON(http.StatusConflict, map[string]string{"error": "duplicate request"})
		default:
			return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to accept message"})
		}
	}

	return ctx.JSON(http.StatusAccepted, map[string]string{"delivery_id": deliveryID})
}

// Enqueue hands a message to the outbound stream for any mailer consumer.
func (c *MailController) Enqueue(ctx echo.Context) error {
	if c.producer == nil {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "outbound stream not configured"})
	}

	req, err := dto.FromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := c.producer.Publish(ctx.Request().Context(), queue.OutboundMessage{
		RequestID: req.RequestID,
		Message:   req.Message,
	}); err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to queue message"})
	}

	return ctx.JSON(http.StatusAccepted, map[string]string{"message": "message queued"})
}
