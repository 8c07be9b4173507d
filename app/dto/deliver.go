package dto

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	maxRequestIDLength = 128
	MaxMessageSize     = 10 << 20
)

var (
	ErrMissingMessage   = errors.New("message is required")
	ErrRequestIDTooLong = errors.New("request_id must be at most 128 characters")
	ErrMessageTooLarge  = errors.New("message must be at most 10 MiB")
)

// DeliverRequest carries a composed RFC 5322 message. RequestID is optional
// and, when set, guards against duplicate submission.
type DeliverRequest struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// FromEchoContext binds and normalizes a request from Echo.
func FromEchoContext(ctx echo.Context) (DeliverRequest, error) {
	var req DeliverRequest
	if err := ctx.Bind(&req); err != nil {
		return DeliverRequest{}, err
	}
	req.normalize()
	return req, nil
}

// FromGRPC converts and normalizes a gRPC request. Non-string fields read as
// empty.
func FromGRPC(req *structpb.Struct) DeliverRequest {
	fields := req.GetFields()
	r := DeliverRequest{
		RequestID: fields["request_id"].GetStringValue(),
		Message:   fields["message"].GetStringValue(),
	}
	r.normalize()
	return r
}

// Validate checks required fields and size constraints.
func (r *DeliverRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrMissingMessage
	}
	if len(r.RequestID) > maxRequestIDLength {
		return ErrRequestIDTooLong
	}
	if len(r.Message) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return nil
}

// normalize trims the request ID. The message is left byte for byte.
func (r *DeliverRequest) normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
}
