package service

import (
	"context"
	"strings"
)

type requestIDKey struct{}

// WithRequestID stores the caller's request ID in the context. It doubles as
// the idempotency key for a submitted message.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(requestIDKey{}).(string)
	if !ok || requestID == "" {
		return "", false
	}
	return requestID, true
}
