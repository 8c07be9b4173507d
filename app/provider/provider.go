package provider

import "context"

// Envelope is what one send attempt hands to a transport: the SMTP envelope
// and the message bytes exactly as they go on the wire.
type Envelope struct {
	From    string
	To      []string
	Message []byte
}

// Transport performs exactly one delivery conversation per call. It never
// retries; retry policy lives with the caller.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Name() string
}
