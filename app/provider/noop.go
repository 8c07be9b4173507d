package provider

import "context"

// NoopProvider is a stubbed transport that pretends to send.
type NoopProvider struct{}

// NewNoopProvider constructs a no-op transport.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Send returns nil without sending.
func (p *NoopProvider) Send(_ context.Context, _ Envelope) error {
	return nil
}

func (p *NoopProvider) Name() string {
	return "noop"
}
