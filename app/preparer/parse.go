package preparer

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
)

type ParseStep struct{}

// NewParseStep creates a step that reads the envelope from the message headers.
func NewParseStep() *ParseStep {
	return &ParseStep{}
}

// Prepare fills From with the first From address and To with the To header.
func (p *ParseStep) Prepare(_ context.Context, req *Request) error {
	msg, err := mail.ReadMessage(bytes.NewReader(req.Raw))
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	from, err := msg.Header.AddressList("From")
	if err != nil && err != mail.ErrHeaderNotPresent {
		return fmt.Errorf("parse From header: %w", err)
	}
	if len(from) > 0 {
		req.From = from[0].Address
	}

	to, err := msg.Header.AddressList("To")
	if err != nil && err != mail.ErrHeaderNotPresent {
		return fmt.Errorf("parse To header: %w", err)
	}
	req.To = addresses(to)
	req.MessageID = strings.Trim(msg.Header.Get("Message-Id"), "<> ")
	return nil
}

func addresses(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
