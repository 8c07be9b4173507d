package entity

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var ErrUnknownHandler = errors.New("unknown job handler")

type payloadDocument struct {
	Handler string `yaml:"handler"`
	Object  any    `yaml:"object"`
}

type rawPayloadDocument struct {
	Handler string    `yaml:"handler"`
	Object  yaml.Node `yaml:"object"`
}

// EncodePayload serializes p in the YAML layout the worker pool polls for.
func EncodePayload(p Payload) ([]byte, error) {
	out, err := yaml.Marshal(payloadDocument{Handler: p.HandlerName(), Object: p})
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.HandlerName(), err)
	}
	return out, nil
}

// DecodeDeliveryPayload reads back a payload written for a DeliveryAttempt.
func DecodeDeliveryPayload(data []byte) (DeliveryAttempt, error) {
	var doc rawPayloadDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return DeliveryAttempt{}, fmt.Errorf("decode payload: %w", err)
	}
	if doc.Handler != DeliverHandler {
		return DeliveryAttempt{}, fmt.Errorf("%w: %q", ErrUnknownHandler, doc.Handler)
	}
	var attempt DeliveryAttempt
	if err := doc.Object.Decode(&attempt); err != nil {
		return DeliveryAttempt{}, fmt.Errorf("decode deliver payload: %w", err)
	}
	if attempt.AttemptNumber < 1 {
		return DeliveryAttempt{}, fmt.Errorf("decode deliver payload: invalid attempt number %d", attempt.AttemptNumber)
	}
	return attempt, nil
}
