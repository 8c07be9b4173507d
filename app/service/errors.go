package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage    = errors.New("invalid message")
	ErrDuplicateDelivery = errors.New("delivery already accepted")
)

// StoreWriteError reports a durable job write that failed. The mail and the
// record of its failure are both lost when this happens.
type StoreWriteError struct {
	DeliveryID    string
	AttemptNumber int
	Kind          string
	Err           error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("write %s job for delivery %s (attempt %d): %v", e.Kind, e.DeliveryID, e.AttemptNumber, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
