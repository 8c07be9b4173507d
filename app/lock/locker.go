package lock

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrAlreadyHeld = errors.New("lock already held by this process")
var ErrNotAcquired = errors.New("lock not acquired")

const keyPrefix = "mailer:delivery"

// Locker guards one logical delivery against duplicate submission.
type Locker interface {
	// Acquire attempts to lock a key for the given TTL.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees the lock for the given key.
	Release(ctx context.Context, key string) error
}

// DeliveryKey builds the lock key for a delivery identified by kind and parts.
func DeliveryKey(kind string, parts ...string) string {
	return keyPrefix + ":" + kind + ":" + strings.Join(parts, ":")
}
