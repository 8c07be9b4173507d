package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type heldLock struct {
	token   string
	expires time.Time
}

type RedisLocker struct {
	client *redis.Client
	now    func() time.Time

	mu   sync.Mutex
	held map[string]heldLock
}

// NewRedisLocker constructs a Redis-backed delivery guard shared across
// every mailer process pointed at the same server.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		now:    time.Now,
		held:   make(map[string]heldLock),
	}
}

// Acquire sets key with a random token for ttl. A key this process holds
// only counts as held until its TTL lapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	if h, exists := l.held[key]; exists {
		if l.now().Before(h.expires) {
			l.mu.Unlock()
			return ErrAlreadyHeld
		}
		delete(l.held, key)
	}
	l.mu.Unlock()

	token, err := randomToken(16)
	if err != nil {
		return err
	}

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	l.mu.Lock()
	l.held[key] = heldLock{token: token, expires: l.now().Add(ttl)}
	l.mu.Unlock()
	return nil
}

// Release deletes key if it still carries this process's token.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.held[key]
	if ok {
		delete(l.held, key)
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}

	return l.client.Eval(ctx, releaseScript, []string{key}, h.token).Err()
}

// randomToken creates a hex token for Redis lock ownership.
func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
