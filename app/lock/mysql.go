package lock

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"
)

// MySQL rejects lock names longer than 64 characters.
const maxLockNameLength = 64

type mysqlHold struct {
	conn  *sql.Conn
	timer *time.Timer
}

// MySQLLocker holds advisory locks on connections drawn from its own pool.
// Give it a *sql.DB nothing else uses: every held lock pins one connection.
type MySQLLocker struct {
	db    *sql.DB
	mu    sync.Mutex
	holds map[string]*mysqlHold
}

// NewMySQLLocker constructs a MySQL-based advisory lock manager.
func NewMySQLLocker(db *sql.DB) *MySQLLocker {
	return &MySQLLocker{
		db:    db,
		holds: make(map[string]*mysqlHold),
	}
}

// Acquire takes a named MySQL advisory lock without waiting. A lock held
// elsewhere is reported as ErrNotAcquired at once. The hold is dropped after
// ttl if Release has not been called by then.
func (l *MySQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	if _, exists := l.holds[key]; exists {
		l.mu.Unlock()
		return ErrAlreadyHeld
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", lockName(key)).Scan(&acquired); err != nil {
		_ = conn.Close()
		return err
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return ErrNotAcquired
	}

	hold := &mysqlHold{conn: conn}
	l.mu.Lock()
	if _, exists := l.holds[key]; exists {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyHeld
	}
	l.holds[key] = hold
	if ttl > 0 {
		hold.timer = time.AfterFunc(ttl, func() { l.expire(key, hold) })
	}
	l.mu.Unlock()

	return nil
}

// Release frees a named MySQL advisory lock and returns its connection.
func (l *MySQLLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	hold, ok := l.holds[key]
	if ok {
		delete(l.holds, key)
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if hold.timer != nil {
		hold.timer.Stop()
	}
	return releaseHold(ctx, hold, key)
}

func (l *MySQLLocker) expire(key string, hold *mysqlHold) {
	l.mu.Lock()
	if l.holds[key] != hold {
		l.mu.Unlock()
		return
	}
	delete(l.holds, key)
	l.mu.Unlock()

	_ = releaseHold(context.Background(), hold, key)
}

func releaseHold(ctx context.Context, hold *mysqlHold, key string) error {
	defer hold.conn.Close()
	if _, err := hold.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", lockName(key)); err != nil {
		return err
	}
	return nil
}

// lockName hashes keys that do not fit a MySQL lock name.
func lockName(key string) string {
	if len(key) <= maxLockNameLength {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return keyPrefix + ":" + hex.EncodeToString(sum[:])
}
