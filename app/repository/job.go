package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

const (
	DefaultJobPriority = 0
	DefaultJobQueue    = "mailers"
)

// JobRepository appends delayed job rows for the external worker pool. It
// writes through one dedicated connection. Call Connect at startup so that
// connection is held before anything else can drain the pool.
type JobRepository struct {
	db       *sql.DB
	priority int
	queue    string
	now      func() time.Time

	mu   sync.Mutex
	conn *sql.Conn
}

type JobOption func(*JobRepository)

// WithJobDefaults sets the priority and queue stamped on every row.
func WithJobDefaults(priority int, queue string) JobOption {
	return func(r *JobRepository) {
		r.priority = priority
		r.queue = queue
	}
}

// WithClock overrides the time source used for created_at/updated_at/failed_at.
func WithClock(now func() time.Time) JobOption {
	return func(r *JobRepository) {
		r.now = now
	}
}

// NewJobRepository constructs a repository backed by db.
func NewJobRepository(db *sql.DB, opts ...JobOption) *JobRepository {
	r := &JobRepository{
		db:       db,
		priority: DefaultJobPriority,
		queue:    DefaultJobQueue,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InsertPending persists a retry that becomes eligible at runAt.
func (r *JobRepository) InsertPending(ctx context.Context, payload entity.Payload, runAt time.Time) (entity.Job, error) {
	now := r.now().UTC()
	job, err := entity.NewJob(payload, r.priority, r.queue, runAt.UTC(), now)
	if err != nil {
		return entity.Job{}, err
	}
	return r.insert(ctx, job)
}

// InsertFailed persists a terminal failure with cause as last_error.
func (r *JobRepository) InsertFailed(ctx context.Context, payload entity.Payload, cause error) (entity.Job, error) {
	now := r.now().UTC()
	job, err := entity.NewJob(payload, r.priority, r.queue, now, now)
	if err != nil {
		return entity.Job{}, err
	}
	job.MarkFailed(cause, now)
	return r.insert(ctx, job)
}

func (r *JobRepository) insert(ctx context.Context, job entity.Job) (entity.Job, error) {
	const query = `
		INSERT INTO delayed_jobs (priority, queue_name, payload, run_at, created_at, updated_at, failed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connection(ctx)
	if err != nil {
		return entity.Job{}, fmt.Errorf("open job store connection: %w", err)
	}

	var failedAt sql.NullTime
	var lastError sql.NullString
	if job.FailedAt != nil {
		failedAt = sql.NullTime{Time: *job.FailedAt, Valid: true}
	}
	if job.LastError != nil {
		lastError = sql.NullString{String: *job.LastError, Valid: true}
	}
	queue := sql.NullString{String: job.QueueName, Valid: job.QueueName != ""}

	res, err := conn.ExecContext(ctx, query,
		job.Priority, queue, string(job.Payload), job.RunAt, job.CreatedAt, job.UpdatedAt, failedAt, lastError)
	if err != nil {
		if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
			_ = r.conn.Close()
			r.conn = nil
		}
		return entity.Job{}, fmt.Errorf("insert delayed job: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		job.ID = id
	}
	return job, nil
}

// Connect opens the dedicated connection now instead of on the first write.
func (r *JobRepository) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.connection(ctx); err != nil {
		return fmt.Errorf("open job store connection: %w", err)
	}
	return nil
}

func (r *JobRepository) connection(ctx context.Context) (*sql.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

// Close releases the dedicated connection.
func (r *JobRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
