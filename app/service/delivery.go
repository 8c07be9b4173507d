package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/lock"
	"github.com/vibast-solutions/ms-go-mailer/app/metrics"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/retry"
)

const (
	jobKindPending = "pending"
	jobKindFailed  = "failed"

	defaultLockTTL   = 5 * time.Minute
	storeErrorBuffer = 64
)

// Loop is the cooperative scheduler every send and job write runs through.
type Loop interface {
	EnsureRunning() error
	Schedule(cb func()) error
	Offload(work func() error, done func(error)) error
}

// JobStore appends delayed job rows.
type JobStore interface {
	InsertPending(ctx context.Context, payload entity.Payload, runAt time.Time) (entity.Job, error)
	InsertFailed(ctx context.Context, payload entity.Payload, cause error) (entity.Job, error)
}

// JobNotifier tells the worker pool a pending job was written.
type JobNotifier interface {
	Notify(ctx context.Context, job entity.Job) error
}

type DeliveryService struct {
	settings  entity.DeliverySettings
	builder   preparer.Builder
	transport provider.Transport
	jobs      JobStore
	loop      Loop

	locker   lock.Locker
	lockTTL  time.Duration
	notifier JobNotifier
	log      *logrus.Entry
	now      func() time.Time
	errs     chan error
}

// delivery is one attempt in flight plus the duplicate guard it holds, if any.
type delivery struct {
	attempt entity.DeliveryAttempt
	lockKey string
}

type Option func(*DeliveryService)

// WithLocker rejects a second submission of the same request or message while
// the first is still in flight. The lock expires after ttl regardless.
func WithLocker(locker lock.Locker, ttl time.Duration) Option {
	return func(s *DeliveryService) {
		s.locker = locker
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithNotifier(notifier JobNotifier) Option {
	return func(s *DeliveryService) {
		s.notifier = notifier
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *DeliveryService) {
		s.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *DeliveryService) {
		s.now = now
	}
}

// NewDeliveryService builds the delivery engine with dependencies.
func NewDeliveryService(settings entity.DeliverySettings, builder preparer.Builder, transport provider.Transport, jobs JobStore, loop Loop, opts ...Option) *DeliveryService {
	s := &DeliveryService{
		settings:  settings,
		builder:   builder,
		transport: transport,
		jobs:      jobs,
		loop:      loop,
		lockTTL:   defaultLockTTL,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		now:       time.Now,
		errs:      make(chan error, storeErrorBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Errors delivers durable write failures for process-level reporting.
func (s *DeliveryService) Errors() <-chan error {
	return s.errs
}

// Deliver accepts a composed message for asynchronous delivery and returns
// its delivery ID. A nil error means accepted, not delivered.
func (s *DeliveryService) Deliver(ctx context.Context, raw []byte) (string, error) {
	attempt, err := s.builder.Build(ctx, s.settings, raw)
	if err != nil {
		if errors.Is(err, entity.ErrConfiguration) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	d := delivery{attempt: attempt}
	if s.locker != nil {
		d.lockKey = s.lockKey(ctx, attempt)
	}
	if d.lockKey != "" {
		if err := s.locker.Acquire(ctx, d.lockKey, s.lockTTL); err != nil {
			if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, lock.ErrAlreadyHeld) {
				return "", ErrDuplicateDelivery
			}
			return "", fmt.Errorf("acquire lock: %w", err)
		}
	}

	if err := s.start(d); err != nil {
		if d.lockKey != "" {
			_ = s.locker.Release(context.Background(), d.lockKey)
		}
		return "", err
	}

	metrics.DeliveriesAccepted.WithLabelValues(s.transport.Name()).Inc()
	s.log.WithFields(logrus.Fields{
		"delivery_id": attempt.DeliveryID,
		"message_id":  attempt.MessageID,
		"recipients":  len(attempt.To),
	}).Info("Accepted message for delivery")
	return attempt.DeliveryID, nil
}

// Resume schedules a retry read back from a pending job. The process's own
// settings replace whatever the payload carried.
func (s *DeliveryService) Resume(_ context.Context, attempt entity.DeliveryAttempt) error {
	if attempt.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt number %d", ErrInvalidMessage, attempt.AttemptNumber)
	}
	if len(attempt.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	attempt.Settings = s.settings
	return s.start(delivery{attempt: attempt})
}

// HandlePayload is the deliver handler for the worker pool: it decodes a
// stored payload and resumes it.
func (s *DeliveryService) HandlePayload(ctx context.Context, payload []byte) error {
	attempt, err := entity.DecodeDeliveryPayload(payload)
	if err != nil {
		return err
	}
	return s.Resume(ctx, attempt)
}

func (s *DeliveryService) start(d delivery) error {
	if err := s.loop.EnsureRunning(); err != nil {
		return fmt.Errorf("start reactor: %w", err)
	}
	if err := s.loop.Schedule(func() { s.send(d) }); err != nil {
		return fmt.Errorf("schedule send: %w", err)
	}
	return nil
}

// send runs on the loop. The network conversation is offloaded and its
// result is applied back on the loop by handleResult.
func (s *DeliveryService) send(d delivery) {
	attempt := d.attempt
	env := provider.Envelope{
		From:    attempt.From,
		To:      attempt.To,
		Message: []byte(attempt.Message),
	}
	err := s.loop.Offload(func() error {
		return s.transport.Send(context.Background(), env)
	}, func(err error) {
		s.handleResult(d, err)
	})
	if err != nil {
		s.attemptLog(attempt).WithError(err).Error(failureText("Send could not be started", attempt))
		s.release(d)
	}
}

func (s *DeliveryService) handleResult(d delivery, sendErr error) {
	attempt := d.attempt
	log := s.attemptLog(attempt)
	if sendErr == nil {
		metrics.SendAttempts.WithLabelValues(s.transport.Name(), "success").Inc()
		log.Info("Delivered message")
		s.release(d)
		return
	}

	metrics.SendAttempts.WithLabelValues(s.transport.Name(), "failure").Inc()
	next := attempt.Next()

	if retry.ShouldRetry(attempt.AttemptNumber, attempt.MaxAttempts()) {
		runAt := retry.DelayFor(s.now(), next.AttemptNumber)
		log.WithError(sendErr).WithField("run_at", runAt.Format(time.RFC3339)).Warn("Send attempt failed, scheduling retry")
		s.persist(d, next, jobKindPending, func(ctx context.Context) (entity.Job, error) {
			return s.jobs.InsertPending(ctx, next, runAt)
		})
		return
	}

	metrics.DeliveriesFailed.WithLabelValues(s.transport.Name()).Inc()
	log.WithError(sendErr).Error(failureText("Delivery failed", attempt))
	s.persist(d, next, jobKindFailed, func(ctx context.Context) (entity.Job, error) {
		return s.jobs.InsertFailed(ctx, next, sendErr)
	})
}

// persist hands a blocking store write to its own goroutine; only the
// outcome is applied on the loop.
func (s *DeliveryService) persist(d delivery, attempt entity.DeliveryAttempt, kind string, write func(context.Context) (entity.Job, error)) {
	var job entity.Job
	err := s.loop.Offload(func() error {
		var err error
		job, err = write(context.Background())
		return err
	}, func(err error) {
		s.release(d)
		if err != nil {
			s.reportStoreFailure(attempt, kind, err)
			return
		}
		s.attemptLog(attempt).WithFields(logrus.Fields{"job_id": job.ID, "kind": kind}).Info("Wrote delayed job")
		if kind == jobKindPending {
			metrics.RetriesScheduled.WithLabelValues(s.transport.Name()).Inc()
			s.notify(attempt, job)
		}
	})
	if err != nil {
		s.release(d)
		s.reportStoreFailure(attempt, kind, err)
	}
}

// release frees the duplicate guard once the delivery has settled: sent,
// handed to the store, or lost.
func (s *DeliveryService) release(d delivery) {
	if d.lockKey == "" {
		return
	}
	log := s.attemptLog(d.attempt)
	err := s.loop.Offload(func() error {
		return s.locker.Release(context.Background(), d.lockKey)
	}, func(err error) {
		if err != nil {
			log.WithError(err).Warn("Failed to release delivery lock")
		}
	})
	if err != nil {
		log.WithError(err).Warn("Delivery lock left to expire")
	}
}

func (s *DeliveryService) notify(attempt entity.DeliveryAttempt, job entity.Job) {
	if s.notifier == nil {
		return
	}
	err := s.loop.Offload(func() error {
		return s.notifier.Notify(context.Background(), job)
	}, func(err error) {
		if err != nil {
			s.attemptLog(attempt).WithError(err).Warn("Failed to notify worker pool of pending job")
		}
	})
	if err != nil {
		s.attemptLog(attempt).WithError(err).Warn("Failed to notify worker pool of pending job")
	}
}

func (s *DeliveryService) reportStoreFailure(attempt entity.DeliveryAttempt, kind string, err error) {
	metrics.JobWriteFailures.WithLabelValues(kind).Inc()
	werr := &StoreWriteError{DeliveryID: attempt.DeliveryID, AttemptNumber: attempt.AttemptNumber, Kind: kind, Err: err}
	s.attemptLog(attempt).WithError(err).Error(failureText("Durable job write failed", attempt))

	select {
	case s.errs <- werr:
	default:
		s.log.WithError(werr).Error("Store error channel full, dropping report")
	}
}

func (s *DeliveryService) attemptLog(attempt entity.DeliveryAttempt) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		"delivery_id": attempt.DeliveryID,
		"attempt":     attempt.AttemptNumber,
		"transport":   s.transport.Name(),
	})
}

func (s *DeliveryService) lockKey(ctx context.Context, attempt entity.DeliveryAttempt) string {
	if requestID, ok := RequestIDFromContext(ctx); ok {
		return lock.DeliveryKey("request", requestID)
	}
	if attempt.MessageID != "" {
		return lock.DeliveryKey("message", attempt.MessageID, strings.Join(attempt.To, ","))
	}
	return ""
}

// failureText carries what an operator needs to resend by hand.
func failureText(prefix string, attempt entity.DeliveryAttempt) string {
	return fmt.Sprintf("%s:\nTo: %s\n\n%s", prefix, strings.Join(attempt.To, ", "), attempt.Message)
}
