// Package reactor hosts the single cooperative event loop that owns every
// delivery callback in the process.
//
// Callbacks run one at a time, to completion, on the loop goroutine. A
// callback that blocks delays every callback queued behind it, so blocking
// work (network sends, database writes) goes through Offload: it runs on its
// own goroutine and only its completion is posted back onto the loop.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("reactor stopped")

type Reactor struct {
	log *logrus.Entry

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
	wake      chan struct{}
	quit      chan struct{}
	running   atomic.Bool

	mu       sync.Mutex
	pending  []func()
	launched bool
	stopped  bool
	inflight int
	idle     chan struct{}
}

type Option func(*Reactor)

// WithLogger sets the logger used for recovered callback panics.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Reactor) {
		r.log = log
	}
}

// New constructs a reactor. The loop is not started until EnsureRunning.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureRunning starts the loop if it is not running yet and returns once
// the loop has confirmed it is live. Concurrent callers share one loop.
func (r *Reactor) EnsureRunning() error {
	r.startOnce.Do(func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.launched = true
		r.mu.Unlock()
		go r.run()
	})

	r.mu.Lock()
	launched, stopped := r.launched, r.stopped
	r.mu.Unlock()
	if !launched || stopped {
		return ErrStopped
	}

	<-r.started
	return nil
}

// IsRunning reports whether the loop goroutine is live.
func (r *Reactor) IsRunning() bool {
	return r.running.Load()
}

// Schedule queues cb to run on the loop goroutine. It never blocks the
// caller; callbacks may schedule further callbacks.
func (r *Reactor) Schedule(cb func()) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.acquireLocked()
	r.pending = append(r.pending, cb)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Offload runs work on its own goroutine and posts done(err) back onto the
// loop when work returns. The loop goroutine is never occupied by work.
func (r *Reactor) Offload(work func() error, done func(error)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.acquireLocked()
	r.mu.Unlock()

	go func() {
		defer r.release()
		err := work()
		if schedErr := r.Schedule(func() { done(err) }); schedErr != nil {
			r.log.WithError(schedErr).Error("Dropped offloaded completion")
		}
	}()
	return nil
}

// Stop waits until no callback is queued and no offloaded work is running,
// then shuts the loop down. Callbacks queued by that work still run first.
func (r *Reactor) Stop(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.inflight == 0 || !r.launched {
			alreadyStopped := r.stopped
			r.stopped = true
			launched := r.launched
			r.mu.Unlock()
			if alreadyStopped {
				return nil
			}
			close(r.quit)
			if !launched {
				return nil
			}
			break
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("wait for offloaded work: %w", ctx.Err())
		}
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for reactor loop: %w", ctx.Err())
	}
}

// acquireLocked counts one queued callback or running offload. r.mu must be held.
func (r *Reactor) acquireLocked() {
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
}

func (r *Reactor) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
}

func (r *Reactor) run() {
	r.running.Store(true)
	r.log.Debug("Reactor loop started")
	close(r.started)
	defer func() {
		r.running.Store(false)
		close(r.done)
	}()

	for {
		batch := r.take()
		for _, cb := range batch {
			r.invoke(cb)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-r.wake:
		case <-r.quit:
			for batch := r.take(); len(batch) > 0; batch = r.take() {
				for _, cb := range batch {
					r.invoke(cb)
				}
			}
			return
		}
	}
}

func (r *Reactor) take() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.pending
	r.pending = nil
	return batch
}

func (r *Reactor) invoke(cb func()) {
	defer r.release()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("Recovered panic in reactor callback")
		}
	}()
	cb()
}
