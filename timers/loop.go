package timers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"doorwatch/common/logger"
)

// ErrLoopClosed is returned when work is posted to a stopped loop.
var ErrLoopClosed = errors.New("event loop closed")

// Executor runs callbacks one at a time. Engine state is only touched from
// callbacks handed to an Executor.
type Executor interface {
	Post(fn func()) bool
}

// Inline runs callbacks immediately on the caller's goroutine. It is meant for
// tests driven by a FakeClock from a single goroutine.
type Inline struct{}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Loop is a single goroutine draining an unbounded FIFO of callbacks.
// Post never blocks, so callbacks may post further work.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	started bool
	log     logger.Interface
}

// NewLoop creates a loop. Call Run to start draining.
func NewLoop(log logger.Interface) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logger.OrNop(log),
	}
}

// Post queues fn. It returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled or Stop is called. Pending
// callbacks are discarded on exit.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("event loop already running")
	}
	l.started = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		batch := l.take()
		for _, fn := range batch {
			if l.isClosed() {
				return nil
			}
			l.runOne(fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		if l.isClosed() {
			return nil
		}
	}
}

// Stop makes Run return after the current callback. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Event loop callback panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}
