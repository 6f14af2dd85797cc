package ioloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when posting to a loop that has stopped.
var ErrClosed = errors.New("ioloop: closed")

// Loop runs posted tasks one at a time, in order, on a single goroutine.
// State owned by the loop (the resource scheduler) is only touched from
// inside tasks.
type Loop struct {
	tasks   chan func()
	done    chan struct{}
	stopped atomic.Bool
	running atomic.Bool
	once    sync.Once
}

// New creates a loop with a task buffer of the given depth.
func New(depth int) *Loop {
	if depth < 1 {
		depth = 256
	}
	return &Loop{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is canceled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() {
		l.stopped.Store(true)
		close(l.done)
	})
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.running.Store(true)
			fn()
			l.running.Store(false)
		}
	}
}

// Post queues fn. It blocks while the buffer is full.
func (l *Loop) Post(fn func()) error {
	if l.stopped.Load() {
		return ErrClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnLoop reports whether a task is executing right now. It does not identify
// the calling goroutine.
func (l *Loop) OnLoop() bool {
	return l.running.Load()
}

// AssertOnLoop panics when no task is executing. It catches calls made from
// outside the loop between tasks, which is where stray callers land; a call
// from another goroutine while a task happens to be running is not detected.
func (l *Loop) AssertOnLoop() {
	if !l.running.Load() {
		panic(fmt.Errorf("ioloop: called while no loop task is running"))
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
