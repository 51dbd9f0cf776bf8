// Package loop runs queued functions one at a time on a single goroutine.
//
// Every component of the display core mutates its state only from inside a
// loop callback, so none of them need locks. Timers and network readers never
// touch state directly; they Enqueue the work instead.
package loop

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Do once the loop has been closed.
var ErrClosed = errors.New("loop closed")

// Loop serializes functions onto one goroutine.
type Loop struct {
	commands chan func()
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	startOnce sync.Once
}

// New returns a loop with the given queue size. The loop does not run until
// Start is called.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		commands: make(chan func(), buffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it more than once is a no-op.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.closing:
			return
		default:
		}
		select {
		case fn := <-l.commands:
			fn()
		case <-l.closing:
			return
		}
	}
}

// Enqueue schedules fn. It reports false if the loop is closed and blocks
// while the queue is full.
func (l *Loop) Enqueue(fn func()) bool {
	select {
	case <-l.closing:
		return false
	default:
	}
	select {
	case l.commands <- fn:
		return true
	case <-l.closing:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Enqueue(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Sync waits until everything enqueued before the call has run.
func (l *Loop) Sync() {
	_ = l.Do(func() {})
}

// Close stops the loop after the function currently running, if any.
// Queued functions that have not started are discarded.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.closing)
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
