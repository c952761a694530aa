// Package eventloop is the single-goroutine dispatcher that owns every
// registry, tracker and queue in the daemon.
//
// Work enters the loop through Post (from any goroutine) and runs in FIFO
// order on the goroutine executing Run or Dispatch. Handlers never block:
// anything that may block is started with Go and its result is delivered back
// onto the loop. Timers created with AfterFunc also fire on the loop.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrIdleExit is returned by Run when the idle predicate held for the
// configured idle-exit period.
var ErrIdleExit = errors.New("event loop idle")

// ErrClosed is returned by Call once the loop has stopped running.
var ErrClosed = errors.New("event loop closed")

type Loop struct {
	clock Clock
	log   *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Loop-goroutine state.
	drained       []func()
	idle          func() bool
	idleExitAfter time.Duration
	idleTimer     Timer
	idleExpired   bool
}

// New creates a loop driven by clock. A nil clock means RealClock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = RealClock{}
	}
	return &Loop{
		clock: clock,
		log:   slog.With("component", "event-loop"),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock { return l.clock }

// Post queues fn to run on the loop. Safe from any goroutine. Events posted
// after the loop closed are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Dispatch runs queued events until the queue is empty, including events
// queued by the handlers themselves, then runs the drain hooks once. It
// returns the number of events run. Must only be called from the goroutine
// that owns the loop.
func (l *Loop) Dispatch() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
	if n > 0 {
		for _, hook := range l.drained {
			hook()
		}
	}
	return n
}

// OnDrained registers a hook run after every non-empty dispatch batch.
// Hooks run on the loop and may post further events.
func (l *Loop) OnDrained(hook func()) {
	l.drained = append(l.drained, hook)
}

// SetIdleExit makes Run return ErrIdleExit once isIdle has reported true
// continuously for after. A zero duration disables idle exit.
func (l *Loop) SetIdleExit(after time.Duration, isIdle func() bool) {
	l.idleExitAfter = after
	l.idle = isIdle
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.Post(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Run dispatches events until ctx is cancelled or the idle-exit period
// elapses.
func (l *Loop) Run(ctx context.Context) error {
	defer l.close()

	for {
		l.Dispatch()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.checkIdle() {
			l.log.Info("idle exit period elapsed", "after", l.idleExitAfter)
			return ErrIdleExit
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// checkIdle arms or disarms the idle timer and reports whether it expired
// while the loop stayed idle.
func (l *Loop) checkIdle() bool {
	if l.idleExitAfter <= 0 || l.idle == nil {
		return false
	}
	if !l.idle() {
		l.idleExpired = false
		if l.idleTimer != nil {
			l.idleTimer.Stop()
			l.idleTimer = nil
		}
		return false
	}
	if l.idleExpired {
		return true
	}
	if l.idleTimer == nil {
		l.idleTimer = l.AfterFunc(l.idleExitAfter, func() {
			l.idleTimer = nil
			l.idleExpired = true
		})
	}
	return false
}

func (l *Loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

type loopTimer struct {
	inner   Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}

// AfterFunc runs fn on the loop after d. Stop must be called from the loop;
// a stopped timer never runs fn even if the clock already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Go runs work on a new goroutine and delivers its result to done on the
// loop.
func Go[T any](l *Loop, work func() T, done func(T)) {
	go func() {
		v := work()
		l.Post(func() { done(v) })
	}()
}
