// Package reactor implements the single-threaded cooperative scheduler that
// the rest of faoutd builds on: one goroutine owns all device-registry and
// client-connection state, and every other goroutine hands it work instead
// of touching that state directly.
package reactor

import (
	"context"
	"time"
)

// job is a unit of work executed on the reactor goroutine.
type job func()

// Reactor serializes all mutations of shared daemon state onto a single
// goroutine. It is the Go rendition of the spec's single-OS-thread
// cooperative loop: instead of relying on one thread never yielding mid
// critical section, every critical section is a closure posted through a
// channel and run to completion before the next one starts.
type Reactor struct {
	jobs     chan job
	done     chan struct{}
	cancelFn context.CancelFunc
	ctx      context.Context
}

// New creates a Reactor. Call Run in its own goroutine to start the loop.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		jobs:     make(chan job, 256),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// Run drains the job queue until Stop is called. It must run on its own
// goroutine and is the only goroutine that ever executes posted jobs.
func (r *Reactor) Run() {
	defer close(r.done)
	for {
		select {
		case j := <-r.jobs:
			j()
		case <-r.ctx.Done():
			// drain whatever was already queued so in-flight teardown
			// callbacks (connection close, session removal) still run.
			for {
				select {
				case j := <-r.jobs:
					j()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the reactor goroutine. Safe to call from any
// goroutine, including the reactor goroutine itself. Post never blocks the
// caller on fn's execution, fn runs asynchronously, in submission order
// relative to other Post calls.
func (r *Reactor) Post(fn func()) {
	select {
	case r.jobs <- fn:
	case <-r.ctx.Done():
	}
}

// PostAndWait schedules fn and blocks the caller until it has run. Must
// never be called from the reactor goroutine itself (it would deadlock).
func (r *Reactor) PostAndWait(fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-r.ctx.Done():
	}
}

// AfterFunc arranges for fn to be posted to the reactor after d elapses.
// Returns a function that cancels the timer; cancellation delivered after
// the timer already fired is a no-op, so fn may still run. fn receives no
// cancellation signal; for periodic re-arming that must stop cleanly, use
// Timer below.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() {
		r.Post(fn)
	})
	return func() { t.Stop() }
}

// Context is canceled when Stop is called; long-running goroutines that
// feed the reactor (accept loop, read pumps, USB poll loop) select on it
// to unwind.
func (r *Reactor) Context() context.Context {
	return r.ctx
}

// Stop cancels the reactor context and waits for the loop goroutine to
// drain its queue and exit.
func (r *Reactor) Stop() {
	r.cancelFn()
	<-r.done
}

// Timer is a periodic, cancellable timer bound to the reactor that re-arms
// itself after each firing.
// It exists because the periodic register poll needs "fire, do work, then
// re-arm only if still live" semantics, and a cancelled timer must not
// resurrect itself if Stop raced with a firing.
type Timer struct {
	r        *Reactor
	mu       chan struct{} // 1-buffered mutex
	live     bool
	timer    *time.Timer
	interval time.Duration
	fn       func()
}

// NewTimer creates a periodic timer that invokes fn on the reactor goroutine
// every interval, starting after the first interval elapses. fn is
// responsible for nothing related to rearming; the Timer rearms itself
// after fn returns, unless Stop was called.
func NewTimer(r *Reactor, interval time.Duration, fn func()) *Timer {
	t := &Timer{
		r:        r,
		mu:       make(chan struct{}, 1),
		live:     true,
		interval: interval,
		fn:       fn,
	}
	t.mu <- struct{}{}
	t.arm()
	return t
}

func (t *Timer) arm() {
	t.timer = time.AfterFunc(t.interval, func() {
		t.r.Post(func() {
			<-t.mu
			live := t.live
			t.mu <- struct{}{}
			if !live {
				return
			}
			t.fn()
			<-t.mu
			live = t.live
			t.mu <- struct{}{}
			if live {
				t.arm()
			}
		})
	})
}

// Stop cancels future firings. A firing already queued on the reactor
// still completes its in-progress pass but will not rearm.
func (t *Timer) Stop() {
	<-t.mu
	t.live = false
	t.mu <- struct{}{}
	t.timer.Stop()
}
