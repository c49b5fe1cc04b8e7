// Package ostask translates spec.md §5/§9's RTOS task/mutex/semaphore/
// event/queue abstraction layer into Go's native concurrency primitives:
// goroutines supervised by an errgroup.Group, channel-based events and
// bounded queues, and context.Context deadlines in place of tick counts.
// This is the idiomatic Go substitute for an RTOS abstraction layer, not a
// port of one (SPEC_FULL.md §5).
package ostask

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embeddednet/tlsstack/stackerr"
)

// Supervisor groups a fixed set of cooperating tasks (tick, RX,
// application) whose first error tears the whole group down, mirroring
// spec.md §5's "a fatal error in one task cancels the interface."
type Supervisor struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewSupervisor returns a Supervisor bound to parent; cancelling parent or
// any spawned task returning a non-nil error cancels every other task's
// context.
func NewSupervisor(parent context.Context) (*Supervisor, context.Context) {
	g, ctx := errgroup.WithContext(parent)
	return &Supervisor{group: g, ctx: ctx}, ctx
}

// Go spawns fn as a supervised task.
func (s *Supervisor) Go(fn func() error) {
	s.group.Go(fn)
}

// Wait blocks until every spawned task has returned, yielding the first
// non-nil error.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Event is a binary event flag, optionally auto-resetting, the Go
// equivalent of spec.md §5's RTOS event object.
type Event struct {
	ch        chan struct{}
	autoReset bool
}

// NewEvent returns an unset Event. When autoReset is true, Wait clears the
// event immediately after observing it set (spec.md §5's "auto-reset"
// event); otherwise the event stays set until Reset is called explicitly.
func NewEvent(autoReset bool) *Event {
	return &Event{ch: make(chan struct{}, 1), autoReset: autoReset}
}

// Set marks the event as signaled. Idempotent: setting an already-set
// event is a no-op.
func (e *Event) Set() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Reset clears the event.
func (e *Event) Reset() {
	select {
	case <-e.ch:
	default:
	}
}

// Wait blocks until the event is set, ctx is cancelled, or timeout
// elapses (timeout <= 0 means no per-call timeout), returning
// stackerr.Timeout or stackerr.WaitInterrupted to distinguish the two per
// spec.md §9.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) error {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-e.ch:
		if e.autoReset {
			// already drained by receiving above
		} else {
			e.Set() // put it back so a non-auto-reset event stays observable
		}
		return nil
	case <-timeoutCh:
		return stackerr.New(stackerr.Timeout, "ostask.Event.Wait", nil)
	case <-ctx.Done():
		return stackerr.New(stackerr.WaitInterrupted, "ostask.Event.Wait", ctx.Err())
	}
}

// Semaphore is a counting semaphore backed by a buffered channel of
// struct{}, per spec.md §5.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore returns a semaphore initialized with count available
// tokens.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{tokens: make(chan struct{}, count)}
	for i := 0; i < count; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Acquire blocks until a token is available, ctx is cancelled, or timeout
// elapses.
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-s.tokens:
		return nil
	case <-timeoutCh:
		return stackerr.New(stackerr.Timeout, "ostask.Semaphore.Acquire", nil)
	case <-ctx.Done():
		return stackerr.New(stackerr.WaitInterrupted, "ostask.Semaphore.Acquire", ctx.Err())
	}
}

// Release returns a token to the pool. Releasing past capacity panics,
// the same programmer-error contract a fixed-size RTOS semaphore has.
func (s *Semaphore) Release() {
	select {
	case s.tokens <- struct{}{}:
	default:
		panic("ostask: semaphore release exceeds capacity")
	}
}

// Queue is a bounded FIFO of T, the Go equivalent of spec.md §5's bounded
// message queue.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Send blocks until there is room, ctx is cancelled, or timeout elapses.
func (q *Queue[T]) Send(ctx context.Context, timeout time.Duration, v T) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case q.ch <- v:
		return nil
	case <-timeoutCh:
		return stackerr.New(stackerr.Timeout, "ostask.Queue.Send", nil)
	case <-ctx.Done():
		return stackerr.New(stackerr.WaitInterrupted, "ostask.Queue.Send", ctx.Err())
	}
}

// TrySend enqueues v without blocking, reporting false if the queue is
// full. Used by producers (e.g. an RX task) that must never suspend on a
// full queue, per spec.md §5's "interrupt handlers publish to tasks via
// binary events and bounded queues."
func (q *Queue[T]) TrySend(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Receive blocks until an item is available, ctx is cancelled, or timeout
// elapses.
func (q *Queue[T]) Receive(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-timeoutCh:
		return zero, stackerr.New(stackerr.Timeout, "ostask.Queue.Receive", nil)
	case <-ctx.Done():
		return zero, stackerr.New(stackerr.WaitInterrupted, "ostask.Queue.Receive", ctx.Err())
	}
}
