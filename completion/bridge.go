package completion

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrClosed is returned by Await once the bridge is closed and drained,
	// unless Close was called with a more specific error.
	ErrClosed = errors.New("completion: bridge closed")

	// ErrConcurrentAwait is returned when Await is called while another
	// goroutine is already waiting on the same bridge.
	ErrConcurrentAwait = errors.New("completion: concurrent await on single-waiter bridge")
)

// Bridge is an unbounded FIFO of completions of type T, with at most one
// registered waiter. The zero value is not usable, use New.
//
// Push and Await may be called from different goroutines.
type Bridge[T any] struct {
	mu      sync.Mutex
	pending *queue.Queue
	waiter  chan T
	err     error
	closed  bool
}

// New returns an empty, open bridge.
func New[T any]() *Bridge[T] {
	return &Bridge[T]{pending: queue.New()}
}

// Push delivers v. If a waiter is registered it receives v directly,
// otherwise v is queued behind any earlier values. Push never blocks.
//
// It returns false if the bridge is closed, in which case v is discarded.
func (b *Bridge[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.waiter != nil {
		// buffered, capacity 1, and only ever sent to once
		b.waiter <- v
		b.waiter = nil
		return true
	}

	b.pending.Add(v)
	return true
}

// Await returns the next value. It returns immediately if a value is
// pending, otherwise it blocks until Push, Close, or ctx is done.
//
// If ctx is done after a value was already handed to this waiter, that
// value is returned with a nil error, so a delivered completion is never
// dropped.
func (b *Bridge[T]) Await(ctx context.Context) (T, error) {
	var zero T

	b.mu.Lock()
	if b.pending.Length() > 0 {
		v, _ := b.pending.Remove().(T)
		b.mu.Unlock()
		return v, nil
	}
	if b.closed {
		err := b.err
		b.mu.Unlock()
		return zero, err
	}
	if b.waiter != nil {
		b.mu.Unlock()
		return zero, ErrConcurrentAwait
	}
	ch := make(chan T, 1)
	b.waiter = ch
	b.mu.Unlock()

	select {
	case v, ok := <-ch:
		if !ok {
			return zero, b.closeErr()
		}
		return v, nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.waiter == ch {
		b.waiter = nil
		b.mu.Unlock()
		return zero, ctx.Err()
	}
	b.mu.Unlock()

	// already resolved, either by Push or Close
	if v, ok := <-ch; ok {
		return v, nil
	}
	return zero, b.closeErr()
}

// TryNext removes and returns the next pending value, without blocking.
func (b *Bridge[T]) TryNext() (v T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending.Length() == 0 {
		return v, false
	}
	v, _ = b.pending.Remove().(T)
	return v, true
}

// Len returns the number of pending (unclaimed) values.
func (b *Bridge[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Length()
}

// Err returns the close error, or nil while the bridge is open.
func (b *Bridge[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Waiting reports whether a waiter is currently registered.
func (b *Bridge[T]) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiter != nil
}

// Close closes the bridge. A registered waiter is released with err, or
// ErrClosed if err is nil. Values already pending remain available to Await
// and TryNext, after which Await returns the close error. Close is
// idempotent, only the first err is kept.
func (b *Bridge[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.err = err

	if b.waiter != nil {
		close(b.waiter)
		b.waiter = nil
	}
}

func (b *Bridge[T]) closeErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
