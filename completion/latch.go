package completion

import (
	"context"
	"sync"
)

// Latch is a one-shot acknowledgement. It is armed once (a close was
// requested) and released once (the close was acknowledged). The zero value
// is ready to use. A Latch must not be copied after first use.
type Latch struct {
	mu       sync.Mutex
	done     chan struct{}
	armed    bool
	released bool
}

// Arm marks the latch as requested. The first call returns true, and the
// caller is then responsible for issuing the operation that will eventually
// call Release. Later calls return false and do nothing.
func (l *Latch) Arm() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.armed {
		return false
	}
	l.armed = true
	return true
}

// Release acknowledges the latch, waking every Await. Only the first call
// has any effect, and it returns true.
func (l *Latch) Release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	l.released = true
	l.armed = true
	close(l.doneLocked())
	return true
}

// Done returns a channel that is closed once the latch is released.
func (l *Latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneLocked()
}

// Await blocks until the latch is released, or ctx is done. It returns
// immediately if the latch was already released.
func (l *Latch) Await(ctx context.Context) error {
	done := l.Done()
	select {
	case <-done:
		return nil
	default:
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Armed reports whether Arm (or Release) has been called.
func (l *Latch) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

// Released reports whether Release has been called.
func (l *Latch) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func (l *Latch) doneLocked() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}
