package reactor

import (
	"fmt"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// HandleKind identifies the concrete type of a [Handle].
type HandleKind int

const (
	KindTCP HandleKind = iota + 1
	KindUDP
)

func (k HandleKind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return fmt.Sprintf("HandleKind(%d)", int(k))
	}
}

// Handle is implemented by every handle type opened on a [Loop].
type Handle interface {
	// ID is unique within the loop, and never 0.
	ID() uint64
	Kind() HandleKind
	Loop() *Loop

	// Close closes the native socket, immediately, cancels every pending
	// request (their callbacks receive ECANCELED), then calls cb, on the loop
	// goroutine, after which the handle is no longer registered with the
	// loop. It may be called from any goroutine, exactly once.
	Close(cb func()) error

	// IsClosing reports if Close has been called.
	IsClosing() bool

	// IsActive reports if the handle has an operation in progress.
	IsActive() bool
}

// handle is the state shared by every handle type. All fields other than
// the immutable loop, id and kind are guarded by Loop.mu.
type handle struct {
	loop     *Loop
	logger   *logiface.Logger[logiface.Event]
	onIO     ioCallback
	id       uint64
	kind     HandleKind
	fd       int
	family   int
	interest IOEvents

	registered bool
	closing    bool
}

func (h *handle) init(l *Loop, kind HandleKind, self Handle, onIO ioCallback) {
	h.loop = l
	h.kind = kind
	h.fd = -1
	h.onIO = onIO
	l.registry.add(self, func(id uint64) { h.id = id })
	h.logger = l.logger.Clone().
		Uint64("handle", h.id).
		Str("kind", kind.String()).
		Logger()
	h.logger.Debug().Log("reactor: handle opened")
}

func (h *handle) ID() uint64       { return h.id }
func (h *handle) Kind() HandleKind { return h.kind }
func (h *handle) Loop() *Loop      { return h.loop }

func (h *handle) IsClosing() bool {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	return h.closing
}

// usableLocked returns the error an operation on the handle should fail
// with, if any.
func (h *handle) usableLocked() error {
	if h.closing {
		return ErrHandleClosing
	}
	return nil
}

// setInterestLocked reconciles the poller registration of the handle's fd
// with want. An fd with no interest is not registered at all, so a hung up
// socket nobody is reading from does not spin the loop.
func (h *handle) setInterestLocked(want IOEvents) error {
	if h.fd < 0 || h.closing {
		return nil
	}
	var err error
	switch {
	case want == 0:
		if h.registered {
			err = h.loop.poller.unregisterFD(h.fd)
			h.registered = false
		}
	case !h.registered:
		err = h.loop.poller.registerFD(h.fd, want, h.onIO)
		if err == nil {
			h.registered = true
		}
	case want != h.interest:
		err = h.loop.poller.modifyFD(h.fd, want)
	}
	if err != nil {
		h.logger.Err().
			Err(err).
			Int("fd", h.fd).
			Uint64("events", uint64(want)).
			Log("reactor: failed to update poller interest")
		return err
	}
	h.interest = want
	return nil
}

// closeLocked implements Handle.Close. The cancelled callbacks are queued
// ahead of cb, in order.
func (h *handle) closeLocked(cb func(), cancelled []func()) error {
	if h.closing {
		return ErrHandleClosing
	}
	h.closing = true

	if h.registered {
		_ = h.loop.poller.unregisterFD(h.fd)
		h.registered = false
	}
	h.interest = 0
	if h.fd >= 0 {
		if err := unix.Close(h.fd); err != nil {
			h.logger.Warning().
				Err(err).
				Int("fd", h.fd).
				Log("reactor: close failed")
		}
		h.fd = -1
	}

	for _, fn := range cancelled {
		h.loop.queueLocked(fn)
	}
	h.loop.queueLocked(func() {
		h.loop.registry.remove(h.id)
		h.logger.Debug().Log("reactor: handle closed")
		if cb != nil {
			cb()
		}
	})
	return nil
}

// openSocketLocked lazily creates the nonblocking socket of the given family
// and type.
func (h *handle) openSocketLocked(family, sotype int) error {
	if h.fd >= 0 {
		return nil
	}
	fd, err := newSocket(family, sotype)
	if err != nil {
		return err
	}
	h.fd = fd
	h.family = family
	return nil
}
