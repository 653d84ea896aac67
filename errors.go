package sockloop

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-sockloop/completion"
	"github.com/joeycumines/go-sockloop/reactor"
)

// Usage errors. These are returned synchronously, and never originate from
// the reactor.
var (
	// ErrOperationInProgress is returned when an operation is issued while
	// the previous operation of the same kind, on the same socket, has not
	// yet completed. This includes operations whose caller stopped waiting.
	ErrOperationInProgress = errors.New("sockloop: operation already in progress")

	// ErrConcurrentAwait is returned when two goroutines wait on the same
	// socket's receive queue.
	ErrConcurrentAwait = completion.ErrConcurrentAwait

	ErrInvalidState  = errors.New("sockloop: invalid socket state")
	ErrNotConnected  = errors.New("sockloop: socket is not connected")
	ErrAlreadyBound  = errors.New("sockloop: socket is already bound")
	ErrClosed        = errors.New("sockloop: socket is closed")
	ErrWouldDeadlock = errors.New("sockloop: cannot wait for the reactor from the goroutine pumping it")
)

// StatusError is a nonzero status, reported by the reactor, for the named
// operation. It unwraps to the corresponding [syscall.Errno], or [io.EOF].
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sockloop: %s: %s", e.Op, reactor.StatusText(e.Status))
}

func (e *StatusError) Unwrap() error {
	return reactor.StatusErr(e.Status)
}

// StatusOf returns the reactor status that err represents: 0 for nil, the
// Status of any [StatusError] in the chain, otherwise [reactor.Status].
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return reactor.Status(err)
}

func statusError(op string, status int) error {
	if status == 0 {
		return nil
	}
	return &StatusError{Op: op, Status: status}
}

// translateErr maps reactor usage errors to their sockloop equivalents.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, reactor.ErrHandleClosing):
		return ErrClosed
	case errors.Is(err, reactor.ErrNotConnected):
		return ErrNotConnected
	case errors.Is(err, reactor.ErrAlreadyBound):
		return ErrAlreadyBound
	case errors.Is(err, reactor.ErrAlreadyActive):
		return ErrOperationInProgress
	default:
		return err
	}
}
