package reactor

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// Status codes are passed to every completion callback. Zero is success, a
// negative value is a negated errno, or EOF. They are not interpreted by the
// loop beyond this mapping.
const (
	// EOF is the read status reporting that the peer closed its end of the
	// stream.
	EOF = -4095

	// ECANCELED is the status of requests cancelled by closing their handle.
	ECANCELED = -int(unix.ECANCELED)

	// ENOBUFS is the read status used when an AllocFunc returned an empty
	// buffer.
	ENOBUFS = -int(unix.ENOBUFS)
)

// Sentinel errors returned synchronously, by the operation that was issued.
var (
	ErrLoopClosed      = errors.New("reactor: loop is closed")
	ErrAlreadyRunning  = errors.New("reactor: loop is already being pumped")
	ErrReentrantRun    = errors.New("reactor: cannot pump the loop from within a callback")
	ErrHandlesActive   = errors.New("reactor: loop still has active handles")
	ErrHandleClosing   = errors.New("reactor: handle is closing")
	ErrAlreadyActive   = errors.New("reactor: operation already active on handle")
	ErrNotConnected    = errors.New("reactor: handle is not connected")
	ErrAlreadyBound    = errors.New("reactor: handle is already bound")
	ErrInvalidAddress  = errors.New("reactor: invalid address")
	ErrNilCallback     = errors.New("reactor: nil callback")
	ErrUnsupportedAddr = errors.New("reactor: unsupported address family")
)

// Status converts an error into a status code. A nil error is 0, a
// [syscall.Errno] is its negation, [io.EOF] is EOF, and anything else is
// reported as -EIO.
func Status(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, io.EOF) {
		return EOF
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == 0 {
			return 0
		}
		return -int(errno)
	}
	return -int(unix.EIO)
}

// StatusErr converts a status code back into an error: nil for 0 or any
// positive value, [io.EOF] for EOF, and a [syscall.Errno] otherwise.
func StatusErr(status int) error {
	switch {
	case status >= 0:
		return nil
	case status == EOF:
		return io.EOF
	default:
		return syscall.Errno(-status)
	}
}

// StatusText describes a status code.
func StatusText(status int) string {
	switch {
	case status == 0:
		return "ok"
	case status > 0:
		return fmt.Sprintf("%d bytes", status)
	case status == EOF:
		return "end of file"
	default:
		return syscall.Errno(-status).Error()
	}
}

// isTemporary reports a would-block condition, not an error.
func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
