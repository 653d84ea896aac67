package reactor

import (
	"errors"
)

// maxFDLimit is the largest fd the poller will index.
const maxFDLimit = 100000000

// initialFDs is the initial size of the fd table, grown on demand.
const initialFDs = 1024

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	errFDOutOfRange        = errors.New("reactor: fd out of range")
	errFDAlreadyRegistered = errors.New("reactor: fd already registered")
	errFDNotRegistered     = errors.New("reactor: fd not registered")
	errPollerClosed        = errors.New("reactor: poller closed")
)

// ioCallback is invoked by the poller, on the pumping goroutine, with the
// ready events for one fd.
type ioCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// growFDs returns fds, extended to hold fd.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	newSize := fd*2 + 1
	if newSize > maxFDLimit {
		newSize = maxFDLimit + 1
	}
	newFds := make([]fdInfo, newSize)
	copy(newFds, fds)
	return newFds
}
