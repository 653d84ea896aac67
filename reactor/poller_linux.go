//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using epoll (level triggered).
//
// Registration methods are safe to call from any goroutine. pollIO must only
// be called by the goroutine pumping the loop.
type poller struct {
	epfd     int
	eventBuf []unix.EpollEvent
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func (p *poller) init(maxEvents int) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.eventBuf = make([]unix.EpollEvent, maxEvents)
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *poller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *poller) registerFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	p.fds = growFDs(p.fds, fd)
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{} // Rollback
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// unregisterFD stops monitoring fd. An event for fd that was already
// harvested by pollIO is dropped, since dispatch re-reads the table.
func (p *poller) unregisterFD(fd int) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// pollIO waits up to timeoutMs (-1 blocks) and dispatches the ready events,
// returning how many there were.
func (p *poller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if info := p.lookup(fd); info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}

	return n, nil
}

func (p *poller) lookup(fd int) (info fdInfo) {
	if fd < 0 {
		return
	}
	p.fdMu.RLock()
	if fd < len(p.fds) {
		info = p.fds[fd]
	}
	p.fdMu.RUnlock()
	return
}

// epollFlags maps IOEvents to epoll flags. Errors and hangups are always
// reported by epoll, so only read and write are ever requested.
var epollFlags = [...]struct {
	event IOEvents
	flag  uint32
}{
	{EventRead, unix.EPOLLIN},
	{EventWrite, unix.EPOLLOUT},
	{EventError, unix.EPOLLERR},
	{EventHangup, unix.EPOLLHUP},
}

func eventsToEpoll(events IOEvents) (flags uint32) {
	for _, m := range epollFlags[:2] {
		if events&m.event != 0 {
			flags |= m.flag
		}
	}
	return flags
}

func epollToEvents(flags uint32) (events IOEvents) {
	for _, m := range epollFlags {
		if flags&m.flag != 0 {
			events |= m.event
		}
	}
	return events
}
