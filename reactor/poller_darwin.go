//go:build darwin

package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using kqueue.
//
// Registration methods are safe to call from any goroutine. pollIO must only
// be called by the goroutine pumping the loop.
type poller struct {
	kq       int
	eventBuf []unix.Kevent_t
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func (p *poller) init(maxEvents int) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.eventBuf = make([]unix.Kevent_t, maxEvents)
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *poller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
}

func (p *poller) registerFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	p.fds = growFDs(p.fds, fd)
	if p.fds[fd].active {
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}

	// hold the lock across Kevent, to not race a concurrent unregisterFD
	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			p.fds[fd] = fdInfo{} // Rollback
			return err
		}
	}
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) || !p.fds[fd].active {
		return errFDNotRegistered
	}
	if kevents := eventsToKevents(fd, p.fds[fd].events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	p.fds[fd] = fdInfo{}
	return nil
}

func (p *poller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) || !p.fds[fd].active {
		return errFDNotRegistered
	}
	oldEvents := p.fds[fd].events
	p.fds[fd].events = events

	if removed := oldEvents &^ events; removed != 0 {
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if added := events &^ oldEvents; added != 0 {
		if _, err := unix.Kevent(p.kq, eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// pollIO waits up to timeoutMs (-1 blocks) and dispatches the ready events,
// returning how many there were.
func (p *poller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if info := p.lookup(fd); info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
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

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
