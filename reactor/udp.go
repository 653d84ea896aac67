package reactor

import (
	"net/netip"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// RecvFlags are reported with each received datagram.
type RecvFlags uint

const (
	// FlagPartial indicates the datagram was truncated, as it did not fit
	// the allocated buffer.
	FlagPartial RecvFlags = 1 << iota
)

// BindFlags modify the behavior of UDP.Bind.
type BindFlags uint

const (
	// BindReuseAddr sets SO_REUSEADDR before binding.
	BindReuseAddr BindFlags = 1 << iota
	// BindIPv6Only disables dual stack, for IPv6 addresses.
	BindIPv6Only
)

type (
	// RecvFunc receives the outcome of one receive: nread >= 0 bytes of a
	// datagram from addr, or a negative status. A nread of 0 with an invalid
	// addr means there was nothing to read, while a nread of 0 with a valid
	// addr is an empty datagram. buf is always the buffer returned by the
	// AllocFunc, and is owned by the callee.
	RecvFunc func(nread int, buf []byte, addr netip.AddrPort, flags RecvFlags)

	// SendFunc receives the status of a send request.
	SendFunc func(status int)
)

type sendReq struct {
	cb  SendFunc
	sa  unix.Sockaddr
	buf []byte
}

// UDP is a datagram socket handle. Its socket is created by Bind, or on
// first use (bound to the wildcard address, and an ephemeral port).
type UDP struct {
	handle

	sends  *queue.Queue
	alloc  AllocFunc
	recvCb RecvFunc

	bound     bool
	receiving bool
}

// NewUDP opens a UDP handle on l.
func NewUDP(l *Loop) (*UDP, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	u := &UDP{sends: queue.New()}
	u.init(l, KindUDP, u, u.handleIO)
	return u, nil
}

// Bind creates the socket, and binds it to addr. A handle may only be bound
// once.
func (u *UDP) Bind(addr netip.AddrPort, flags BindFlags) error {
	family, err := familyOf(addr)
	if err != nil {
		return err
	}
	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()
	if err := u.usableLocked(); err != nil {
		return err
	}
	return u.bindLocked(addr, family, flags)
}

func (u *UDP) bindLocked(addr netip.AddrPort, family int, flags BindFlags) error {
	if u.bound {
		return ErrAlreadyBound
	}
	if err := u.openSocketLocked(family, unix.SOCK_DGRAM); err != nil {
		return err
	}

	err := func() error {
		if flags&BindReuseAddr != 0 {
			if err := unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return err
			}
		}
		if flags&BindIPv6Only != 0 && family == unix.AF_INET6 {
			if err := unix.SetsockoptInt(u.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
				return err
			}
		}
		sa, err := toSockaddr(addr, family)
		if err != nil {
			return err
		}
		return unix.Bind(u.fd, sa)
	}()
	if err != nil {
		// unbound sockets are discarded, so a later bind starts fresh
		_ = unix.Close(u.fd)
		u.fd = -1
		return err
	}

	u.bound = true
	u.logger.Debug().
		Stringer("addr", addr).
		Log("reactor: bound")
	return nil
}

// autoBindLocked binds to the wildcard address of the given family, if the
// handle is not already bound.
func (u *UDP) autoBindLocked(family int) error {
	if u.bound {
		return nil
	}
	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	if family == unix.AF_INET6 {
		addr = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	return u.bindLocked(addr, family, 0)
}

// RecvStart starts receiving datagrams, until RecvStop or Close. Fails with
// ErrAlreadyActive if already receiving.
func (u *UDP) RecvStart(alloc AllocFunc, cb RecvFunc) error {
	if alloc == nil || cb == nil {
		return ErrNilCallback
	}

	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()

	if err := u.usableLocked(); err != nil {
		return err
	}
	if u.receiving {
		return ErrAlreadyActive
	}
	if err := u.autoBindLocked(unix.AF_INET); err != nil {
		return err
	}
	u.receiving = true
	u.alloc = alloc
	u.recvCb = cb
	u.logger.Debug().Log("reactor: recv started")
	return u.updateInterestLocked()
}

// RecvStop stops receiving. It is a no-op if not receiving.
func (u *UDP) RecvStop() error {
	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()
	if !u.receiving {
		return nil
	}
	u.receiving = false
	u.alloc = nil
	u.recvCb = nil
	u.logger.Debug().Log("reactor: recv stopped")
	return u.updateInterestLocked()
}

// IsReceiving reports if the handle is receiving.
func (u *UDP) IsReceiving() bool {
	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()
	return u.receiving
}

// Send queues buf to be sent as a single datagram to addr, then calls cb.
// The caller must not modify buf until cb is called.
func (u *UDP) Send(buf []byte, addr netip.AddrPort, cb SendFunc) error {
	if cb == nil {
		return ErrNilCallback
	}
	family, err := familyOf(addr)
	if err != nil {
		return err
	}

	l := u.loop
	l.mu.Lock()
	err = u.sendLocked(buf, addr, family, cb)
	l.mu.Unlock()
	if err == nil {
		l.wakeup()
	}
	return err
}

func (u *UDP) sendLocked(buf []byte, addr netip.AddrPort, family int, cb SendFunc) error {
	if err := u.usableLocked(); err != nil {
		return err
	}
	if err := u.autoBindLocked(family); err != nil {
		return err
	}
	sa, err := toSockaddr(addr, u.family)
	if err != nil {
		return err
	}
	u.sends.Add(&sendReq{cb: cb, sa: sa, buf: buf})
	if u.sends.Length() == 1 {
		u.flushSendsLocked()
	}
	return u.updateInterestLocked()
}

func (u *UDP) flushSendsLocked() {
	for u.sends.Length() > 0 {
		req, _ := u.sends.Peek().(*sendReq)
		err := unix.Sendto(u.fd, req.buf, 0, req.sa)
		if err == unix.EINTR {
			continue
		}
		if isTemporary(err) {
			return
		}
		u.sends.Remove()
		cb, status := req.cb, Status(err)
		u.loop.queueLocked(func() { cb(status) })
	}
}

// IsActive implements Handle.
func (u *UDP) IsActive() bool {
	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()
	return u.receiving || u.sends.Length() > 0
}

// Close implements Handle. Pending sends complete with ECANCELED.
func (u *UDP) Close(cb func()) error {
	l := u.loop
	l.mu.Lock()
	if u.closing {
		l.mu.Unlock()
		return ErrHandleClosing
	}

	var cancelled []func()
	for u.sends.Length() > 0 {
		req, _ := u.sends.Remove().(*sendReq)
		cancelled = append(cancelled, func() { req.cb(ECANCELED) })
	}
	u.receiving = false
	u.alloc = nil
	u.recvCb = nil

	err := u.closeLocked(cb, cancelled)
	l.mu.Unlock()
	l.wakeup()
	return err
}

// LocalAddr returns the address the socket is bound to.
func (u *UDP) LocalAddr() (netip.AddrPort, error) {
	u.loop.mu.Lock()
	defer u.loop.mu.Unlock()
	if u.fd < 0 || !u.bound {
		return netip.AddrPort{}, ErrNotConnected
	}
	sa, err := unix.Getsockname(u.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func (u *UDP) updateInterestLocked() error {
	var want IOEvents
	if u.receiving {
		want |= EventRead
	}
	if u.sends.Length() > 0 {
		want |= EventWrite
	}
	return u.setInterestLocked(want)
}

func (u *UDP) handleIO(events IOEvents) {
	if events&(EventWrite|EventError) != 0 {
		u.loop.mu.Lock()
		if !u.closing {
			u.flushSendsLocked()
			_ = u.updateInterestLocked()
		}
		u.loop.mu.Unlock()
	}
	if events&(EventRead|EventError|EventHangup) != 0 {
		for i := 0; i < u.loop.recvBatch; i++ {
			if !u.recvOne() {
				break
			}
		}
	}
}

// recvOne receives at most one datagram, reporting if another should be
// attempted.
func (u *UDP) recvOne() bool {
	l := u.loop

	l.mu.Lock()
	if u.closing || !u.receiving {
		l.mu.Unlock()
		return false
	}
	alloc := u.alloc
	l.mu.Unlock()

	buf, ok := l.callAlloc(alloc)

	l.mu.Lock()
	defer l.mu.Unlock()

	if u.closing || !u.receiving || !ok {
		return false
	}
	cb := u.recvCb

	if len(buf) == 0 {
		l.queueLocked(func() { cb(ENOBUFS, buf, netip.AddrPort{}, 0) })
		return false
	}

	for {
		n, _, recvFlags, from, err := unix.Recvmsg(u.fd, buf, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			status := 0
			if !isTemporary(err) {
				status = Status(err)
			}
			l.queueLocked(func() { cb(status, buf, netip.AddrPort{}, 0) })
			return false
		}

		var flags RecvFlags
		if recvFlags&unix.MSG_TRUNC != 0 {
			flags |= FlagPartial
		}
		addr := fromSockaddr(from)
		l.queueLocked(func() { cb(n, buf, addr, flags) })
		return true
	}
}
