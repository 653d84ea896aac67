package reactor

import (
	"net/netip"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

type (
	// AllocFunc supplies the buffer for the next read. It is called on the
	// loop goroutine, without the loop's lock held, with the loop's
	// suggested size. Returning an empty buffer fails the read with ENOBUFS.
	AllocFunc func(suggested int) []byte

	// ReadFunc receives the outcome of one read: nread > 0 bytes at the
	// front of buf, 0 for a spurious wakeup (nothing to read, not an error),
	// or a negative status (EOF, or a negated errno), after which the handle
	// has stopped reading. buf is always the buffer returned by the
	// AllocFunc, and is owned by the callee.
	ReadFunc func(nread int, buf []byte)

	// ConnectFunc receives the status of a connect request.
	ConnectFunc func(status int)

	// WriteFunc receives the status of a write request.
	WriteFunc func(status int)
)

type connectReq struct {
	cb         ConnectFunc
	inProgress bool
}

type writeReq struct {
	cb  WriteFunc
	buf []byte
	off int
}

// TCP is a stream socket handle. Its socket is created by Connect.
type TCP struct {
	handle

	connectReq *connectReq
	writes     *queue.Queue
	alloc      AllocFunc
	readCb     ReadFunc

	keepAliveDelay time.Duration
	keepAlive      bool
	noDelay        bool

	connected bool
	reading   bool
}

// NewTCP opens a TCP handle on l.
func NewTCP(l *Loop) (*TCP, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	t := &TCP{writes: queue.New()}
	t.init(l, KindTCP, t, t.handleIO)
	return t, nil
}

// Connect starts connecting to addr. On success, cb is called with the
// outcome, always from a later pump of the loop. Errors returned directly
// mean the request was not issued, and cb will not be called.
func (t *TCP) Connect(addr netip.AddrPort, cb ConnectFunc) error {
	if cb == nil {
		return ErrNilCallback
	}
	family, err := familyOf(addr)
	if err != nil {
		return err
	}

	l := t.loop
	l.mu.Lock()
	err = t.connectLocked(addr, family, cb)
	l.mu.Unlock()
	if err == nil {
		l.wakeup()
	}
	return err
}

func (t *TCP) connectLocked(addr netip.AddrPort, family int, cb ConnectFunc) error {
	if err := t.usableLocked(); err != nil {
		return err
	}
	if t.connectReq != nil {
		return ErrAlreadyActive
	}
	if t.fd < 0 {
		if err := t.openSocketLocked(family, unix.SOCK_STREAM); err != nil {
			return err
		}
		if err := t.applyOptionsLocked(); err != nil {
			return err
		}
	}
	sa, err := toSockaddr(addr, t.family)
	if err != nil {
		return err
	}

	t.connectReq = &connectReq{cb: cb}

	err = unix.Connect(t.fd, sa)
	switch {
	case err == nil:
		t.finishConnectLocked(0)
	case err == unix.EINPROGRESS || err == unix.EINTR:
		t.connectReq.inProgress = true
		if err := t.updateInterestLocked(); err != nil {
			// not issued, so cb must never be called
			t.connectReq = nil
			return err
		}
	default:
		t.finishConnectLocked(Status(err))
	}
	return nil
}

// finishConnectLocked queues the connect callback, and the writes that were
// waiting on the connection.
func (t *TCP) finishConnectLocked(status int) {
	req := t.connectReq
	t.connectReq = nil
	t.loop.queueLocked(func() { req.cb(status) })

	if status == 0 {
		t.connected = true
		t.logger.Debug().Log("reactor: connected")
		t.flushWritesLocked()
	} else {
		t.logger.Debug().
			Int("status", status).
			Log("reactor: connect failed")
		t.failWritesLocked(ECANCELED)
	}
	_ = t.updateInterestLocked()
}

// connectResultLocked reports the outcome of the in-progress connect, with
// done false if it is still pending.
func (t *TCP) connectResultLocked() (status int, done bool) {
	soErr, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return Status(err), true
	}
	if soErr != 0 {
		return -soErr, true
	}
	if _, err := unix.Getpeername(t.fd); err != nil {
		if err == unix.ENOTCONN {
			return 0, false
		}
		return Status(err), true
	}
	return 0, true
}

// Write queues buf to be written, in full, then calls cb. Writes issued
// while a connect is in progress wait for it. The caller must not modify
// buf until cb is called.
func (t *TCP) Write(buf []byte, cb WriteFunc) error {
	if cb == nil {
		return ErrNilCallback
	}

	l := t.loop
	l.mu.Lock()
	err := t.writeLocked(buf, cb)
	l.mu.Unlock()
	if err == nil {
		l.wakeup()
	}
	return err
}

func (t *TCP) writeLocked(buf []byte, cb WriteFunc) error {
	if err := t.usableLocked(); err != nil {
		return err
	}
	if !t.connected && t.connectReq == nil {
		return ErrNotConnected
	}
	t.writes.Add(&writeReq{cb: cb, buf: buf})
	if t.connected && t.writes.Length() == 1 {
		t.flushWritesLocked()
	}
	return t.updateInterestLocked()
}

func (t *TCP) flushWritesLocked() {
	for t.writes.Length() > 0 {
		req, _ := t.writes.Peek().(*writeReq)
		for req.off < len(req.buf) {
			n, err := unix.Write(t.fd, req.buf[req.off:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if isTemporary(err) {
					return
				}
				t.failWritesLocked(Status(err))
				return
			}
			req.off += n
		}
		t.writes.Remove()
		t.completeWriteLocked(req, 0)
	}
}

func (t *TCP) failWritesLocked(status int) {
	for t.writes.Length() > 0 {
		req, _ := t.writes.Remove().(*writeReq)
		t.completeWriteLocked(req, status)
	}
}

func (t *TCP) completeWriteLocked(req *writeReq, status int) {
	cb := req.cb
	t.loop.queueLocked(func() { cb(status) })
}

// ReadStart starts reading from the connected socket, until ReadStop, Close,
// EOF or a read error. Fails with ErrAlreadyActive if already reading.
func (t *TCP) ReadStart(alloc AllocFunc, cb ReadFunc) error {
	if alloc == nil || cb == nil {
		return ErrNilCallback
	}

	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return err
	}
	if t.reading {
		return ErrAlreadyActive
	}
	if !t.connected {
		return ErrNotConnected
	}
	t.reading = true
	t.alloc = alloc
	t.readCb = cb
	t.logger.Debug().Log("reactor: read started")
	return t.updateInterestLocked()
}

// ReadStop stops reading. It is a no-op if not reading. A read that already
// completed may still be delivered.
func (t *TCP) ReadStop() error {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.reading {
		return nil
	}
	t.stopReadingLocked()
	t.logger.Debug().Log("reactor: read stopped")
	return t.updateInterestLocked()
}

func (t *TCP) stopReadingLocked() {
	t.reading = false
	t.alloc = nil
	t.readCb = nil
}

// IsReading reports if the handle is reading.
func (t *TCP) IsReading() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.reading
}

// IsActive implements Handle.
func (t *TCP) IsActive() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.connectReq != nil || t.writes.Length() > 0 || t.reading
}

// Close implements Handle. Any pending connect and writes complete with
// ECANCELED.
func (t *TCP) Close(cb func()) error {
	l := t.loop
	l.mu.Lock()
	if t.closing {
		l.mu.Unlock()
		return ErrHandleClosing
	}

	var cancelled []func()
	if req := t.connectReq; req != nil {
		t.connectReq = nil
		cancelled = append(cancelled, func() { req.cb(ECANCELED) })
	}
	for t.writes.Length() > 0 {
		req, _ := t.writes.Remove().(*writeReq)
		cancelled = append(cancelled, func() { req.cb(ECANCELED) })
	}
	t.stopReadingLocked()
	t.connected = false

	err := t.closeLocked(cb, cancelled)
	l.mu.Unlock()
	l.wakeup()
	return err
}

// SetKeepAlive configures TCP keepalive, with delay the idle time before the
// first probe, rounded down to whole seconds (min 1s). It applies to the
// socket once created, if it is not already.
func (t *TCP) SetKeepAlive(enable bool, delay time.Duration) error {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return err
	}
	t.keepAlive = enable
	t.keepAliveDelay = delay
	if t.fd < 0 {
		return nil
	}
	return t.applyKeepAliveLocked()
}

// SetNoDelay toggles TCP_NODELAY (disables Nagle's algorithm).
func (t *TCP) SetNoDelay(enable bool) error {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return err
	}
	t.noDelay = enable
	if t.fd < 0 {
		return nil
	}
	return t.applyNoDelayLocked()
}

func (t *TCP) applyOptionsLocked() error {
	if t.keepAlive {
		if err := t.applyKeepAliveLocked(); err != nil {
			return err
		}
	}
	if t.noDelay {
		return t.applyNoDelayLocked()
	}
	return nil
}

func (t *TCP) applyKeepAliveLocked() error {
	if !t.keepAlive {
		return unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0)
	}
	if err := unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	secs := int(t.keepAliveDelay / time.Second)
	if secs < 1 {
		secs = 1
	}
	return setKeepAliveIdle(t.fd, secs)
}

func (t *TCP) applyNoDelayLocked() error {
	v := 0
	if t.noDelay {
		v = 1
	}
	return unix.SetsockoptInt(t.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// LocalAddr returns the address the socket is bound to.
func (t *TCP) LocalAddr() (netip.AddrPort, error) {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.fd < 0 {
		return netip.AddrPort{}, ErrNotConnected
	}
	sa, err := unix.Getsockname(t.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// RemoteAddr returns the address of the connected peer.
func (t *TCP) RemoteAddr() (netip.AddrPort, error) {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.fd < 0 || !t.connected {
		return netip.AddrPort{}, ErrNotConnected
	}
	sa, err := unix.Getpeername(t.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func (t *TCP) updateInterestLocked() error {
	var want IOEvents
	if t.reading {
		want |= EventRead
	}
	if (t.connectReq != nil && t.connectReq.inProgress) || (t.connected && t.writes.Length() > 0) {
		want |= EventWrite
	}
	return t.setInterestLocked(want)
}

func (t *TCP) handleIO(events IOEvents) {
	if events&(EventWrite|EventError|EventHangup) != 0 {
		t.onWritable()
	}
	if events&(EventRead|EventError|EventHangup) != 0 {
		t.onReadable()
	}
}

func (t *TCP) onWritable() {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.closing {
		return
	}
	if req := t.connectReq; req != nil && req.inProgress {
		status, done := t.connectResultLocked()
		if done {
			t.finishConnectLocked(status)
		}
		return
	}
	if t.connected && t.writes.Length() > 0 {
		t.flushWritesLocked()
		_ = t.updateInterestLocked()
	}
}

func (t *TCP) onReadable() {
	l := t.loop

	l.mu.Lock()
	if t.closing || !t.reading {
		l.mu.Unlock()
		return
	}
	alloc := t.alloc
	l.mu.Unlock()

	buf, ok := l.callAlloc(alloc)

	l.mu.Lock()
	defer l.mu.Unlock()

	// reading may have been stopped by another goroutine, the buffer is dropped
	if t.closing || !t.reading || !ok {
		return
	}
	cb := t.readCb

	if len(buf) == 0 {
		l.queueLocked(func() { cb(ENOBUFS, buf) })
		return
	}

	var status int
	for {
		n, err := unix.Read(t.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == nil && n > 0:
			status = n
		case err == nil:
			status = EOF
			t.stopReadingLocked()
		case isTemporary(err):
			status = 0
		default:
			status = Status(err)
			t.stopReadingLocked()
		}
		break
	}
	if status < 0 {
		t.logger.Debug().
			Int("status", status).
			Log("reactor: read stopped")
		_ = t.updateInterestLocked()
	}

	l.queueLocked(func() { cb(status, buf) })
}
