package sockloop

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/joeycumines/go-sockloop/completion"
	"github.com/joeycumines/go-sockloop/reactor"
)

// DatagramState is the binding state of a Datagram.
type DatagramState int32

const (
	DatagramUnbound DatagramState = iota
	DatagramBound
	DatagramClosing
	DatagramClosed
)

func (x DatagramState) String() string {
	switch x {
	case DatagramUnbound:
		return "unbound"
	case DatagramBound:
		return "bound"
	case DatagramClosing:
		return "closing"
	case DatagramClosed:
		return "closed"
	default:
		return fmt.Sprintf("DatagramState(%d)", int32(x))
	}
}

// Datagram is a UDP socket. Every reactor receive callback, including those
// reporting nothing was read, is delivered to Recv, see
// [Received.Transient].
type Datagram struct {
	socket
	udp    *reactor.UDP
	sendQ  *completion.Bridge[opResult]
	sendOp opTracker
	state  DatagramState
}

// NewDatagram opens a new, unbound, datagram socket.
func (s *Service) NewDatagram(opts ...SocketOption) (*Datagram, error) {
	cfg, err := resolveSocketOptions(s.pool, opts)
	if err != nil {
		return nil, err
	}
	udp, err := reactor.NewUDP(s.loop)
	if err != nil {
		return nil, err
	}
	x := &Datagram{
		udp:   udp,
		sendQ: completion.New[opResult](),
	}
	x.init(s, cfg.pool, "datagram", udp.ID())
	return x, nil
}

// ID returns the id of the underlying reactor handle.
func (x *Datagram) ID() uint64 { return x.udp.ID() }

// State returns the current binding state.
func (x *Datagram) State() DatagramState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Bind binds to port, on the IPv4 wildcard address.
func (x *Datagram) Bind(port int) error {
	if port < 0 || port > 0xffff {
		return fmt.Errorf("sockloop: invalid port %d", port)
	}
	return x.BindAddr(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)))
}

// BindAddr binds to addr. A socket may only be bound once, and is bound
// implicitly, to an ephemeral port, by RecvStart or SendTo.
func (x *Datagram) BindAddr(addr netip.AddrPort) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case DatagramUnbound:
	case DatagramBound:
		return ErrAlreadyBound
	default:
		return ErrClosed
	}
	if err := x.udp.Bind(addr, 0); err != nil {
		return translateErr(err)
	}
	x.state = DatagramBound
	return nil
}

// RecvStart starts receiving. It is a no-op if already receiving.
func (x *Datagram) RecvStart() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.receiving {
		return nil
	}
	if err := x.openLocked(); err != nil {
		return err
	}
	if err := x.udp.RecvStart(x.alloc, x.onRecv); err != nil {
		return translateErr(err)
	}
	x.receiving = true
	x.state = DatagramBound
	return nil
}

// RecvStop stops receiving. It is a no-op if not receiving.
func (x *Datagram) RecvStop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.receiving {
		return nil
	}
	x.receiving = false
	return translateErr(x.udp.RecvStop())
}

func (x *Datagram) onRecv(nread int, buf []byte, addr netip.AddrPort, flags reactor.RecvFlags) {
	x.deliver(&Received{
		Buf:   buf,
		N:     nread,
		Addr:  addr,
		Flags: flags,
		pool:  x.pool,
	})
}

// SendTo sends p as a single datagram to addr, waiting for the outcome. A
// nonzero reactor status is returned as a *StatusError. As with
// Stream.Send, p is not copied.
func (x *Datagram) SendTo(ctx context.Context, p []byte, addr netip.AddrPort) error {
	if x.svc.loop.InLoop() {
		return ErrWouldDeadlock
	}

	x.mu.Lock()
	if err := x.openLocked(); err != nil {
		x.mu.Unlock()
		return err
	}
	seq, err := x.sendOp.begin()
	if err != nil {
		x.mu.Unlock()
		return err
	}
	if err := x.udp.Send(p, addr, func(status int) { x.complete(&x.sendOp, x.sendQ, seq, status) }); err != nil {
		x.sendOp.end()
		x.mu.Unlock()
		return translateErr(err)
	}
	x.state = DatagramBound
	x.mu.Unlock()

	status, err := x.awaitOp(ctx, x.sendQ, seq)
	if err != nil {
		return err
	}
	return statusError("send", status)
}

// Close stops receiving, closes the socket, and waits for the reactor to
// acknowledge. Calling Close again waits for the same acknowledgement.
func (x *Datagram) Close(ctx context.Context) error {
	x.RequestClose()
	return x.awaitClosed(ctx)
}

// RequestClose starts closing, without waiting, see Closed.
func (x *Datagram) RequestClose() {
	if !x.latch.Arm() {
		return
	}
	x.mu.Lock()
	x.receiving = false
	x.state = DatagramClosing
	x.mu.Unlock()
	x.issueClose(x.udp, func() {
		x.mu.Lock()
		x.state = DatagramClosed
		x.mu.Unlock()
		x.sendQ.Close(ErrClosed)
	})
}

// LocalAddr returns the address the socket is bound to.
func (x *Datagram) LocalAddr() (netip.AddrPort, error) {
	addr, err := x.udp.LocalAddr()
	if err != nil {
		return netip.AddrPort{}, ErrInvalidState
	}
	return addr, nil
}

func (x *Datagram) openLocked() error {
	switch x.state {
	case DatagramClosing, DatagramClosed:
		return ErrClosed
	default:
		return nil
	}
}
