package sockloop

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/joeycumines/go-sockloop/completion"
	"github.com/joeycumines/go-sockloop/reactor"
)

// StreamState is the connection state of a Stream.
type StreamState int32

const (
	StreamUninitialized StreamState = iota
	StreamConnecting
	StreamConnected
	// StreamFailed means the connect completed with a nonzero status, after
	// which only Close is valid.
	StreamFailed
	StreamClosing
	StreamClosed
)

func (x StreamState) String() string {
	switch x {
	case StreamUninitialized:
		return "uninitialized"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamFailed:
		return "failed"
	case StreamClosing:
		return "closing"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(x))
	}
}

// Stream is a TCP client socket, driven in sequential style: Connect, Send,
// RecvStart, then Recv in a loop, from any goroutine other than the one
// pumping the Service.
//
// At most one connect and one send may be outstanding at a time. An
// operation whose caller stopped waiting (ctx) is still outstanding, until
// the reactor completes it.
type Stream struct {
	socket
	tcp       *reactor.TCP
	connectQ  *completion.Bridge[opResult]
	sendQ     *completion.Bridge[opResult]
	connectOp opTracker
	sendOp    opTracker
	state     StreamState
}

// NewStream opens a new, unconnected, stream socket.
func (s *Service) NewStream(opts ...SocketOption) (*Stream, error) {
	cfg, err := resolveSocketOptions(s.pool, opts)
	if err != nil {
		return nil, err
	}

	tcp, err := reactor.NewTCP(s.loop)
	if err != nil {
		return nil, err
	}
	if err := tcp.SetKeepAlive(cfg.keepAlive > 0, cfg.keepAlive); err != nil {
		_ = tcp.Close(nil)
		return nil, err
	}
	if cfg.noDelay {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = tcp.Close(nil)
			return nil, err
		}
	}

	x := &Stream{
		tcp:      tcp,
		connectQ: completion.New[opResult](),
		sendQ:    completion.New[opResult](),
	}
	x.init(s, cfg.pool, "stream", tcp.ID())
	return x, nil
}

// ID returns the id of the underlying reactor handle.
func (x *Stream) ID() uint64 { return x.tcp.ID() }

// State returns the current connection state.
func (x *Stream) State() StreamState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Connect connects to the IPv4 or IPv6 literal host, and port, waiting for
// the outcome. A nonzero reactor status is returned as a *StatusError.
func (x *Stream) Connect(ctx context.Context, host string, port int) error {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("sockloop: invalid host %q: %w", host, err)
	}
	if port < 0 || port > 0xffff {
		return fmt.Errorf("sockloop: invalid port %d", port)
	}
	return x.ConnectAddr(ctx, netip.AddrPortFrom(ip, uint16(port)))
}

// ConnectAddr is Connect, for an already parsed address.
func (x *Stream) ConnectAddr(ctx context.Context, addr netip.AddrPort) error {
	if x.svc.loop.InLoop() {
		return ErrWouldDeadlock
	}

	x.mu.Lock()
	switch x.state {
	case StreamUninitialized:
	case StreamConnecting:
		x.mu.Unlock()
		return ErrOperationInProgress
	case StreamClosing, StreamClosed:
		x.mu.Unlock()
		return ErrClosed
	default:
		x.mu.Unlock()
		return ErrInvalidState
	}
	seq, err := x.connectOp.begin()
	if err != nil {
		x.mu.Unlock()
		return err
	}
	if err := x.tcp.Connect(addr, func(status int) { x.onConnect(seq, status) }); err != nil {
		x.connectOp.end()
		x.mu.Unlock()
		return translateErr(err)
	}
	x.state = StreamConnecting
	x.mu.Unlock()

	status, err := x.awaitOp(ctx, x.connectQ, seq)
	if err != nil {
		return err
	}
	return statusError("connect", status)
}

func (x *Stream) onConnect(seq uint64, status int) {
	x.mu.Lock()
	if x.state == StreamConnecting {
		if status == 0 {
			x.state = StreamConnected
		} else {
			x.state = StreamFailed
		}
	}
	x.mu.Unlock()

	x.logger.Debug().
		Int("status", status).
		Log("sockloop: connect completed")

	x.complete(&x.connectOp, x.connectQ, seq, status)
}

// Send writes p, in full, waiting for the outcome. A nonzero reactor status
// is returned as a *StatusError.
//
// The write is zero-copy: p must not be modified until Send returns, or, if
// ctx was done first, until the next Send is accepted, or the stream is
// closed.
func (x *Stream) Send(ctx context.Context, p []byte) error {
	if x.svc.loop.InLoop() {
		return ErrWouldDeadlock
	}

	x.mu.Lock()
	if err := x.connectedLocked(); err != nil {
		x.mu.Unlock()
		return err
	}
	seq, err := x.sendOp.begin()
	if err != nil {
		x.mu.Unlock()
		return err
	}
	if err := x.tcp.Write(p, func(status int) { x.complete(&x.sendOp, x.sendQ, seq, status) }); err != nil {
		x.sendOp.end()
		x.mu.Unlock()
		return translateErr(err)
	}
	x.mu.Unlock()

	status, err := x.awaitOp(ctx, x.sendQ, seq)
	if err != nil {
		return err
	}
	return statusError("write", status)
}

// RecvStart starts receiving. It is a no-op if already receiving, and
// otherwise registers exactly one read with the reactor, which delivers to
// Recv until RecvStop, Close, or the stream breaks.
func (x *Stream) RecvStart() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.receiving {
		return nil
	}
	if err := x.connectedLocked(); err != nil {
		return err
	}
	if err := x.tcp.ReadStart(x.alloc, x.onRead); err != nil {
		return translateErr(err)
	}
	x.receiving = true
	return nil
}

// RecvStop stops receiving. It is a no-op if not receiving. Deliveries that
// were already queued remain available to Recv.
func (x *Stream) RecvStop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.receiving {
		return nil
	}
	x.receiving = false
	return translateErr(x.tcp.ReadStop())
}

func (x *Stream) onRead(nread int, buf []byte) {
	r := &Received{Buf: buf, N: nread, pool: x.pool}
	if r.Broken() {
		// the reactor stops reading, on a broken stream
		x.mu.Lock()
		x.receiving = false
		x.mu.Unlock()
		x.logger.Debug().
			Int("status", nread).
			Log("sockloop: stream broken")
	}
	x.deliver(r)
}

// Close stops receiving, closes the socket, and waits for the reactor to
// acknowledge. Outstanding operations complete with reactor.ECANCELED.
// Calling Close again waits for the same acknowledgement.
func (x *Stream) Close(ctx context.Context) error {
	x.RequestClose()
	return x.awaitClosed(ctx)
}

// RequestClose starts closing, without waiting, see Closed. It may be
// called from a reactor callback.
func (x *Stream) RequestClose() {
	if !x.latch.Arm() {
		return
	}
	x.mu.Lock()
	x.receiving = false
	x.state = StreamClosing
	x.mu.Unlock()
	x.issueClose(x.tcp, func() {
		x.mu.Lock()
		x.state = StreamClosed
		x.mu.Unlock()
		x.connectQ.Close(ErrClosed)
		x.sendQ.Close(ErrClosed)
	})
}

// LocalAddr returns the local address of the connected socket.
func (x *Stream) LocalAddr() (netip.AddrPort, error) {
	addr, err := x.tcp.LocalAddr()
	return addr, translateErr(err)
}

// RemoteAddr returns the address of the connected peer.
func (x *Stream) RemoteAddr() (netip.AddrPort, error) {
	addr, err := x.tcp.RemoteAddr()
	return addr, translateErr(err)
}

func (x *Stream) connectedLocked() error {
	switch x.state {
	case StreamConnected:
		return nil
	case StreamClosing, StreamClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}
