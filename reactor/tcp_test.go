//go:build linux || darwin

package reactor

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func addrOf(t *testing.T, addr net.Addr) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		t.Fatalf("ParseAddrPort failed: %v", err)
	}
	return ap
}

func closeAndDrain(t *testing.T, loop *Loop, h Handle) {
	t.Helper()
	var closed bool
	if err := h.Close(func() { closed = true }); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	pumpUntil(t, loop, func() bool { return closed })
}

func connectTCP(t *testing.T, loop *Loop, addr netip.AddrPort) *TCP {
	t.Helper()
	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	status := 1
	if err := tcp.Connect(addr, func(s int) { status = s }); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	pumpUntil(t, loop, func() bool { return status != 1 })
	if status != 0 {
		t.Fatalf("connect status = %d (%s)", status, StatusText(status))
	}
	return tcp
}

func TestTCP_ConnectRefused(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)
	addr := addrOf(t, ln.Addr())
	_ = ln.Close()

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	status := 1
	if err := tcp.Connect(addr, func(s int) { status = s }); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if status != 1 {
		t.Fatal("connect callback ran synchronously")
	}
	pumpUntil(t, loop, func() bool { return status != 1 })

	if status != -int(unix.ECONNREFUSED) {
		t.Errorf("status = %d (%s)", status, StatusText(status))
	}
	if !errors.Is(StatusErr(status), unix.ECONNREFUSED) {
		t.Errorf("StatusErr() = %v", StatusErr(status))
	}
	if err := tcp.ReadStart(func(int) []byte { return nil }, func(int, []byte) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadStart() error = %v", err)
	}

	closeAndDrain(t, loop, tcp)
}

func TestTCP_Echo(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
		_, _ = io.Copy(conn, conn)
	}()

	tcp := connectTCP(t, loop, addrOf(t, ln.Addr()))
	if remote, err := tcp.RemoteAddr(); err != nil || remote != addrOf(t, ln.Addr()) {
		t.Errorf("RemoteAddr() = %v, %v", remote, err)
	}
	if local, err := tcp.LocalAddr(); err != nil || !local.Addr().IsLoopback() {
		t.Errorf("LocalAddr() = %v, %v", local, err)
	}

	msg := []byte("Hello world!\n")
	writeStatus := 1
	if err := tcp.Write(msg, func(s int) { writeStatus = s }); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	var (
		received bytes.Buffer
		statuses []int
	)
	if err := tcp.ReadStart(
		func(suggested int) []byte {
			if suggested != DefaultReadBufferSize {
				t.Errorf("suggested = %d", suggested)
			}
			return make([]byte, suggested)
		},
		func(nread int, buf []byte) {
			statuses = append(statuses, nread)
			if nread > 0 {
				received.Write(buf[:nread])
			}
		},
	); err != nil {
		t.Fatalf("ReadStart() failed: %v", err)
	}
	if err := tcp.ReadStart(func(int) []byte { return nil }, func(int, []byte) {}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second ReadStart() error = %v", err)
	}

	pumpUntil(t, loop, func() bool { return writeStatus != 1 && received.Len() >= len(msg) })
	if writeStatus != 0 {
		t.Errorf("write status = %d", writeStatus)
	}
	if received.String() != string(msg) {
		t.Errorf("received %q", received.String())
	}

	// peer close is reported as a negative read status, then reading stops
	conn := <-accepted
	if conn == nil {
		t.Fatal("accept failed")
	}
	_ = conn.Close()
	pumpUntil(t, loop, func() bool { return len(statuses) > 0 && statuses[len(statuses)-1] < 0 })
	if last := statuses[len(statuses)-1]; last != EOF && last != -int(unix.ECONNRESET) {
		t.Errorf("final status = %d (%s)", last, StatusText(last))
	}
	if tcp.IsReading() {
		t.Error("expected reading to stop")
	}

	closeAndDrain(t, loop, tcp)
}

func TestTCP_ReadStopIdempotent(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte("x"))
			time.Sleep(time.Second)
			_ = conn.Close()
		}
	}()

	tcp := connectTCP(t, loop, addrOf(t, ln.Addr()))

	if err := tcp.ReadStop(); err != nil {
		t.Errorf("ReadStop() before start failed: %v", err)
	}
	var reads int
	alloc := func(n int) []byte { return make([]byte, n) }
	if err := tcp.ReadStart(alloc, func(int, []byte) { reads++ }); err != nil {
		t.Fatalf("ReadStart() failed: %v", err)
	}
	if !tcp.IsActive() {
		t.Error("expected reading handle to be active")
	}
	if err := tcp.ReadStop(); err != nil {
		t.Errorf("ReadStop() failed: %v", err)
	}
	if err := tcp.ReadStop(); err != nil {
		t.Errorf("second ReadStop() failed: %v", err)
	}
	if tcp.IsReading() || tcp.IsActive() {
		t.Error("expected stopped handle to be idle")
	}

	closeAndDrain(t, loop, tcp)
	if reads != 0 {
		t.Errorf("reads = %d after stop", reads)
	}
	if err := tcp.ReadStart(alloc, func(int, []byte) {}); !errors.Is(err, ErrHandleClosing) {
		t.Errorf("ReadStart() after Close() error = %v", err)
	}
}

func TestTCP_ZeroBuffer(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte("x"))
			time.Sleep(time.Second)
			_ = conn.Close()
		}
	}()

	tcp := connectTCP(t, loop, addrOf(t, ln.Addr()))
	var status int
	if err := tcp.ReadStart(
		func(int) []byte { return []byte{} },
		func(nread int, _ []byte) {
			status = nread
			_ = tcp.ReadStop()
		},
	); err != nil {
		t.Fatalf("ReadStart() failed: %v", err)
	}
	pumpUntil(t, loop, func() bool { return status != 0 })
	if status != ENOBUFS {
		t.Errorf("status = %d", status)
	}

	closeAndDrain(t, loop, tcp)
}

func TestTCP_CloseCancelsWrites(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		// never read, so the writer fills the socket buffers
		accepted <- conn
	}()

	tcp := connectTCP(t, loop, addrOf(t, ln.Addr()))
	defer func() {
		if conn := <-accepted; conn != nil {
			_ = conn.Close()
		}
	}()

	var statuses []int
	big := make([]byte, 64<<20)
	if err := tcp.Write(big, func(s int) { statuses = append(statuses, s) }); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := tcp.Write([]byte("tail"), func(s int) { statuses = append(statuses, s) }); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if !tcp.IsActive() {
		t.Fatal("expected pending writes")
	}

	closeAndDrain(t, loop, tcp)
	if len(statuses) != 2 || statuses[0] != ECANCELED || statuses[1] != ECANCELED {
		t.Errorf("statuses = %v", statuses)
	}
	if err := tcp.Write([]byte("x"), func(int) {}); !errors.Is(err, ErrHandleClosing) {
		t.Errorf("Write() after Close() error = %v", err)
	}
}

func TestTCP_CloseCancelsConnect(t *testing.T) {
	loop := newTestLoop(t)

	ln := listenTCP(t)

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	status := 1
	if err := tcp.Connect(addrOf(t, ln.Addr()), func(s int) { status = s }); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	loop.mu.Lock()
	inProgress := tcp.connectReq != nil && tcp.connectReq.inProgress
	loop.mu.Unlock()

	closeAndDrain(t, loop, tcp)
	if !inProgress {
		t.Skipf("connect completed synchronously, status %d", status)
	}
	if status != ECANCELED {
		t.Errorf("status = %d", status)
	}
}

func TestTCP_WriteNotConnected(t *testing.T) {
	loop := newTestLoop(t)

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	if err := tcp.Write([]byte("x"), func(int) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v", err)
	}
	if err := tcp.Write([]byte("x"), nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("Write(nil) error = %v", err)
	}
	if err := tcp.Connect(netip.AddrPort{}, func(int) {}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Connect(invalid) error = %v", err)
	}
	if _, err := tcp.RemoteAddr(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RemoteAddr() error = %v", err)
	}
	if err := tcp.SetKeepAlive(true, time.Minute); err != nil {
		t.Errorf("SetKeepAlive() failed: %v", err)
	}
	if err := tcp.SetNoDelay(true); err != nil {
		t.Errorf("SetNoDelay() failed: %v", err)
	}

	closeAndDrain(t, loop, tcp)
}

func TestTCP_KeepAliveApplied(t *testing.T) {
	loop := newTestLoop(t)
	ln := listenTCP(t)

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	if err := tcp.SetKeepAlive(true, 60*time.Second); err != nil {
		t.Fatalf("SetKeepAlive() failed: %v", err)
	}
	status := 1
	if err := tcp.Connect(addrOf(t, ln.Addr()), func(s int) { status = s }); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	pumpUntil(t, loop, func() bool { return status != 1 })

	loop.mu.Lock()
	v, err := unix.GetsockoptInt(tcp.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	loop.mu.Unlock()
	if err != nil || v == 0 {
		t.Errorf("SO_KEEPALIVE = %d, %v", v, err)
	}

	closeAndDrain(t, loop, tcp)
}

func TestTCP_ConnectPollerFailure(t *testing.T) {
	loop := newTestLoop(t)
	addr := addrOf(t, listenTCP(t).Addr())

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	var calls int
	loop.poller.closed.Store(true)
	err = tcp.Connect(addr, func(int) { calls++ })
	loop.poller.closed.Store(false)
	if err == nil {
		closeAndDrain(t, loop, tcp)
		t.Skip("connect completed without waiting on the poller")
	}
	if !errors.Is(err, errPollerClosed) {
		t.Fatalf("Connect() error = %v", err)
	}
	if tcp.IsActive() {
		t.Error("expected failed connect to leave the handle inactive")
	}

	closeAndDrain(t, loop, tcp)
	if calls != 0 {
		t.Errorf("connect callback called %d times", calls)
	}
}
