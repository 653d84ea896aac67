//go:build linux || darwin

package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := loop.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return loop
}

// pumpUntil runs the loop on the calling goroutine until done reports true.
func pumpUntil(t *testing.T, loop *Loop, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for !done() {
		alive, err := loop.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() failed: %v", err)
		}
		if !alive && !done() {
			t.Fatal("loop is no longer alive")
		}
	}
}

func TestRunOnce_EmptyLoop(t *testing.T) {
	loop := newTestLoop(t)

	start := time.Now()
	alive, err := loop.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if alive {
		t.Error("expected empty loop to not be alive")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RunOnce() blocked for %v", elapsed)
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestSubmit_RunsOnPump(t *testing.T) {
	loop := newTestLoop(t)

	var ran, inLoop atomic.Bool
	if err := loop.Submit(func() {
		ran.Store(true)
		inLoop.Store(loop.InLoop())
	}); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if ran.Load() {
		t.Fatal("callback ran before the loop was pumped")
	}
	if !loop.Alive() {
		t.Fatal("expected queued callback to keep the loop alive")
	}

	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if !ran.Load() {
		t.Fatal("callback did not run")
	}
	if !inLoop.Load() {
		t.Error("expected InLoop() within a callback")
	}
	if loop.InLoop() {
		t.Error("expected !InLoop() outside the pump")
	}

	if err := loop.Submit(nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("Submit(nil) error = %v", err)
	}
}

func TestRunOnce_Reentrant(t *testing.T) {
	loop := newTestLoop(t)

	var runErr, closeErr error
	_ = loop.Submit(func() {
		_, runErr = loop.RunOnce(context.Background())
		closeErr = loop.Close()
	})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !errors.Is(runErr, ErrReentrantRun) {
		t.Errorf("RunOnce() in callback error = %v", runErr)
	}
	if !errors.Is(closeErr, ErrReentrantRun) {
		t.Errorf("Close() in callback error = %v", closeErr)
	}
}

func TestRunOnce_ConcurrentPump(t *testing.T) {
	loop := newTestLoop(t)

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- loop.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !loop.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Serve() did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := loop.RunOnce(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunOnce() error = %v", err)
	}

	cancel()
	if err := <-serveDone; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v", err)
	}

	var closed bool
	if err := tcp.Close(func() { closed = true }); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	pumpUntil(t, loop, func() bool { return closed })
}

func TestRunOnce_ContextCancelled(t *testing.T) {
	loop := newTestLoop(t)

	// an idle handle keeps the loop alive, without ever becoming ready
	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	alive, err := loop.RunOnce(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !alive {
		t.Error("expected loop to be alive")
	}

	_ = tcp.Close(nil)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestClose_HandlesActive(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	tcp, err := NewTCP(loop)
	if err != nil {
		t.Fatalf("NewTCP() failed: %v", err)
	}
	if got := loop.Handles(); got != 1 {
		t.Errorf("Handles() = %d, want 1", got)
	}
	if err := loop.Close(); !errors.Is(err, ErrHandlesActive) {
		t.Fatalf("Close() error = %v", err)
	}

	var order []string
	if err := tcp.Close(func() { order = append(order, "closed") }); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := tcp.Close(nil); !errors.Is(err, ErrHandleClosing) {
		t.Errorf("second Close() error = %v", err)
	}
	if !tcp.IsClosing() {
		t.Error("expected IsClosing()")
	}

	// the close callback is deferred to the loop
	if len(order) != 0 {
		t.Fatal("close callback ran synchronously")
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(order) != 1 {
		t.Fatalf("close callback ran %d times", len(order))
	}

	if err := loop.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := loop.RunOnce(context.Background()); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("RunOnce() after Close() error = %v", err)
	}
	if _, err := NewTCP(loop); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("NewTCP() after Close() error = %v", err)
	}
}

func TestSafeExecute_Panic(t *testing.T) {
	loop := newTestLoop(t, WithPanicLogRates(nil))

	var after bool
	_ = loop.Submit(func() { panic("boom") })
	_ = loop.Submit(func() { after = true })

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !after {
		t.Error("panic stopped later callbacks")
	}
}

func TestWalk(t *testing.T) {
	loop := newTestLoop(t)

	tcp, _ := NewTCP(loop)
	udp, _ := NewUDP(loop)

	var kinds []HandleKind
	loop.Walk(func(h Handle) { kinds = append(kinds, h.Kind()) })
	if len(kinds) != 2 || kinds[0] != KindTCP || kinds[1] != KindUDP {
		t.Errorf("Walk() kinds = %v", kinds)
	}
	if h, ok := loop.Lookup(udp.ID()); !ok || h != Handle(udp) {
		t.Errorf("Lookup() = %v, %v", h, ok)
	}

	_ = tcp.Close(nil)
	_ = udp.Close(nil)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if _, ok := loop.Lookup(udp.ID()); ok {
		t.Error("expected closed handle to be removed")
	}
}

func TestOptions_Invalid(t *testing.T) {
	for _, opt := range []LoopOption{
		WithReadBufferSize(0),
		WithMaxEvents(-1),
		WithRecvBatch(0),
	} {
		if _, err := New(opt); err == nil {
			t.Error("expected error for invalid option")
		}
	}

	loop := newTestLoop(t, nil, WithReadBufferSize(512))
	if got := loop.ReadBufferSize(); got != 512 {
		t.Errorf("ReadBufferSize() = %d", got)
	}
}

func TestServe_ConcurrentSubmit(t *testing.T) {
	loop := newTestLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- loop.Serve(ctx) }()
	defer func() {
		cancel()
		if err := <-served; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	const submitters = 4
	done := make(chan struct{}, submitters)
	deadline := time.Now().Add(time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		var wg sync.WaitGroup
		for j := 0; j < submitters; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := loop.Submit(func() { done <- struct{}{} }); err != nil {
					t.Errorf("Submit() failed: %v", err)
				}
			}()
		}
		wg.Wait()
		for j := 0; j < submitters; j++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("iteration %d: submitted callback never ran, wakePending=%v", i, loop.wakePending.Load())
			}
		}
	}
}

func TestWakeup_SignalFailure(t *testing.T) {
	loop := newTestLoop(t)

	fd := loop.wakeWriteFd
	loop.wakeWriteFd = -1
	loop.wakeupExternal()
	loop.wakeWriteFd = fd

	if loop.wakePending.Load() {
		t.Fatal("expected a failed wakeup to not remain pending")
	}

	// a later wakeup still reaches the poll
	loop.wakeupExternal()
	if !loop.wakePending.Load() {
		t.Fatal("expected wakeup to be pending")
	}
}
