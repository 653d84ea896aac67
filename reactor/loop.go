package reactor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single goroutine, callback driven I/O reactor.
//
// Operations on handles may be issued from any goroutine. Every completion
// callback is deferred to, and run by, whichever goroutine is pumping the
// loop (via RunOnce, Run or Serve), and never with the loop's lock held, so
// callbacks may freely issue new operations. Only one goroutine may pump the
// loop at a time.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	registry *registry

	// I/O poller, level triggered
	poller poller

	// Wake-up mechanism
	wakeFd      int
	wakeWriteFd int
	wakePending atomic.Bool

	// mu guards pending, and the mutable state of every handle
	mu         sync.Mutex
	pending    []func()
	pendingBuf []func()

	// Goroutine tracking
	loopGoroutineID atomic.Uint64
	running         atomic.Bool
	closed          atomic.Bool

	readBufferSize int
	recvBatch      int

	// Loop ID
	id uint64
}

var loopIDCounter atomic.Uint64

// New creates a new loop. It must be closed using [Loop.Close], once every
// handle opened on it has been closed.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		id:             loopIDCounter.Add(1),
		registry:       newRegistry(),
		wakeFd:         wakeFd,
		wakeWriteFd:    wakeWriteFd,
		readBufferSize: cfg.readBufferSize,
		recvBatch:      cfg.recvBatch,
		limiter:        cfg.newLimiter(),
	}
	loop.logger = cfg.logger.Clone().
		Uint64("loop", loop.id).
		Logger()

	if err := loop.poller.init(cfg.maxEvents); err != nil {
		loop.closeWakeFds()
		return nil, err
	}

	if err := loop.poller.registerFD(wakeFd, EventRead, func(IOEvents) {
		// drain before clearing, a wakeup racing the reset is covered by the
		// pending callbacks run after dispatch
		drainWakeFd(loop.wakeFd)
		loop.wakePending.Store(false)
	}); err != nil {
		_ = loop.poller.close()
		loop.closeWakeFds()
		return nil, err
	}

	return loop, nil
}

// ID identifies the loop, within the process.
func (l *Loop) ID() uint64 { return l.id }

// Logger returns the loop's logger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] { return l.logger }

// ReadBufferSize is the size suggested to each allocation callback.
func (l *Loop) ReadBufferSize() int { return l.readBufferSize }

// Alive reports if the loop has registered handles, or queued callbacks.
func (l *Loop) Alive() bool {
	l.mu.Lock()
	n := len(l.pending)
	l.mu.Unlock()
	return n > 0 || l.registry.len() > 0
}

// Handles returns the number of registered handles, including those that
// are closing.
func (l *Loop) Handles() int { return l.registry.len() }

// Walk calls fn for every registered handle, in the order they were opened.
func (l *Loop) Walk(fn func(Handle)) {
	for _, h := range l.registry.snapshot() {
		fn(h)
	}
}

// Lookup returns the registered handle with the given id.
func (l *Loop) Lookup(id uint64) (Handle, bool) { return l.registry.get(id) }

// InLoop reports if the caller is running on the goroutine currently
// pumping the loop, i.e. within a callback.
func (l *Loop) InLoop() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// Submit queues fn to run on the next pump of the loop.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.mu.Lock()
	l.queueLocked(fn)
	l.mu.Unlock()
	l.wakeup()
	return nil
}

// queueLocked appends fn to the pending callbacks. The caller is responsible
// for waking the loop, after unlocking.
func (l *Loop) queueLocked(fn func()) {
	l.pending = append(l.pending, fn)
}

// wakeup interrupts a blocked poll, unless the caller is the pump itself.
func (l *Loop) wakeup() {
	if l.InLoop() {
		return
	}
	l.wakeupExternal()
}

// RunOnce performs a single iteration of the loop: run queued callbacks,
// poll for I/O (blocking if and only if nothing ran, and the loop is
// alive), dispatch every ready event, then run the callbacks that queued.
//
// It returns immediately, reporting false, if the loop is not alive, and
// otherwise reports if the loop is still alive, after the iteration. A
// blocked poll is interrupted by ctx, and by operations issued from other
// goroutines.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	if err := l.enter(); err != nil {
		return false, err
	}
	defer l.exit()
	stop := context.AfterFunc(ctx, l.wakeupExternal)
	defer stop()
	return l.tick(ctx, false)
}

// Run pumps the loop until it is no longer alive, or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	stop := context.AfterFunc(ctx, l.wakeupExternal)
	defer stop()
	for {
		alive, err := l.tick(ctx, false)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
	}
}

// Serve pumps the loop until ctx is done, idling until woken while it is
// not alive. It always returns a non-nil error.
func (l *Loop) Serve(ctx context.Context) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	stop := context.AfterFunc(ctx, l.wakeupExternal)
	defer stop()
	for {
		if _, err := l.tick(ctx, true); err != nil {
			return err
		}
	}
}

// Close releases the loop's resources. It fails with ErrHandlesActive if
// any handle is still registered, with ErrAlreadyRunning if the loop is
// being pumped, and is a no-op if already closed.
func (l *Loop) Close() error {
	if l.InLoop() {
		return ErrReentrantRun
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	if l.closed.Load() {
		return nil
	}
	if l.registry.len() > 0 {
		return ErrHandlesActive
	}

	// flush anything left by Submit
	l.loopGoroutineID.Store(getGoroutineID())
	for l.runPending() != 0 {
	}
	l.loopGoroutineID.Store(0)

	l.closed.Store(true)
	_ = l.poller.unregisterFD(l.wakeFd)
	_ = l.poller.close()
	l.closeWakeFds()
	l.logger.Debug().Log("reactor: loop closed")
	return nil
}

func (l *Loop) enter() error {
	if l.InLoop() {
		return ErrReentrantRun
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if l.closed.Load() {
		l.running.Store(false)
		return ErrLoopClosed
	}
	l.loopGoroutineID.Store(getGoroutineID())
	return nil
}

func (l *Loop) exit() {
	l.loopGoroutineID.Store(0)
	l.running.Store(false)
}

// wakeupExternal is wakeup, for callers known to not be the pump.
func (l *Loop) wakeupExternal() {
	if l.wakePending.CompareAndSwap(false, true) {
		if err := signalWakeFd(l.wakeWriteFd); err != nil {
			l.wakePending.Store(false)
			l.logger.Err().
				Err(err).
				Log("reactor: wakeup failed")
		}
	}
}

func (l *Loop) tick(ctx context.Context, idle bool) (bool, error) {
	ran := l.runPending()

	if !idle && !l.Alive() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return l.Alive(), err
	}

	timeout := -1
	if ran > 0 || l.hasPending() {
		timeout = 0
	}

	if _, err := l.poller.pollIO(timeout); err != nil {
		l.logger.Err().
			Err(err).
			Log("reactor: poll failed")
		return l.Alive(), err
	}

	// closing phase
	l.runPending()

	if err := ctx.Err(); err != nil {
		return l.Alive(), err
	}
	return l.Alive(), nil
}

func (l *Loop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

// runPending runs the callbacks queued before it was called, returning how
// many there were. Callbacks queued while running wait for the next call.
func (l *Loop) runPending() int {
	l.mu.Lock()
	batch := l.pending
	l.pending = l.pendingBuf[:0]
	l.mu.Unlock()

	for i, fn := range batch {
		l.safeExecute(fn)
		batch[i] = nil
	}

	// double buffered, the next batch swaps back in
	l.mu.Lock()
	l.pendingBuf = batch[:0]
	l.mu.Unlock()

	return len(batch)
}

// safeExecute runs fn, recovering and logging any panic.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logPanic(`callback`, r)
		}
	}()

	fn()
}

// callAlloc runs alloc with the suggested size, recovering any panic.
func (l *Loop) callAlloc(alloc AllocFunc) (buf []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(`alloc`, r)
			buf, ok = nil, false
		}
	}()
	return alloc(l.readBufferSize), true
}

func (l *Loop) logPanic(category string, r any) {
	if _, ok := l.limiter.Allow(category); !ok {
		return
	}
	l.logger.Err().
		Str("category", category).
		Any("panic", r).
		Log("reactor: recovered panic")
}

// closeWakeFds closes the wake-up file descriptors.
func (l *Loop) closeWakeFds() {
	_ = unix.Close(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = unix.Close(l.wakeWriteFd)
	}
}
