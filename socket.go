package sockloop

import (
	"context"
	"sync"

	"github.com/joeycumines/go-sockloop/completion"
	"github.com/joeycumines/go-sockloop/reactor"
	"github.com/joeycumines/logiface"
)

// opResult is the completion of one connect or send, tagged with the
// sequence number it was issued with.
type opResult struct {
	seq    uint64
	status int
}

// opTracker sequences the single outstanding operation of a given kind.
type opTracker struct {
	seq      uint64
	inFlight bool
}

func (x *opTracker) begin() (uint64, error) {
	if x.inFlight {
		return 0, ErrOperationInProgress
	}
	x.seq++
	x.inFlight = true
	return x.seq, nil
}

func (x *opTracker) end() { x.inFlight = false }

// socket is the state shared by Stream and Datagram.
type socket struct {
	svc    *Service
	logger *logiface.Logger[logiface.Event]
	pool   *BufferPool
	recvQ  *completion.Bridge[*Received]
	latch  completion.Latch

	// mu guards the embedding type's state, and must not be acquired by
	// anything holding the loop's lock
	mu        sync.Mutex
	receiving bool
}

func (s *socket) init(svc *Service, pool *BufferPool, kind string, id uint64) {
	s.svc = svc
	s.pool = pool
	s.recvQ = completion.New[*Received]()
	s.logger = svc.logger.Clone().
		Str("socket", kind).
		Uint64("handle", id).
		Logger()
	svc.acquire()
}

// Receiving reports if receiving is started.
func (s *socket) Receiving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiving
}

// Recv returns the next delivery, blocking until one is available. Every
// reactor callback produces exactly one delivery, in order. After close,
// any remaining deliveries are returned, then ErrClosed.
//
// Only one goroutine may wait at a time (ErrConcurrentAwait). Deliveries
// should be released once consumed, see [Received.Release].
func (s *socket) Recv(ctx context.Context) (*Received, error) {
	if s.svc.loop.InLoop() {
		if r, ok := s.recvQ.TryNext(); ok {
			return r, nil
		}
		if err := s.recvQ.Err(); err != nil {
			return nil, err
		}
		return nil, ErrWouldDeadlock
	}
	return s.recvQ.Await(ctx)
}

// Closed returns a channel that is closed once the socket has finished
// closing.
func (s *socket) Closed() <-chan struct{} { return s.latch.Done() }

// alloc implements reactor.AllocFunc.
func (s *socket) alloc(suggested int) []byte { return s.pool.Get(suggested) }

func (s *socket) deliver(r *Received) {
	if !s.recvQ.Push(r) {
		r.Release()
	}
}

// complete finishes op, and delivers its result.
func (s *socket) complete(op *opTracker, q *completion.Bridge[opResult], seq uint64, status int) {
	s.mu.Lock()
	op.end()
	s.mu.Unlock()
	q.Push(opResult{seq: seq, status: status})
}

// awaitOp waits for the result of the operation issued with seq, skipping
// the results of earlier operations whose callers stopped waiting.
func (s *socket) awaitOp(ctx context.Context, q *completion.Bridge[opResult], seq uint64) (int, error) {
	for {
		res, err := q.Await(ctx)
		if err != nil {
			return 0, err
		}
		if res.seq == seq {
			return res.status, nil
		}
	}
}

// issueClose closes h, calling onClosed on acknowledgement, before the
// latch is released. It must only be called by whoever armed the latch.
func (s *socket) issueClose(h reactor.Handle, onClosed func()) {
	s.logger.Debug().Log("sockloop: closing")
	release := func() {
		onClosed()
		s.recvQ.Close(ErrClosed)
		s.svc.release()
		s.latch.Release()
		s.logger.Debug().Log("sockloop: closed")
	}
	if err := h.Close(release); err != nil {
		// not expected, the handle is never exposed, for others to close
		s.logger.Warning().
			Err(err).
			Log("sockloop: close failed")
		release()
	}
}

// awaitClosed waits for the close acknowledgement.
func (s *socket) awaitClosed(ctx context.Context) error {
	if s.latch.Released() {
		return nil
	}
	if s.svc.loop.InLoop() {
		return ErrWouldDeadlock
	}
	return s.latch.Await(ctx)
}
