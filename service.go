package sockloop

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-sockloop/reactor"
	"github.com/joeycumines/logiface"
)

// Service is a handle to the reactor that sockets are opened on, and the
// means of pumping it.
//
// Exactly one goroutine may pump the service at a time, while any number of
// goroutines drive its sockets. A goroutine blocked on a socket operation
// only resumes once a pump delivers the completion.
type Service struct {
	loop    *reactor.Loop
	logger  *logiface.Logger[logiface.Event]
	pool    *BufferPool
	sockets atomic.Int64
	owned   bool
}

// NewService returns a service using the loop given via WithLoop, or a new
// loop, which Close will release.
func NewService(opts ...ServiceOption) (*Service, error) {
	cfg, err := resolveServiceOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Service{
		loop:   cfg.loop,
		logger: cfg.logger,
		pool:   cfg.pool,
	}

	if s.loop == nil {
		loopOpts := cfg.loopOptions
		if cfg.logger != nil {
			loopOpts = append([]reactor.LoopOption{reactor.WithLogger(cfg.logger)}, loopOpts...)
		}
		if s.loop, err = reactor.New(loopOpts...); err != nil {
			return nil, err
		}
		s.owned = true
	}
	if s.logger == nil {
		s.logger = s.loop.Logger()
	}
	if s.pool == nil {
		s.pool = NewBufferPool(s.loop.ReadBufferSize())
	}

	return s, nil
}

// Loop returns the underlying reactor.
func (s *Service) Loop() *reactor.Loop { return s.loop }

// PumpOnce runs one iteration of the reactor, blocking until at least one
// event is ready (or ctx is done), unless there was already work queued.
// It returns immediately, reporting false, once nothing remains open on the
// reactor, so it never blocks forever after every socket is closed.
func (s *Service) PumpOnce(ctx context.Context) (alive bool, err error) {
	return s.loop.RunOnce(ctx)
}

// Run pumps until nothing remains open on the reactor, or ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

// Serve pumps until ctx is done, waiting for new sockets whenever nothing is
// open. It always returns a non-nil error.
func (s *Service) Serve(ctx context.Context) error {
	return s.loop.Serve(ctx)
}

// Sockets returns the number of sockets opened via the service, that have
// not finished closing.
func (s *Service) Sockets() int { return int(s.sockets.Load()) }

// Close releases the loop, if the service created it. It fails with
// [reactor.ErrHandlesActive] while any socket opened via the service, or
// any handle on an owned loop, has not finished closing.
func (s *Service) Close() error {
	if s.sockets.Load() > 0 {
		return reactor.ErrHandlesActive
	}
	if !s.owned {
		return nil
	}
	return s.loop.Close()
}

func (s *Service) acquire() { s.sockets.Add(1) }

func (s *Service) release() { s.sockets.Add(-1) }
