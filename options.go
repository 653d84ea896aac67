package sockloop

import (
	"time"

	"github.com/joeycumines/go-sockloop/reactor"
	"github.com/joeycumines/logiface"
)

// DefaultKeepAlive is the keepalive delay Stream.Connect enables by default.
const DefaultKeepAlive = 60 * time.Second

// serviceOptions holds configuration options for Service creation.
type serviceOptions struct {
	loop        *reactor.Loop
	logger      *logiface.Logger[logiface.Event]
	pool        *BufferPool
	loopOptions []reactor.LoopOption
}

// ServiceOption configures a Service instance.
type ServiceOption interface {
	applyService(*serviceOptions) error
}

// serviceOptionImpl implements ServiceOption.
type serviceOptionImpl struct {
	applyServiceFunc func(*serviceOptions) error
}

func (s *serviceOptionImpl) applyService(opts *serviceOptions) error {
	return s.applyServiceFunc(opts)
}

// WithLoop makes the service use an existing loop, which it will not close.
func WithLoop(loop *reactor.Loop) ServiceOption {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.loop = loop
		return nil
	}}
}

// WithLoopOptions configures the loop the service creates, if it is not
// given one, via WithLoop.
func WithLoopOptions(options ...reactor.LoopOption) ServiceOption {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.loopOptions = append(opts.loopOptions, options...)
		return nil
	}}
}

// WithLogger sets the logger for the service, and its sockets. It is also
// passed to the loop, if the service creates it. The default is the loop's
// logger, and a nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ServiceOption {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDefaultBufferPool sets the receive buffer pool used by sockets that
// are not given one via WithBufferPool.
func WithDefaultBufferPool(pool *BufferPool) ServiceOption {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.pool = pool
		return nil
	}}
}

// resolveServiceOptions applies ServiceOption instances to serviceOptions.
func resolveServiceOptions(opts []ServiceOption) (*serviceOptions, error) {
	cfg := &serviceOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyService(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// socketOptions holds configuration options for Stream and Datagram
// creation.
type socketOptions struct {
	pool      *BufferPool
	keepAlive time.Duration
	noDelay   bool
}

// SocketOption configures a Stream or Datagram instance.
type SocketOption interface {
	applySocket(*socketOptions) error
}

// socketOptionImpl implements SocketOption.
type socketOptionImpl struct {
	applySocketFunc func(*socketOptions) error
}

func (s *socketOptionImpl) applySocket(opts *socketOptions) error {
	return s.applySocketFunc(opts)
}

// WithKeepAlive sets the TCP keepalive delay of a Stream, or disables
// keepalive, if d <= 0. Defaults to DefaultKeepAlive.
func WithKeepAlive(d time.Duration) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.keepAlive = d
		return nil
	}}
}

// WithNoDelay disables Nagle's algorithm, for a Stream.
func WithNoDelay(enable bool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.noDelay = enable
		return nil
	}}
}

// WithBufferPool sets the pool receive buffers are allocated from.
func WithBufferPool(pool *BufferPool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.pool = pool
		return nil
	}}
}

// resolveSocketOptions applies SocketOption instances to socketOptions.
func resolveSocketOptions(pool *BufferPool, opts []SocketOption) (*socketOptions, error) {
	cfg := &socketOptions{
		pool:      pool,
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySocket(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
