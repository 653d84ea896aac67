package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultReadBufferSize is the suggested size passed to [AllocFunc].
	DefaultReadBufferSize = 64 << 10

	// DefaultMaxEvents is the size of the poller's event buffer.
	DefaultMaxEvents = 256

	// DefaultRecvBatch is the maximum number of datagrams read per readable
	// event on a UDP handle.
	DefaultRecvBatch = 32
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	panicRates     map[time.Duration]int
	readBufferSize int
	maxEvents      int
	recvBatch      int
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger to the loop. A nil logger (the
// default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithReadBufferSize sets the suggested allocation size, passed to every
// AllocFunc before a read. The allocation callback may return a different
// size, which is then used as-is.
func WithReadBufferSize(size int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if size <= 0 {
			return errors.New("reactor: read buffer size must be positive")
		}
		opts.readBufferSize = size
		return nil
	}}
}

// WithMaxEvents sets the maximum number of poller events handled per
// iteration.
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("reactor: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithRecvBatch sets the maximum number of datagrams read from a UDP handle
// per readable event.
func WithRecvBatch(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("reactor: recv batch must be positive")
		}
		opts.recvBatch = n
		return nil
	}}
}

// WithPanicLogRates limits how often recovered callback panics are logged,
// see [catrate.NewLimiter]. A nil map disables the limit.
func WithPanicLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.panicRates = rates
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		readBufferSize: DefaultReadBufferSize,
		maxEvents:      DefaultMaxEvents,
		recvBatch:      DefaultRecvBatch,
		panicRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (x *loopOptions) newLimiter() *catrate.Limiter {
	if len(x.panicRates) == 0 {
		return nil
	}
	return catrate.NewLimiter(x.panicRates)
}
