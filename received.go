package sockloop

import (
	"net/netip"
	"sync"

	"github.com/joeycumines/go-sockloop/reactor"
)

// Received is one delivery from the reactor, to a receiving socket.
//
// N is the read count: negative for end of stream, or an error, and
// otherwise the number of bytes at the front of Buf. Buf is the full
// allocation the read was performed into, and is exclusively owned by the
// Received.
type Received struct {
	Buf   []byte
	N     int
	Addr  netip.AddrPort
	Flags reactor.RecvFlags

	pool *BufferPool
}

// Bytes returns the received payload, if any.
func (r *Received) Bytes() []byte {
	if r == nil || r.N <= 0 || r.N > len(r.Buf) {
		return nil
	}
	return r.Buf[:r.N]
}

// Transient reports a delivery that carries nothing, and is not an error,
// i.e. the caller should simply receive again. This includes a zero read
// count, and the reactor's ENOBUFS.
func (r *Received) Transient() bool {
	return r.N == 0 || r.N == reactor.ENOBUFS
}

// Broken reports that the receive direction of a stream has terminated, or
// that a datagram receive failed. No further receives should be issued.
func (r *Received) Broken() bool {
	return r.N < 0 && !r.Transient()
}

// Truncated reports a datagram that did not fit in Buf.
func (r *Received) Truncated() bool {
	return r.Flags&reactor.FlagPartial != 0
}

// Err returns the status of a broken delivery, as an error.
func (r *Received) Err() error {
	if !r.Broken() {
		return nil
	}
	return &StatusError{Op: "read", Status: r.N}
}

// Release returns Buf to the pool it was allocated from, and empties r.
// It must not be used after, nor Buf retained.
func (r *Received) Release() {
	if r == nil {
		return
	}
	if r.pool != nil {
		r.pool.Put(r.Buf)
	}
	*r = Received{}
}

// BufferPool recycles receive buffers. A nil *BufferPool allocates a new
// buffer for each read.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool returns a pool of buffers of the given size. A size <= 0
// uses the size the reactor suggests.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{size: size}
}

// Get returns a buffer of the pool's size, or suggested.
func (p *BufferPool) Get(suggested int) []byte {
	n := suggested
	if p != nil && p.size > 0 {
		n = p.size
	}
	if p != nil {
		if b, ok := p.pool.Get().(*[]byte); ok && cap(*b) >= n {
			return (*b)[:n]
		}
	}
	return make([]byte, n)
}

// Put recycles b.
func (p *BufferPool) Put(b []byte) {
	if p == nil || cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	p.pool.Put(&b)
}
