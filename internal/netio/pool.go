// Package netio provides the shared UDP plumbing for the TFTP side of the
// suite: a fixed-capacity buffer pool, a batch receive/send layer over
// recvmmsg/sendmmsg with single-packet fallback, and listener socket tuning.
package netio

// MaxPacketSize is the largest UDP datagram the servers will handle. It covers
// the maximum negotiable TFTP block (65464) plus headers.
const MaxPacketSize = 65536

// BufferPool hands out packet-sized byte buffers for single receive or send
// operations. When the pool is empty a fresh buffer is allocated; releases
// beyond capacity are dropped for the garbage collector.
type BufferPool struct {
	free chan []byte
	size int
}

// DefaultPoolCapacity is the number of buffers retained when no capacity is
// configured.
const DefaultPoolCapacity = 128

// NewBufferPool creates a pool retaining up to capacity buffers of the given
// size. Zero or negative arguments fall back to defaults.
func NewBufferPool(capacity, size int) *BufferPool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if size <= 0 {
		size = MaxPacketSize
	}
	return &BufferPool{
		free: make(chan []byte, capacity),
		size: size,
	}
}

// Acquire returns a buffer at full length. The buffer is owned by the caller
// until it is passed back to Release.
func (p *BufferPool) Acquire() []byte {
	select {
	case b := <-p.free:
		return b[:cap(b)]
	default:
		return make([]byte, p.size)
	}
}

// Release returns a buffer to the pool. Buffers not allocated by this pool are
// accepted as long as they are big enough; undersized ones are discarded so a
// later Acquire never returns a short buffer.
func (p *BufferPool) Release(b []byte) {
	if cap(b) < p.size {
		return
	}
	select {
	case p.free <- b[:cap(b)]:
	default:
	}
}

// BufferSize reports the size of buffers handed out by Acquire.
func (p *BufferPool) BufferSize() int { return p.size }
