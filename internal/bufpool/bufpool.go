// Package bufpool recycles equally-sized byte buffers so that steady-state
// snapshot traffic allocates nothing.
package bufpool

import (
	"log/slog"
	"sync"
)

const (
	// DefaultBufferSize fits an uncompressed emulator state plus envelope.
	DefaultBufferSize = 8 * 1024 * 1024

	// DefaultMaxBuffers bounds resident memory.
	DefaultMaxBuffers = 4
)

// Pool hands out fixed-size buffers. Acquire returns nil when all buffers
// are in use; it never blocks. All operations are serialized internally so
// the pool tolerates callers on more than one goroutine, though the rollback
// driver is expected to be the only one.
type Pool struct {
	mu      sync.Mutex
	size    int
	max     int
	free    [][]byte
	inUse   map[*byte]struct{}
	created int
	flushed bool
}

// New builds a pool of max buffers of size bytes each. One buffer is
// allocated up front.
func New(size, max int) *Pool {
	p := &Pool{
		size:  size,
		max:   max,
		inUse: map[*byte]struct{}{},
	}
	p.free = append(p.free, make([]byte, size))
	p.created = 1
	return p
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.size }

// Acquire returns a zero-offset buffer of BufferSize bytes, or nil when max
// buffers are already in use.
func (p *Pool) Acquire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf []byte
	switch {
	case len(p.free) > 0:
		buf = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case p.created < p.max:
		buf = make([]byte, p.size)
		p.created++
	default:
		return nil
	}

	p.inUse[&buf[0]] = struct{}{}
	return buf
}

// Release returns buf to the pool. Releasing a buffer the pool does not know
// is a no-op; releasing the same buffer twice is reported and ignored.
func (p *Pool) Release(buf []byte) {
	if len(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := &buf[0]
	if _, ok := p.inUse[key]; !ok {
		for _, f := range p.free {
			if &f[0] == key {
				slog.Error("bufpool: double release", "size", p.size)
				return
			}
		}
		return
	}

	delete(p.inUse, key)
	if p.flushed {
		p.created--
		return
	}
	p.free = append(p.free, buf[:p.size])
}

// Flush drops all idle buffers. Buffers still in use stay valid until
// released, at which point they are dropped as well.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created -= len(p.free)
	p.free = nil
	p.flushed = true
}
