package transport

import (
	"net"
	"sync"
	"time"

	"netplay/internal/input"
)

// peer tracks one remote player: where to send, which local inputs it has
// not acknowledged yet, and how long it has been silent.
type peer struct {
	player int
	addr   net.Addr

	mu       sync.Mutex
	outbox   []inputEntry
	lastRecv time.Time
	warned   bool
	gone     bool
	pingSeq  uint32
}

func newPeer(player int, addr net.Addr) *peer {
	return &peer{
		player:   player,
		addr:     addr,
		lastRecv: time.Now(),
	}
}

// queue appends a local input record for frame and returns a copy of the
// whole unacknowledged window for transmission.
func (p *peer) queue(frame uint32, rec []byte) []inputEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := inputEntry{frame: frame}
	copy(e.data[:], rec[:input.RecordSize])
	p.outbox = append(p.outbox, e)

	window := make([]inputEntry, len(p.outbox))
	copy(window, p.outbox)
	return window
}

// discardThrough drops acknowledged entries up to and including frame.
func (p *peer) discardThrough(frame uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := 0
	for idx < len(p.outbox) && p.outbox[idx].frame <= frame {
		idx++
	}
	p.outbox = append(p.outbox[:0], p.outbox[idx:]...)
}

// touch records traffic from the peer and clears any silence warning.
func (p *peer) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRecv = time.Now()
	p.warned = false
}

// silence classifies how long the peer has been quiet. warn fires once per
// quiet period; drop fires once per session.
func (p *peer) silence(notify, timeout time.Duration) (warn, drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gone {
		return false, false
	}
	quiet := time.Since(p.lastRecv)
	if quiet >= timeout {
		p.gone = true
		return false, true
	}
	if quiet >= notify && !p.warned {
		p.warned = true
		return true, false
	}
	return false, false
}

func (p *peer) nextPingSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingSeq++
	return p.pingSeq
}
