// Package transport moves input records, acknowledgements and link-quality
// probes between peers over UDP, and hands everything it learns to the sync
// engine through a buffered event channel.
//
// Peers rendezvous over a reliable kcp side channel first (see
// handshake.go); the per-frame input traffic itself is plain datagrams with
// redundant sends, so a lost packet costs nothing once any later packet
// arrives.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"netplay/internal/rollback"
)

var (
	ErrNetworkInit = errors.New("network init failed")
	ErrHandshake   = errors.New("session handshake mismatch")
	ErrClosed      = errors.New("use of closed transport")
)

const (
	readBufSize  = 2048
	eventBufSize = 512
	tickInterval = 250 * time.Millisecond

	// timesyncQuiet spaces out rollback hints so a persistent drift does
	// not flood the engine metrics.
	timesyncQuiet = 5 * time.Second
)

// Config describes one endpoint of a session.
type Config struct {
	// LocalPort is the UDP port for input traffic. The handshake channel
	// binds LocalPort+1.
	LocalPort int

	// HostAddr is player 1's input endpoint ("ip:port"). Empty for the
	// host itself.
	HostAddr string

	LocalPlayer int // zero-based
	PlayerCount int
	FrameDelay  int

	// SessionKey keys the handshake channel. Peers must agree on it.
	SessionKey string

	DisconnectTimeout time.Duration // silence before Disconnected, default 3s
	DisconnectNotify  time.Duration // silence before a warning, default 1s

	Logger *slog.Logger
}

// Transport is the network half of a session. Events flow out through
// Events(); local inputs flow in through SendInput.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	conn   net.PacketConn
	events chan rollback.Event
	peers  map[int]*peer

	localFrame   atomic.Uint32
	lastTimesync atomic.Int64

	g       errgroup.Group
	die     chan struct{}
	dieOnce sync.Once
}

// New binds the input socket, performs the session handshake (listening
// when local player is 1, dialing the host otherwise), and starts the read
// and probe loops. The context bounds the handshake only.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.DisconnectTimeout == 0 {
		cfg.DisconnectTimeout = 3 * time.Second
	}
	if cfg.DisconnectNotify == 0 {
		cfg.DisconnectNotify = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		return nil, fmt.Errorf("%w: binding udp :%d: %w", ErrNetworkInit, cfg.LocalPort, err)
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger.With("component", "transport", "player", cfg.LocalPlayer),
		conn:   conn,
		events: make(chan rollback.Event, eventBufSize),
		peers:  map[int]*peer{},
		die:    make(chan struct{}),
	}

	if cfg.LocalPlayer == 0 {
		err = t.hostHandshake(ctx)
	} else {
		err = t.joinHandshake(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, p := range t.peers {
		t.emit(rollback.Event{Kind: rollback.EventPeerConnected, Player: p.player})
	}

	t.g.Go(t.readLoop)
	t.g.Go(t.tickLoop)
	return t, nil
}

// Events is the FIFO the sync engine drains.
func (t *Transport) Events() <-chan rollback.Event { return t.events }

// LocalAddr returns the bound input socket address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// SetLocalFrame publishes the engine's current frame for quality reports.
func (t *Transport) SetLocalFrame(frame uint32) { t.localFrame.Store(frame) }

// SendInput queues the local record for frame and transmits the whole
// unacknowledged window to every peer.
func (t *Transport) SendInput(frame uint32, rec []byte) {
	for _, p := range t.peers {
		batch := inputBatch{
			player:  t.cfg.LocalPlayer,
			entries: p.queue(frame, rec),
		}
		if err := t.send(p.addr, scopeInput, batch); err != nil {
			t.logger.Warn("failed to send inputs",
				"peer", p.player, "error", err)
		}
	}
}

type marshaler interface {
	MarshalBinary() ([]byte, error)
}

func (t *Transport) send(addr net.Addr, scope byte, body marshaler) error {
	raw, err := body.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling body: %w", err)
	}
	data, err := message{scope: scope, body: raw}.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("writing to udp %q: %w", addr, err)
	}
	return nil
}

// emit hands an event to the engine, dropping with a log line rather than
// blocking the read loop when the engine is far behind.
func (t *Transport) emit(ev rollback.Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event queue full, dropping", "kind", ev.Kind)
	}
}

func (t *Transport) readLoop() error {
	buf := make([]byte, readBufSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			t.logger.Warn("failed to read from udp", "error", err)
			continue
		}

		var msg message
		if err := msg.UnmarshalBinary(buf[:n]); err != nil {
			t.logger.Debug("dropping malformed datagram",
				"sender", addr, "error", err)
			continue
		}
		t.handle(addr, msg)
	}
}

func (t *Transport) handle(sender net.Addr, msg message) {
	switch msg.scope {
	case scopeInput:
		var batch inputBatch
		if err := batch.UnmarshalBinary(msg.body); err != nil {
			t.logger.Debug("dropping input batch", "error", err)
			return
		}
		p, ok := t.peers[batch.player]
		if !ok {
			return
		}
		p.touch()
		var high uint32
		for _, e := range batch.entries {
			t.emit(rollback.Event{
				Kind:   rollback.EventRemoteInput,
				Player: batch.player,
				Frame:  e.frame,
				Input:  append([]byte(nil), e.data[:]...),
			})
			if e.frame > high {
				high = e.frame
			}
		}
		if len(batch.entries) > 0 {
			ack := inputAck{player: t.cfg.LocalPlayer, frame: high}
			if err := t.send(p.addr, scopeInputAck, ack); err != nil {
				t.logger.Warn("failed to acknowledge inputs",
					"peer", p.player, "error", err)
			}
		}

	case scopeInputAck:
		var ack inputAck
		if err := ack.UnmarshalBinary(msg.body); err != nil {
			return
		}
		if p, ok := t.peers[ack.player]; ok {
			p.touch()
			p.discardThrough(ack.frame)
		}

	case scopePing:
		var probe pingProbe
		if err := probe.UnmarshalBinary(msg.body); err != nil {
			return
		}
		if p, ok := t.peers[probe.player]; ok {
			p.touch()
			echo := probe
			echo.player = t.cfg.LocalPlayer
			if err := t.send(p.addr, scopePong, echo); err != nil {
				t.logger.Debug("failed to echo ping", "error", err)
			}
		}

	case scopePong:
		var probe pingProbe
		if err := probe.UnmarshalBinary(msg.body); err != nil {
			return
		}
		if p, ok := t.peers[probe.player]; ok {
			p.touch()
		}
		rtt := time.Now().UnixMicro() - probe.sentUnix
		if rtt >= 0 {
			t.emit(rollback.Event{
				Kind:   rollback.EventPing,
				Player: probe.player,
				PingMs: int(rtt / 1000),
			})
		}

	case scopeQuality:
		var q qualityReport
		if err := q.UnmarshalBinary(msg.body); err != nil {
			return
		}
		p, ok := t.peers[q.player]
		if !ok {
			return
		}
		p.touch()
		ahead := int(int64(q.frame) - int64(t.localFrame.Load()))
		t.emit(rollback.Event{
			Kind:        rollback.EventQuality,
			Player:      q.player,
			FramesAhead: ahead,
		})
		if ahead > 1 && t.timesyncDue() {
			t.emit(rollback.Event{
				Kind:        rollback.EventTimesync,
				Player:      q.player,
				FramesAhead: ahead,
			})
		}

	case scopeBye:
		if len(msg.body) < 1 {
			return
		}
		player := int(msg.body[0])
		if _, ok := t.peers[player]; ok {
			t.emit(rollback.Event{Kind: rollback.EventDisconnected, Player: player})
		}

	default:
		t.logger.Debug("unknown scope", "scope", msg.scope, "sender", sender)
	}
}

// timesyncDue rate limits rollback hints.
func (t *Transport) timesyncDue() bool {
	now := time.Now().UnixNano()
	last := t.lastTimesync.Load()
	if now-last < int64(timesyncQuiet) {
		return false
	}
	return t.lastTimesync.CompareAndSwap(last, now)
}

func (t *Transport) tickLoop() error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.die:
			return nil
		case <-ticker.C:
		}

		frame := t.localFrame.Load()
		for _, p := range t.peers {
			if warn, drop := p.silence(t.cfg.DisconnectNotify, t.cfg.DisconnectTimeout); drop {
				t.emit(rollback.Event{Kind: rollback.EventDisconnected, Player: p.player})
				continue
			} else if warn {
				t.emit(rollback.Event{Kind: rollback.EventDisconnectWarning, Player: p.player})
			}

			probe := pingProbe{
				player:   t.cfg.LocalPlayer,
				seq:      p.nextPingSeq(),
				sentUnix: time.Now().UnixMicro(),
			}
			if err := t.send(p.addr, scopePing, probe); err != nil {
				t.logger.Debug("failed to send ping", "peer", p.player, "error", err)
			}

			report := qualityReport{player: t.cfg.LocalPlayer, frame: frame}
			if err := t.send(p.addr, scopeQuality, report); err != nil {
				t.logger.Debug("failed to send quality report",
					"peer", p.player, "error", err)
			}
		}
	}
}

// byeBody is the minimal farewell payload.
type byeBody struct{ player int }

func (b byeBody) MarshalBinary() ([]byte, error) {
	return []byte{byte(b.player)}, nil
}

// Close notifies peers, tears down the socket and waits for the loops.
// Calling Close twice returns ErrClosed.
func (t *Transport) Close() error {
	ran := false
	t.dieOnce.Do(func() {
		ran = true
		for _, p := range t.peers {
			if err := t.send(p.addr, scopeBye, byeBody{player: t.cfg.LocalPlayer}); err != nil {
				t.logger.Debug("failed to send bye", "peer", p.player, "error", err)
			}
		}
		close(t.die)
		t.conn.Close()
	})
	if !ran {
		return ErrClosed
	}
	return t.g.Wait()
}
