package transport

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"

	"netplay/internal/input"
)

// The handshake runs over a reliable kcp channel on LocalPort+1 before any
// input datagram flows. Player 1 listens; everyone else dials it. Each
// joiner announces who it is and which UDP port it receives inputs on; the
// host checks that every peer agreed on the same session shape, then shares
// the full roster so input traffic can go full mesh.

const (
	helloMagic uint32 = 0x52424E50 // "RBNP"
	helloProto byte   = 1
	helloSize         = 12

	statusOK       byte = 0
	statusMismatch byte = 1

	handshakeSalt    = "netplay-handshake"
	handshakeTimeout = 10 * time.Second
	kcpDataShards    = 10
	kcpParityShards  = 3
)

type hello struct {
	player  int
	count   int
	delay   int
	udpPort int
}

func (h hello) MarshalBinary() ([]byte, error) {
	data := make([]byte, helloSize)
	binary.BigEndian.PutUint32(data, helloMagic)
	data[4] = helloProto
	data[5] = byte(h.player)
	data[6] = byte(h.count)
	data[7] = byte(h.delay)
	data[8] = byte(input.RecordSize)
	data[9] = 0
	binary.BigEndian.PutUint16(data[10:], uint16(h.udpPort))
	return data, nil
}

func (h *hello) UnmarshalBinary(data []byte) error {
	if len(data) < helloSize {
		return fmt.Errorf("short hello: %w", ErrHandshake)
	}
	if m := binary.BigEndian.Uint32(data); m != helloMagic {
		return fmt.Errorf("hello magic %#08x: %w", m, ErrHandshake)
	}
	if v := data[4]; v != helloProto {
		return fmt.Errorf("hello protocol %d: %w", v, ErrHandshake)
	}
	if w := int(data[8]); w != input.RecordSize {
		return fmt.Errorf("input record width %d, expected %d: %w",
			w, input.RecordSize, ErrHandshake)
	}
	h.player = int(data[5])
	h.count = int(data[6])
	h.delay = int(data[7])
	h.udpPort = int(binary.BigEndian.Uint16(data[10:]))
	return nil
}

func blockCrypt(key string) (kcp.BlockCrypt, error) {
	derived := pbkdf2.Key([]byte(key), []byte(handshakeSalt), 1024, 32, sha1.New)
	return kcp.NewAESBlockCrypt(derived)
}

func (t *Transport) localUDPPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

func handshakeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(handshakeTimeout)
}

// hostHandshake accepts every joiner, validates agreement, and answers each
// with the roster of the other joiners' input endpoints.
func (t *Transport) hostHandshake(ctx context.Context) error {
	block, err := blockCrypt(t.cfg.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: deriving session key: %w", ErrNetworkInit, err)
	}

	ln, err := kcp.ListenWithOptions(
		fmt.Sprintf(":%d", t.cfg.LocalPort+1), block, kcpDataShards, kcpParityShards)
	if err != nil {
		return fmt.Errorf("%w: binding handshake channel: %w", ErrNetworkInit, err)
	}
	defer ln.Close()

	deadline := handshakeDeadline(ctx)
	if err := ln.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkInit, err)
	}

	sessions := map[int]*kcp.UDPSession{}
	endpoints := map[int]netEndpoint{}
	defer func() {
		for _, sess := range sessions {
			sess.Close()
		}
	}()

	for len(sessions) < t.cfg.PlayerCount-1 {
		sess, err := ln.AcceptKCP()
		if err != nil {
			return fmt.Errorf("%w: waiting for peers: %w", ErrHandshake, err)
		}
		sess.SetDeadline(deadline)

		var h hello
		buf := make([]byte, helloSize)
		if _, err := io.ReadFull(sess, buf); err != nil {
			sess.Close()
			return fmt.Errorf("%w: reading hello: %w", ErrHandshake, err)
		}
		if err := h.UnmarshalBinary(buf); err != nil {
			sess.Close()
			return err
		}

		switch {
		case h.count != t.cfg.PlayerCount:
			err = fmt.Errorf("peer wants %d players, session has %d: %w",
				h.count, t.cfg.PlayerCount, ErrHandshake)
		case h.delay != t.cfg.FrameDelay:
			err = fmt.Errorf("peer wants frame delay %d, session has %d: %w",
				h.delay, t.cfg.FrameDelay, ErrHandshake)
		case h.player <= 0 || h.player >= t.cfg.PlayerCount:
			err = fmt.Errorf("peer claims player %d: %w", h.player, ErrHandshake)
		default:
			if _, taken := sessions[h.player]; taken {
				err = fmt.Errorf("player %d joined twice: %w", h.player, ErrHandshake)
			}
		}
		if err != nil {
			sess.Write([]byte{statusMismatch})
			sess.Close()
			return err
		}

		host, _, splitErr := net.SplitHostPort(sess.RemoteAddr().String())
		if splitErr != nil {
			sess.Close()
			return fmt.Errorf("%w: %w", ErrHandshake, splitErr)
		}
		sessions[h.player] = sess
		endpoints[h.player] = netEndpoint{player: h.player, host: host, port: h.udpPort}
		t.logger.Info("peer joined", "peer", h.player, "addr", sess.RemoteAddr())
	}

	for player, sess := range sessions {
		roster := make([]netEndpoint, 0, len(endpoints)-1)
		for other, ep := range endpoints {
			if other != player {
				roster = append(roster, ep)
			}
		}
		if err := writeRoster(sess, roster); err != nil {
			return fmt.Errorf("%w: sending roster to player %d: %w",
				ErrHandshake, player, err)
		}
	}

	for _, ep := range endpoints {
		addr, err := net.ResolveUDPAddr("udp", ep.String())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		t.peers[ep.player] = newPeer(ep.player, addr)
	}
	return nil
}

// joinHandshake dials the host, announces this endpoint, and learns where
// every other peer receives inputs.
func (t *Transport) joinHandshake(ctx context.Context) error {
	block, err := blockCrypt(t.cfg.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: deriving session key: %w", ErrNetworkInit, err)
	}

	hostIP, hostPort, err := net.SplitHostPort(t.cfg.HostAddr)
	if err != nil {
		return fmt.Errorf("%w: host address %q: %w", ErrNetworkInit, t.cfg.HostAddr, err)
	}
	portNum, err := strconv.Atoi(hostPort)
	if err != nil {
		return fmt.Errorf("%w: host port %q: %w", ErrNetworkInit, hostPort, err)
	}

	sess, err := kcp.DialWithOptions(
		net.JoinHostPort(hostIP, strconv.Itoa(portNum+1)),
		block, kcpDataShards, kcpParityShards)
	if err != nil {
		return fmt.Errorf("%w: dialing host: %w", ErrNetworkInit, err)
	}
	defer sess.Close()
	sess.SetDeadline(handshakeDeadline(ctx))

	h := hello{
		player:  t.cfg.LocalPlayer,
		count:   t.cfg.PlayerCount,
		delay:   t.cfg.FrameDelay,
		udpPort: t.localUDPPort(),
	}
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := sess.Write(data); err != nil {
		return fmt.Errorf("%w: sending hello: %w", ErrHandshake, err)
	}

	roster, err := readRoster(sess)
	if err != nil {
		return err
	}

	hostUDP, err := net.ResolveUDPAddr("udp", t.cfg.HostAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.peers[0] = newPeer(0, hostUDP)

	for _, ep := range roster {
		if ep.player == t.cfg.LocalPlayer {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", ep.String())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		t.peers[ep.player] = newPeer(ep.player, addr)
	}
	return nil
}

// netEndpoint is one roster entry: where a player receives input datagrams.
type netEndpoint struct {
	player int
	host   string
	port   int
}

func (e netEndpoint) String() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

func writeRoster(w io.Writer, roster []netEndpoint) error {
	data := []byte{statusOK, byte(len(roster))}
	for _, ep := range roster {
		if len(ep.host) > 255 {
			return fmt.Errorf("host %q too long: %w", ep.host, ErrHandshake)
		}
		entry := make([]byte, 4+len(ep.host))
		entry[0] = byte(ep.player)
		binary.BigEndian.PutUint16(entry[1:], uint16(ep.port))
		entry[3] = byte(len(ep.host))
		copy(entry[4:], ep.host)
		data = append(data, entry...)
	}
	_, err := w.Write(data)
	return err
}

func readRoster(r io.Reader) ([]netEndpoint, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("%w: reading roster: %w", ErrHandshake, err)
	}
	if head[0] != statusOK {
		return nil, fmt.Errorf("host refused session: %w", ErrHandshake)
	}

	roster := make([]netEndpoint, 0, head[1])
	for i := 0; i < int(head[1]); i++ {
		fixed := make([]byte, 4)
		if _, err := io.ReadFull(r, fixed); err != nil {
			return nil, fmt.Errorf("%w: reading roster entry: %w", ErrHandshake, err)
		}
		host := make([]byte, fixed[3])
		if _, err := io.ReadFull(r, host); err != nil {
			return nil, fmt.Errorf("%w: reading roster entry: %w", ErrHandshake, err)
		}
		roster = append(roster, netEndpoint{
			player: int(fixed[0]),
			port:   int(binary.BigEndian.Uint16(fixed[1:])),
			host:   string(host),
		})
	}
	return roster, nil
}
