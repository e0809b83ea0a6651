// Package emutest provides a deterministic in-memory emulator core. Its
// whole state is a byte array evolved once per frame by mixing the latched
// controller records into an xorshift stream, so two cores fed identical
// ordered inputs stay byte-identical frame for frame.
package emutest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

const (
	// DefaultStateSize keeps a large zero tail so snapshots compress the
	// way real emulator states do.
	DefaultStateSize = 64 * 1024

	prefixSize = 8 // frame and rng embedded at the front of the state
)

type controller struct {
	buttons uint32
	x, y    int8
}

// Core implements emulator.Core. It is safe for the single emulator thread
// plus test goroutines that poke live controller values.
type Core struct {
	mu sync.Mutex

	players int
	state   []byte
	frame   uint32
	rng     uint32

	live      [4]controller // what ReadController reports
	latched   [4]controller // what WriteController latched
	connected [4]bool

	noRNG bool
}

// Option tweaks a test core.
type Option func(*Core)

// WithStateSize overrides the state array size.
func WithStateSize(n int) Option {
	return func(c *Core) { c.state = make([]byte, n) }
}

// WithoutRNG simulates an emulator that cannot expose its RNG seed.
func WithoutRNG() Option {
	return func(c *Core) { c.noRNG = true }
}

// New builds a core for players controllers, all connected, seeded with
// seed.
func New(players int, seed uint32, opts ...Option) *Core {
	c := &Core{
		players: players,
		state:   make([]byte, DefaultStateSize),
		rng:     seed | 1,
	}
	for p := 0; p < players; p++ {
		c.connected[p] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stamp()
	return c
}

// SetLive sets the physical controller values a later Gather will read.
func (c *Core) SetLive(player int, buttons uint32, x, y int8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[player] = controller{buttons: buttons, x: x, y: y}
}

// SetConnected toggles a controller's presence.
func (c *Core) SetConnected(player int, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[player] = connected
}

// Frame returns the number of frames executed.
func (c *Core) Frame() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Checksum hashes the full state.
func (c *Core) Checksum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return crc32.ChecksumIEEE(c.state)
}

func (c *Core) stamp() {
	binary.LittleEndian.PutUint32(c.state[0:], c.frame)
	binary.LittleEndian.PutUint32(c.state[4:], c.rng)
}

// SaveState copies the state into dst.
func (c *Core) SaveState(dst []byte, frame uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(dst) < len(c.state) {
		return 0, fmt.Errorf("state buffer %d smaller than state %d",
			len(dst), len(c.state))
	}
	copy(dst, c.state)
	return len(c.state), nil
}

// LoadState restores a previously saved state, including the embedded frame
// counter and rng stream.
func (c *Core) LoadState(state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(state) != len(c.state) {
		return fmt.Errorf("state length %d, expected %d", len(state), len(c.state))
	}
	copy(c.state, state)
	c.frame = binary.LittleEndian.Uint32(c.state[0:])
	c.rng = binary.LittleEndian.Uint32(c.state[4:])
	return nil
}

// AdvanceFrame executes one frame: the latched controllers perturb the rng
// stream, which scatters writes through the active region of the state.
func (c *Core) AdvanceFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.rng*2654435761 + c.frame
	for p := 0; p < c.players; p++ {
		in := c.latched[p]
		h ^= in.buttons * 2246822519
		h = h<<7 | h>>25
		h += uint32(uint8(in.x))<<16 | uint32(uint8(in.y))<<8 | uint32(p)
	}
	h ^= h << 13
	h ^= h >> 17
	h ^= h << 5

	active := len(c.state) / 4
	if active <= prefixSize+4 {
		active = len(c.state)
	}
	pos := prefixSize + int(c.frame*13)%(active-prefixSize-4)
	binary.LittleEndian.PutUint32(c.state[pos:], h)

	c.rng = h | 1
	c.frame++
	c.stamp()
	return nil
}

// ControllerStatus reports controller presence.
func (c *Core) ControllerStatus(player int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return player >= 0 && player < len(c.connected) && c.connected[player]
}

// ReadController returns the live physical values.
func (c *Core) ReadController(player int) (uint32, int8, int8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if player < 0 || player >= len(c.live) {
		return 0, 0, 0, errors.New("no such controller")
	}
	in := c.live[player]
	return in.buttons, in.x, in.y, nil
}

// WriteController latches values for the next AdvanceFrame.
func (c *Core) WriteController(player int, buttons uint32, x, y int8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if player < 0 || player >= len(c.latched) {
		return errors.New("no such controller")
	}
	c.latched[player] = controller{buttons: buttons, x: x, y: y}
	return nil
}

// RNGState exposes the rng stream unless the core was built WithoutRNG.
func (c *Core) RNGState() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noRNG {
		return 0, false
	}
	return c.rng, true
}
