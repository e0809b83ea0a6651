// Package netplay coordinates rollback netplay for a frame-stepped
// emulator: it binds the input pipeline, snapshot store and sync engine to
// the host emulator's callbacks and exposes a single-instance control
// surface.
package netplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netplay/internal/bufpool"
	"netplay/internal/emulator"
	"netplay/internal/input"
	"netplay/internal/rollback"
	"netplay/internal/statestore"
	"netplay/internal/transport"
)

// Core is the callback surface the host emulator must implement.
type Core = emulator.Core

// Metrics is a value snapshot of rollback behavior.
type Metrics = rollback.Metrics

// InputRecordSize is the wire width of one player's controller record.
const InputRecordSize = input.RecordSize

var (
	ErrInvalidArgument = errors.New("invalid session argument")
	ErrAlreadyActive   = errors.New("another session is already active")

	// ErrWouldOverflow re-exports the engine's stall signal: the
	// unconfirmed window is full and the caller should hold this frame.
	ErrWouldOverflow = rollback.ErrWouldOverflow
)

// Options tunes a session. The zero value selects defaults.
type Options struct {
	FrameDelay         int           // local input delay in frames, default 1
	SnapshotBufferSize int           // pool buffer size, default 8 MiB
	SnapshotPoolMax    int           // resident pool buffers, default 4
	CompressionLevel   int           // deflate level 1..9, default 1
	SessionKey         string        // handshake passphrase, default "netplay"
	DisconnectTimeout  time.Duration // default 3s
	DisconnectNotify   time.Duration // default 1s

	// LossyRNGFallback admits emulators without RNG introspection at the
	// cost of lossy desync detection.
	LossyRNGFallback bool

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.FrameDelay == 0 {
		o.FrameDelay = 1
	}
	if o.SnapshotBufferSize == 0 {
		o.SnapshotBufferSize = bufpool.DefaultBufferSize
	}
	if o.SnapshotPoolMax == 0 {
		o.SnapshotPoolMax = bufpool.DefaultMaxBuffers
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = statestore.DefaultCompressionLevel
	}
	if o.SessionKey == "" {
		o.SessionKey = "netplay"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is one live rollback netplay session. At most one exists per
// process.
type Session struct {
	core        Core
	localPlayer int // zero-based
	playerCount int

	pool   *bufpool.Pool
	store  *statestore.Store
	tr     *transport.Transport
	engine *rollback.Engine
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error

	syncBuf []byte
}

var (
	activeMu sync.Mutex
	active   *Session
)

// HasInit reports whether a session is currently active in this process.
func HasInit() bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active != nil
}

// Initialize builds the one allowed session: it validates the parameters,
// checks the emulator's capabilities, performs the peer handshake and wires
// the engine to the emulator callbacks. player is 1-based; player 1 hosts
// the handshake and address names its endpoint (ignored for the host).
func Initialize(ctx context.Context, core Core, address string, port, player, maxPlayers int, opts Options) (*Session, error) {
	if maxPlayers < 2 || maxPlayers > rollback.MaxPlayers {
		return nil, fmt.Errorf("%w: max players %d out of range 2..%d",
			ErrInvalidArgument, maxPlayers, rollback.MaxPlayers)
	}
	if player < 1 || player > maxPlayers {
		return nil, fmt.Errorf("%w: player %d out of range 1..%d",
			ErrInvalidArgument, player, maxPlayers)
	}
	if port <= 0 || port > 0xFFFE {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, port)
	}
	if opts.FrameDelay < 0 {
		return nil, fmt.Errorf("%w: frame delay %d", ErrInvalidArgument, opts.FrameDelay)
	}
	if player != 1 && address == "" {
		return nil, fmt.Errorf("%w: joining player needs the host address",
			ErrInvalidArgument)
	}
	if core == nil {
		return nil, fmt.Errorf("%w: nil emulator core", ErrInvalidArgument)
	}
	opts.defaults()

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return nil, ErrAlreadyActive
	}

	pool := bufpool.New(opts.SnapshotBufferSize, opts.SnapshotPoolMax)
	store, err := statestore.New(core, pool, statestore.Config{
		CompressionLevel: opts.CompressionLevel,
		LossyRNGFallback: opts.LossyRNGFallback,
	})
	if err != nil {
		if errors.Is(err, statestore.ErrRNGUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return nil, err
	}

	hostAddr := address
	if player == 1 {
		hostAddr = ""
	}
	tr, err := transport.New(ctx, transport.Config{
		LocalPort:         port,
		HostAddr:          hostAddr,
		LocalPlayer:       player - 1,
		PlayerCount:       maxPlayers,
		FrameDelay:        opts.FrameDelay,
		SessionKey:        opts.SessionKey,
		DisconnectTimeout: opts.DisconnectTimeout,
		DisconnectNotify:  opts.DisconnectNotify,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := rollback.New(rollback.Config{
		LocalPlayer: player - 1,
		PlayerCount: maxPlayers,
		FrameDelay:  opts.FrameDelay,
		Core:        core,
		Store:       store,
		Events:      tr.Events(),
		SendInput:   tr.SendInput,
		Logger:      opts.Logger,
	})
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s := &Session{
		core:        core,
		localPlayer: player - 1,
		playerCount: maxPlayers,
		pool:        pool,
		store:       store,
		tr:          tr,
		engine:      engine,
		logger:      opts.Logger.With("component", "session"),
		syncBuf:     make([]byte, maxPlayers*input.RecordSize),
	}
	active = s
	s.logger.Info("session initialized",
		"player", player, "players", maxPlayers, "frame_delay", opts.FrameDelay)
	return s, nil
}

// Shutdown tears down the network, flushes the buffer pool and releases the
// single-instance slot. Calling it again is a no-op.
func (s *Session) Shutdown() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		s.closeErr = s.tr.Close()
		s.pool.Flush()

		activeMu.Lock()
		if active == s {
			active = nil
		}
		activeMu.Unlock()
		s.logger.Info("session shut down")
	})
	return s.closeErr
}

// IsInitialized reports whether this session still owns the process slot.
func (s *Session) IsInitialized() bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active == s
}

// LocalPlayerIndex returns the zero-based local player index.
func (s *Session) LocalPlayerIndex() int { return s.localPlayer }

// State returns the engine lifecycle state.
func (s *Session) State() rollback.State { return s.engine.State() }

// Metrics returns a copy of the rollback metrics.
func (s *Session) Metrics() Metrics { return s.engine.Metrics() }

// JustRolledBack reports and clears the rollback-occurred latch.
func (s *Session) JustRolledBack() bool { return s.engine.JustRolledBack() }

// HasRollbacks reports whether any rollback happened this session.
func (s *Session) HasRollbacks() bool { return s.engine.HasRollbacks() }

// AddLocalInput submits the local controller record for the delayed frame.
func (s *Session) AddLocalInput(data []byte) error {
	return s.engine.AddLocalInput(data)
}

// GetSynchronizedInputs fills out with playerCount*InputRecordSize bytes
// for the current frame.
func (s *Session) GetSynchronizedInputs(out []byte) error {
	return s.engine.SynchronizeInputs(out)
}

// ApplyInputs synchronizes the current frame and latches every player's
// record into the emulator's virtual controllers.
func (s *Session) ApplyInputs() error {
	if err := s.engine.SynchronizeInputs(s.syncBuf); err != nil {
		return err
	}
	for p := 0; p < s.playerCount; p++ {
		rec := s.syncBuf[p*input.RecordSize : (p+1)*input.RecordSize]
		if err := input.Apply(s.core, rec, p); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceFrame signals that the emulator executed the current frame.
func (s *Session) AdvanceFrame() error {
	err := s.engine.AdvanceFrame()
	s.tr.SetLocalFrame(s.engine.CurrentFrame())
	return err
}

// Poll drains network events without advancing; hosts call it while the
// engine is stalled or the session is still connecting.
func (s *Session) Poll() error {
	err := s.engine.Poll()
	s.tr.SetLocalFrame(s.engine.CurrentFrame())
	return err
}

// OnFrameEnd is the per-frame hook for the emulator's frame callback: it
// gathers the local controller, submits it, advances the engine and applies
// the synchronized inputs for the next frame. While the engine is stalled
// or still connecting it only polls and reports ErrWouldOverflow or
// ErrNotSynchronized so the host can hold emulation.
func (s *Session) OnFrameEnd() error {
	switch s.engine.State() {
	case rollback.StateConnecting:
		if err := s.Poll(); err != nil {
			return err
		}
		if s.engine.State() != rollback.StateRunning {
			return rollback.ErrNotSynchronized
		}
	case rollback.StateStalled:
		if err := s.Poll(); err != nil {
			return err
		}
		if s.engine.State() == rollback.StateStalled {
			return ErrWouldOverflow
		}
	}

	rec, err := input.Gather(s.core, s.localPlayer)
	if err != nil {
		return err
	}
	if err := s.AddLocalInput(rec); err != nil && !errors.Is(err, ErrWouldOverflow) {
		return err
	}
	if err := s.AdvanceFrame(); err != nil {
		return err
	}
	return s.ApplyInputs()
}
