// Package rollback implements the lockstep-with-speculation state machine
// that keeps remote players in sync while hiding input latency. It predicts
// remote inputs, detects mis-predictions when authoritative inputs arrive,
// and rewinds the emulator through the snapshot ring to re-simulate the
// affected frames with corrected inputs.
//
// The engine is single-threaded cooperative: the emulator's per-frame
// callback drives it. The network transport feeds it through a buffered
// event channel drained on AdvanceFrame and Poll.
package rollback

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"netplay/internal/emulator"
	"netplay/internal/input"
	"netplay/internal/statestore"
)

const (
	// MaxPrediction bounds how many frames ahead of the confirmation
	// frontier the engine may speculate.
	MaxPrediction = 8

	// MaxPlayers is the most controllers a session can carry.
	MaxPlayers = 4

	// ringCap keeps one spare snapshot past the prediction window so a
	// mis-prediction at the oldest unconfirmed frame still has a rollback
	// target strictly before it.
	ringCap = MaxPrediction + 2

	// inputRetention is how far behind the current frame input records are
	// kept before being pruned.
	inputRetention = 4 * MaxPrediction
)

var (
	ErrWouldOverflow   = errors.New("unconfirmed input window full")
	ErrDesynchronized  = errors.New("rollback target beyond snapshot ring")
	ErrDisconnected    = errors.New("peer disconnected")
	ErrNotSynchronized = errors.New("session not synchronized")
)

// State of the engine lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateStalled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind discriminates transport events.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventRemoteInput
	EventPing
	EventQuality
	EventTimesync
	EventDisconnectWarning
	EventDisconnected
)

// Event is one network occurrence handed to the engine. Events are emitted
// in arrival order and applied in frame-ascending order.
type Event struct {
	Kind        EventKind
	Player      int // zero-based sender
	Frame       uint32
	Input       []byte // RecordSize bytes for EventRemoteInput
	PingMs      int
	FramesAhead int
}

// Metrics is a value snapshot of the engine counters and gauges.
type Metrics struct {
	RollbackFrames       int
	TotalRollbacks       int
	PredictedFrames      int
	MaxRollbackFrames    int
	AvgRollbackFrames    float64
	PingMs               int
	RemoteFrameAdvantage int
}

// Config wires an Engine to its collaborators.
type Config struct {
	LocalPlayer int // zero-based
	PlayerCount int // 2..4
	FrameDelay  int

	Core   emulator.Core
	Store  *statestore.Store
	Events <-chan Event

	// SendInput publishes a local input record for a frame to all peers.
	SendInput func(frame uint32, rec []byte)

	Logger *slog.Logger
}

type playerInput struct {
	data      [input.RecordSize]byte
	predicted bool
}

// Engine is the rollback state machine. All methods except Metrics,
// JustRolledBack and HasRollbacks must be called from the emulator thread.
type Engine struct {
	logger *slog.Logger
	core   emulator.Core
	store  *statestore.Store
	events <-chan Event
	send   func(frame uint32, rec []byte)

	state       State
	localPlayer int
	playerCount int
	frameDelay  uint32

	currentFrame uint32
	inputSeq     uint32
	lastSavedSeq uint32

	inputs    [MaxPlayers]map[uint32]*playerInput
	nextAuth  [MaxPlayers]uint32 // first frame without authoritative input
	lastKnown [MaxPlayers][input.RecordSize]byte
	highSeen  [MaxPlayers]uint32

	connected int

	ring []*statestore.Snapshot // frame-ascending

	mu             sync.Mutex
	metrics        Metrics
	justRolledBack bool
}

// New validates cfg and returns an engine in the Connecting state. Local
// inputs for the first FrameDelay frames are pre-filled with zero records so
// the delayed pipeline starts full.
func New(cfg Config) (*Engine, error) {
	if cfg.PlayerCount < 2 || cfg.PlayerCount > MaxPlayers {
		return nil, fmt.Errorf("player count %d out of range 2..%d", cfg.PlayerCount, MaxPlayers)
	}
	if cfg.LocalPlayer < 0 || cfg.LocalPlayer >= cfg.PlayerCount {
		return nil, fmt.Errorf("local player %d out of range 0..%d", cfg.LocalPlayer, cfg.PlayerCount-1)
	}
	if cfg.FrameDelay < 0 {
		return nil, fmt.Errorf("frame delay %d negative", cfg.FrameDelay)
	}
	if cfg.Core == nil || cfg.Store == nil {
		return nil, errors.New("core and store are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:      logger.With("component", "rollback"),
		core:        cfg.Core,
		store:       cfg.Store,
		events:      cfg.Events,
		send:        cfg.SendInput,
		state:       StateConnecting,
		localPlayer: cfg.LocalPlayer,
		playerCount: cfg.PlayerCount,
		frameDelay:  uint32(cfg.FrameDelay),
	}
	// Frame delay is agreed session-wide, so every player's first FrameDelay
	// frames are known to be the zero record before any packet flows.
	for p := 0; p < cfg.PlayerCount; p++ {
		e.inputs[p] = map[uint32]*playerInput{}
		for f := uint32(0); f < e.frameDelay; f++ {
			e.inputs[p][f] = &playerInput{}
		}
		e.nextAuth[p] = e.frameDelay
	}
	return e, nil
}

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state }

// CurrentFrame returns the frame the emulator will execute next.
func (e *Engine) CurrentFrame() uint32 { return e.currentFrame }

// InputSeq returns the running local input sequence number.
func (e *Engine) InputSeq() uint32 { return e.inputSeq }

// minRemoteNext returns the lowest first-unconfirmed frame across remotes.
func (e *Engine) minRemoteNext() uint32 {
	min := ^uint32(0)
	for p := 0; p < e.playerCount; p++ {
		if p == e.localPlayer {
			continue
		}
		if e.nextAuth[p] < min {
			min = e.nextAuth[p]
		}
	}
	return min
}

// windowGap counts the unconfirmed frames up to and including the current
// one: current_frame minus the confirmation frontier. The frontier is the
// frame before minRemoteNext.
func (e *Engine) windowGap() uint32 {
	next := e.minRemoteNext()
	if e.currentFrame+1 <= next {
		return 0
	}
	return e.currentFrame + 1 - next
}

func (e *Engine) windowFull() bool {
	return e.windowGap() >= MaxPrediction
}

// AddLocalInput appends the local record for frame currentFrame+FrameDelay
// and bumps the input sequence. It fails with ErrWouldOverflow while the
// unconfirmed window is full.
func (e *Engine) AddLocalInput(data []byte) error {
	switch e.state {
	case StateClosed:
		return ErrDisconnected
	case StateConnecting:
		return ErrNotSynchronized
	}
	if len(data) < input.RecordSize {
		return fmt.Errorf("input record length %d less than %d: %w",
			len(data), input.RecordSize, input.ErrShortRecord)
	}
	if e.state == StateStalled || e.windowFull() {
		return ErrWouldOverflow
	}

	target := e.currentFrame + e.frameDelay
	entry := &playerInput{}
	copy(entry.data[:], data)
	e.inputs[e.localPlayer][target] = entry
	if target >= e.highSeen[e.localPlayer] {
		e.highSeen[e.localPlayer] = target
		e.lastKnown[e.localPlayer] = entry.data
	}
	if e.nextAuth[e.localPlayer] == target {
		e.nextAuth[e.localPlayer] = target + 1
	}

	e.inputSeq++
	if e.send != nil {
		e.send(target, entry.data[:])
	}
	return nil
}

// SynchronizeInputs fills out with PlayerCount*RecordSize bytes for the
// current frame: authoritative records where known, the last-known record
// held constant otherwise. Synthesized records are remembered as predicted
// so a later authoritative arrival can be checked against them.
func (e *Engine) SynchronizeInputs(out []byte) error {
	switch e.state {
	case StateClosed:
		return ErrDisconnected
	case StateConnecting:
		return ErrNotSynchronized
	case StateStalled:
		return ErrWouldOverflow
	}
	if need := e.playerCount * input.RecordSize; len(out) < need {
		return fmt.Errorf("output length %d less than %d: %w",
			len(out), need, input.ErrShortRecord)
	}

	for p := 0; p < e.playerCount; p++ {
		rec := e.frameInput(p, e.currentFrame)
		copy(out[p*input.RecordSize:(p+1)*input.RecordSize], rec)
	}

	e.mu.Lock()
	e.metrics.PredictedFrames = int(e.windowGap())
	e.mu.Unlock()
	return nil
}

// frameInput returns the record for player p at frame, synthesizing and
// remembering a prediction when no record exists yet.
func (e *Engine) frameInput(p int, frame uint32) []byte {
	if entry, ok := e.inputs[p][frame]; ok {
		return entry.data[:]
	}
	entry := &playerInput{data: e.lastKnown[p], predicted: p != e.localPlayer}
	e.inputs[p][frame] = entry
	return entry.data[:]
}

// Poll drains pending network events without advancing the frame. It
// performs any rollback a newly arrived input demands and re-evaluates the
// Stalled/Running transition. Hosts call it while stalled or idle.
func (e *Engine) Poll() error {
	if e.state == StateClosed {
		return ErrDisconnected
	}

	mispredict, ok := e.drainEvents()
	if e.state == StateClosed {
		return ErrDisconnected
	}
	// Between frames the current frame has not been executed yet: only a
	// contradiction in an already executed frame forces a rollback, and
	// re-simulation stops one frame short of the resume point.
	if ok && mispredict < e.currentFrame {
		resume := e.currentFrame
		if err := e.rollback(mispredict, e.currentFrame-1); err != nil {
			return err
		}
		e.currentFrame = resume
	}
	e.updateRunState()
	return nil
}

// AdvanceFrame signals that the emulator has executed the current frame. It
// drains network events, rolls back if any authoritative input contradicts a
// prediction, captures a snapshot, and moves to the next frame.
func (e *Engine) AdvanceFrame() error {
	switch e.state {
	case StateClosed:
		return ErrDisconnected
	case StateConnecting:
		if err := e.Poll(); err != nil {
			return err
		}
		if e.state != StateRunning {
			return ErrNotSynchronized
		}
		return nil
	case StateStalled:
		if err := e.Poll(); err != nil {
			return err
		}
		if e.state == StateStalled {
			return ErrWouldOverflow
		}
		return nil
	}

	mispredict, ok := e.drainEvents()
	if e.state == StateClosed {
		return ErrDisconnected
	}
	if ok {
		if err := e.rollback(mispredict, e.currentFrame); err != nil {
			return err
		}
	}

	if err := e.saveSnapshot(); err != nil {
		return err
	}

	e.currentFrame++
	e.pruneInputs()
	e.updateRunState()

	e.mu.Lock()
	e.metrics.PredictedFrames = int(e.windowGap())
	e.mu.Unlock()
	return nil
}

// updateRunState flips between Running and Stalled from the window gap.
func (e *Engine) updateRunState() {
	switch {
	case e.state == StateRunning && e.windowFull():
		e.state = StateStalled
		e.logger.Warn("prediction window saturated, stalling",
			"frame", e.currentFrame, "frontier", e.minRemoteNext())
	case e.state == StateStalled && !e.windowFull():
		e.state = StateRunning
		e.logger.Info("prediction window drained, resuming",
			"frame", e.currentFrame)
	}
}

// drainEvents consumes every queued event. Remote inputs are applied in
// frame-ascending order; the earliest contradicted frame is returned.
func (e *Engine) drainEvents() (uint32, bool) {
	var remote []Event
	for {
		select {
		case ev := <-e.events:
			if ev.Kind == EventRemoteInput {
				remote = append(remote, ev)
				continue
			}
			e.applyControl(ev)
		default:
			slices.SortStableFunc(remote, func(a, b Event) int {
				return cmp.Compare(a.Frame, b.Frame)
			})
			mispredict := ^uint32(0)
			for _, ev := range remote {
				if f, ok := e.applyRemoteInput(ev); ok && f < mispredict {
					mispredict = f
				}
			}
			return mispredict, mispredict != ^uint32(0)
		}
	}
}

func (e *Engine) applyControl(ev Event) {
	switch ev.Kind {
	case EventPeerConnected:
		e.connected++
		e.logger.Info("peer connected", "player", ev.Player,
			"connected", e.connected, "expected", e.playerCount-1)
		if e.state == StateConnecting && e.connected >= e.playerCount-1 {
			e.state = StateRunning
			e.logger.Info("all peers connected, session running")
		}
	case EventPing:
		e.mu.Lock()
		e.metrics.PingMs = ev.PingMs
		e.mu.Unlock()
	case EventQuality:
		e.mu.Lock()
		e.metrics.RemoteFrameAdvantage = ev.FramesAhead
		e.mu.Unlock()
	case EventTimesync:
		if ev.FramesAhead > 0 {
			e.recordRollback(ev.FramesAhead)
			e.logger.Debug("timesync rollback signal", "frames", ev.FramesAhead)
		}
	case EventDisconnectWarning:
		e.logger.Warn("peer silent, disconnect pending", "player", ev.Player)
	case EventDisconnected:
		e.logger.Error("peer disconnected", "player", ev.Player)
		e.close()
	}
}

// applyRemoteInput stores an authoritative remote record. It reports the
// frame when the record contradicts a prediction already handed to the
// emulator.
func (e *Engine) applyRemoteInput(ev Event) (uint32, bool) {
	p := ev.Player
	if p < 0 || p >= e.playerCount || p == e.localPlayer || len(ev.Input) < input.RecordSize {
		e.logger.Warn("dropping malformed remote input", "player", p)
		return 0, false
	}

	var data [input.RecordSize]byte
	copy(data[:], ev.Input)

	mispredicted := false
	if entry, ok := e.inputs[p][ev.Frame]; ok {
		if !entry.predicted {
			return 0, false // duplicate authoritative delivery
		}
		mispredicted = entry.data != data
	}

	e.inputs[p][ev.Frame] = &playerInput{data: data}
	if ev.Frame >= e.highSeen[p] {
		e.highSeen[p] = ev.Frame
		e.lastKnown[p] = data
	}
	for {
		entry, ok := e.inputs[p][e.nextAuth[p]]
		if !ok || entry.predicted {
			break
		}
		e.nextAuth[p]++
	}

	return ev.Frame, mispredicted
}

// rollback rewinds to the newest snapshot strictly before the contradicted
// frame and re-simulates forward with corrected inputs through the last
// executed frame.
func (e *Engine) rollback(first, before uint32) error {
	idx := -1
	for i := len(e.ring) - 1; i >= 0; i-- {
		if e.ring[i].Frame < first {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.logger.Error("no snapshot before mis-predicted frame",
			"frame", first, "ring", len(e.ring))
		e.close()
		return ErrDesynchronized
	}
	snap := e.ring[idx]

	seqBefore := e.inputSeq
	h, err := e.store.Load(snap.Bytes())
	if err != nil {
		e.close()
		return fmt.Errorf("load snapshot for frame %d: %w", snap.Frame, err)
	}
	e.inputSeq = h.InputSeq
	e.currentFrame = snap.Frame

	// Snapshots past the restore point were produced with wrong inputs.
	for _, s := range e.ring[idx+1:] {
		s.Release()
	}
	e.ring = e.ring[:idx+1]

	for g := snap.Frame + 1; g <= before; g++ {
		e.currentFrame = g
		for p := 0; p < e.playerCount; p++ {
			entry, ok := e.inputs[p][g]
			if !ok || entry.predicted {
				entry = &playerInput{data: e.lastKnown[p], predicted: p != e.localPlayer}
				e.inputs[p][g] = entry
			}
			if err := input.Apply(e.core, entry.data[:], p); err != nil {
				e.close()
				return fmt.Errorf("replay frame %d: %w", g, err)
			}
		}
		if err := e.core.AdvanceFrame(); err != nil {
			e.close()
			return fmt.Errorf("replay frame %d: %w", g, err)
		}
		if g < before {
			if err := e.saveSnapshot(); err != nil {
				return err
			}
		}
	}
	e.inputSeq = seqBefore
	if err := e.saveSnapshot(); err != nil {
		return err
	}

	e.recordRollback(int(before - snap.Frame))
	e.logger.Info("rolled back",
		"from", before, "to", snap.Frame, "depth", before-snap.Frame)
	return nil
}

// saveSnapshot captures the post-execution state of the current frame into
// the ring. Pool exhaustion skips the save; any other failure is fatal.
func (e *Engine) saveSnapshot() error {
	snap, err := e.store.Save(e.currentFrame, e.inputSeq)
	if errors.Is(err, statestore.ErrPoolExhausted) {
		e.logger.Warn("snapshot skipped, pool exhausted", "frame", e.currentFrame)
		return nil
	}
	if err != nil {
		e.close()
		return fmt.Errorf("save snapshot at frame %d: %w", e.currentFrame, err)
	}
	snap.Compact()
	e.lastSavedSeq = snap.InputSeq

	// Replace rather than duplicate when re-simulation re-captures a frame.
	if n := len(e.ring); n > 0 && e.ring[n-1].Frame == snap.Frame {
		e.ring[n-1].Release()
		e.ring[n-1] = snap
	} else {
		e.ring = append(e.ring, snap)
	}
	for len(e.ring) > ringCap {
		e.ring[0].Release()
		e.ring = e.ring[1:]
	}
	return nil
}

// pruneInputs drops input records far behind the current frame.
func (e *Engine) pruneInputs() {
	if e.currentFrame < inputRetention {
		return
	}
	floor := e.currentFrame - inputRetention
	for p := 0; p < e.playerCount; p++ {
		for f := range e.inputs[p] {
			if f < floor {
				delete(e.inputs[p], f)
			}
		}
	}
}

func (e *Engine) recordRollback(depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.RollbackFrames += depth
	e.metrics.TotalRollbacks++
	if depth > e.metrics.MaxRollbackFrames {
		e.metrics.MaxRollbackFrames = depth
	}
	e.metrics.AvgRollbackFrames =
		float64(e.metrics.RollbackFrames) / float64(e.metrics.TotalRollbacks)
	e.justRolledBack = true
}

// Metrics returns a copy of the counters and gauges.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// JustRolledBack reports whether a rollback occurred since the last call,
// clearing the flag.
func (e *Engine) JustRolledBack() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.justRolledBack
	e.justRolledBack = false
	return v
}

// HasRollbacks reports whether any rollback has occurred this session.
func (e *Engine) HasRollbacks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.TotalRollbacks > 0
}

func (e *Engine) close() {
	if e.state == StateClosed {
		return
	}
	e.state = StateClosed
	for _, s := range e.ring {
		s.Release()
	}
	e.ring = nil
}

// Close ends the session. Idempotent.
func (e *Engine) Close() {
	e.close()
}
