package rollback_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netplay/internal/bufpool"
	"netplay/internal/emulator/emutest"
	"netplay/internal/input"
	"netplay/internal/rollback"
	"netplay/internal/statestore"
)

const (
	testStateSize = 8 * 1024
	testBufSize   = 64 * 1024
)

// rig is one engine wired to its own fake core, with the network replaced
// by a hand-fed event channel.
type rig struct {
	t      *testing.T
	core   *emutest.Core
	engine *rollback.Engine
	events chan rollback.Event
	sent   []sentInput
}

type sentInput struct {
	frame uint32
	data  []byte
}

func newRig(t *testing.T, localPlayer, players, delay int) *rig {
	t.Helper()

	core := emutest.New(players, 0xBEEF, emutest.WithStateSize(testStateSize))
	pool := bufpool.New(testBufSize, bufpool.DefaultMaxBuffers)
	store, err := statestore.New(core, pool, statestore.Config{})
	require.NoError(t, err)

	r := &rig{t: t, core: core, events: make(chan rollback.Event, 1024)}
	r.engine, err = rollback.New(rollback.Config{
		LocalPlayer: localPlayer,
		PlayerCount: players,
		FrameDelay:  delay,
		Core:        core,
		Store:       store,
		Events:      r.events,
		SendInput: func(frame uint32, rec []byte) {
			r.sent = append(r.sent, sentInput{frame: frame, data: append([]byte(nil), rec...)})
		},
	})
	require.NoError(t, err)
	return r
}

// connect delivers the peer-connected events and polls the engine into the
// Running state.
func (r *rig) connect(players int) {
	r.t.Helper()
	for range players - 1 {
		r.events <- rollback.Event{Kind: rollback.EventPeerConnected}
	}
	require.NoError(r.t, r.engine.Poll())
	require.Equal(r.t, rollback.StateRunning, r.engine.State())
}

// deliver injects an authoritative remote record.
func (r *rig) deliver(player int, frame uint32, rec input.Record) {
	data, err := rec.MarshalBinary()
	require.NoError(r.t, err)
	r.events <- rollback.Event{
		Kind:   rollback.EventRemoteInput,
		Player: player,
		Frame:  frame,
		Input:  data,
	}
}

// step runs one full emulator frame: local input in, synchronized inputs
// applied, core advanced, engine advanced.
func (r *rig) step(local input.Record) error {
	data, err := local.MarshalBinary()
	require.NoError(r.t, err)
	if err := r.engine.AddLocalInput(data); err != nil {
		return err
	}
	return r.stepNoInput()
}

func (r *rig) stepNoInput() error {
	out := make([]byte, 4*input.RecordSize)
	if err := r.engine.SynchronizeInputs(out); err != nil {
		return err
	}
	for p := range 2 {
		require.NoError(r.t, input.Apply(r.core, out[p*input.RecordSize:], p))
	}
	require.NoError(r.t, r.core.AdvanceFrame())
	return r.engine.AdvanceFrame()
}

func TestEngine_ConnectingUntilPeersArrive(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	assert.Equal(t, rollback.StateConnecting, r.engine.State())

	err := r.engine.AddLocalInput(make([]byte, input.RecordSize))
	assert.ErrorIs(t, err, rollback.ErrNotSynchronized)

	r.connect(2)
	assert.NoError(t, r.engine.AddLocalInput(make([]byte, input.RecordSize)))
}

// Two engines, zero loss, deterministic inputs: no rollbacks and identical
// state checksums frame for frame.
func TestEngine_TwoPeersNoRollback(t *testing.T) {
	a := newRig(t, 0, 2, 1)
	b := newRig(t, 1, 2, 1)
	a.connect(2)
	b.connect(2)

	const frames = 600

	script := func(player int, frame uint32) input.Record {
		rec := input.Record{StickX: int8(frame % 32), StickY: int8(player)}
		if frame%3 == uint32(player) {
			rec.Buttons |= input.ButtonA
		}
		if frame%17 == 0 {
			rec.Buttons |= input.ButtonStart
		}
		return rec
	}

	for f := uint32(0); f < frames; f++ {
		// Drain cross-traffic first so this frame's remote input is
		// authoritative before it is synchronized.
		require.NoError(t, a.engine.Poll())
		require.NoError(t, b.engine.Poll())

		require.NoError(t, a.step(script(0, f)))
		require.NoError(t, b.step(script(1, f)))

		// Exchange what each side just queued for its peer.
		for _, s := range a.sent {
			b.deliver(0, s.frame, decodeRecord(t, s.data))
		}
		a.sent = nil
		for _, s := range b.sent {
			a.deliver(1, s.frame, decodeRecord(t, s.data))
		}
		b.sent = nil

		require.Equalf(t, a.core.Checksum(), b.core.Checksum(),
			"state diverged at frame %d", f)
	}

	assert.Zero(t, a.engine.Metrics().TotalRollbacks)
	assert.Zero(t, b.engine.Metrics().TotalRollbacks)
	assert.Equal(t, uint32(frames), a.engine.CurrentFrame())
}

func decodeRecord(t *testing.T, data []byte) input.Record {
	t.Helper()
	var rec input.Record
	require.NoError(t, rec.UnmarshalBinary(data))
	return rec
}

// Delaying one remote input by three frames forces exactly one rollback of
// exactly three frames, and the re-simulated state matches a straight run
// with the same authoritative inputs.
func TestEngine_SingleRollbackDepthThree(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	const (
		mispredictFrame = 42
		deliveryFrame   = 44
		lastFrame       = 50
	)
	pressed := input.Record{Buttons: input.ButtonA}

	for f := uint32(0); f <= lastFrame; f++ {
		require.NoError(t, r.engine.Poll())

		if f == deliveryFrame {
			// The frame-42 press arrives while frame 44 is in flight.
			r.deliver(1, mispredictFrame, pressed)
		} else if f != mispredictFrame && f >= 1 && f <= deliveryFrame {
			r.deliver(1, f, input.Record{})
		} else if f > deliveryFrame {
			r.deliver(1, f, input.Record{})
		}

		require.NoError(t, r.step(input.Record{}))
	}

	m := r.engine.Metrics()
	assert.Equal(t, 1, m.TotalRollbacks)
	assert.Equal(t, 3, m.RollbackFrames)
	assert.Equal(t, 3, m.MaxRollbackFrames)
	assert.InDelta(t, 3.0, m.AvgRollbackFrames, 0.001)
	assert.True(t, r.engine.JustRolledBack())
	assert.False(t, r.engine.JustRolledBack(), "latch must clear on read")
	assert.Equal(t, uint32(lastFrame+1), r.engine.CurrentFrame(),
		"current frame must return to its pre-rollback track")

	// Reference: the same authoritative input history with no netplay.
	ref := emutest.New(2, 0xBEEF, emutest.WithStateSize(testStateSize))
	zero := make([]byte, input.RecordSize)
	press, err := pressed.MarshalBinary()
	require.NoError(t, err)
	for f := uint32(0); f <= lastFrame; f++ {
		require.NoError(t, input.Apply(ref, zero, 0))
		remote := zero
		if f == mispredictFrame {
			remote = press
		}
		require.NoError(t, input.Apply(ref, remote, 1))
		require.NoError(t, ref.AdvanceFrame())
	}
	assert.Equal(t, ref.Checksum(), r.core.Checksum(),
		"re-simulated state must match the straight run")
}

// With no confirmations at all the engine speculates MaxPrediction frames,
// stalls, and resumes once the peer catches up.
func TestEngine_WindowSaturationStalls(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	f := uint32(0)
	for ; r.engine.State() == rollback.StateRunning; f++ {
		require.NoError(t, r.step(input.Record{}))
	}

	assert.Equal(t, rollback.StateStalled, r.engine.State())
	assert.Equal(t, uint32(rollback.MaxPrediction), f,
		"exactly MaxPrediction speculative frames may execute")

	err := r.engine.SynchronizeInputs(make([]byte, 4*input.RecordSize))
	assert.ErrorIs(t, err, rollback.ErrWouldOverflow)
	err = r.engine.AddLocalInput(make([]byte, input.RecordSize))
	assert.ErrorIs(t, err, rollback.ErrWouldOverflow)

	// Confirmations drain the window and the engine resumes.
	for g := uint32(1); g <= f; g++ {
		r.deliver(1, g, input.Record{})
	}
	require.NoError(t, r.engine.Poll())
	assert.Equal(t, rollback.StateRunning, r.engine.State())
	require.NoError(t, r.step(input.Record{}))
}

// A contradiction older than the whole snapshot ring cannot be repaired.
func TestEngine_DesyncWhenRingCannotReach(t *testing.T) {
	r := newRig(t, 0, 2, 0)
	r.connect(2)

	// Frame 0 executes against a predicted zero record; no snapshot exists
	// before frame 0, so the correction is unreachable.
	out := make([]byte, 4*input.RecordSize)
	require.NoError(t, r.engine.SynchronizeInputs(out))
	require.NoError(t, r.core.AdvanceFrame())

	r.deliver(1, 0, input.Record{Buttons: input.ButtonZ})

	err := r.engine.AdvanceFrame()
	assert.ErrorIs(t, err, rollback.ErrDesynchronized)
	assert.Equal(t, rollback.StateClosed, r.engine.State())

	err = r.engine.AddLocalInput(make([]byte, input.RecordSize))
	assert.ErrorIs(t, err, rollback.ErrDisconnected)
}

func TestEngine_CorrectPredictionNoRollback(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	held := input.Record{Buttons: input.ButtonB}

	// The remote holds B from frame 1; confirm frames late, matching the
	// prediction exactly.
	r.deliver(1, 1, held)
	for f := uint32(0); f < 20; f++ {
		require.NoError(t, r.engine.Poll())
		require.NoError(t, r.step(input.Record{}))
		if f >= 2 {
			r.deliver(1, f-1, held)
		}
	}

	assert.Zero(t, r.engine.Metrics().TotalRollbacks,
		"confirmations matching predictions must not roll back")
}

func TestEngine_TimesyncHint(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	r.events <- rollback.Event{Kind: rollback.EventTimesync, FramesAhead: 4}
	require.NoError(t, r.engine.Poll())

	m := r.engine.Metrics()
	assert.Equal(t, 1, m.TotalRollbacks)
	assert.Equal(t, 4, m.RollbackFrames)
	assert.Equal(t, 4, m.MaxRollbackFrames)
	assert.True(t, r.engine.JustRolledBack())
}

func TestEngine_PingAndQualityGauges(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	r.events <- rollback.Event{Kind: rollback.EventPing, PingMs: 23}
	r.events <- rollback.Event{Kind: rollback.EventQuality, FramesAhead: -2}
	require.NoError(t, r.engine.Poll())

	m := r.engine.Metrics()
	assert.Equal(t, 23, m.PingMs)
	assert.Equal(t, -2, m.RemoteFrameAdvantage)
}

func TestEngine_Disconnect(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	require.NoError(t, r.step(input.Record{}))

	r.events <- rollback.Event{Kind: rollback.EventDisconnected, Player: 1}
	err := r.engine.AdvanceFrame()
	assert.ErrorIs(t, err, rollback.ErrDisconnected)
	assert.Equal(t, rollback.StateClosed, r.engine.State())

	assert.ErrorIs(t, r.engine.Poll(), rollback.ErrDisconnected)
}

func TestEngine_MetricsMonotonic(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	pressed := input.Record{Buttons: input.ButtonA}

	var prev rollback.Metrics
	prevFrame := uint32(0)
	for f := uint32(1); f < 60; f++ {
		require.NoError(t, r.engine.Poll())
		switch {
		case f%5 == 0:
			// Withhold this frame so the engine must predict it.
		case f%5 == 2 && f > 5:
			// The withheld frame arrives late and contradicts the
			// prediction, forcing a rollback.
			r.deliver(1, f-2, pressed)
			r.deliver(1, f, input.Record{})
		default:
			r.deliver(1, f, input.Record{})
		}
		require.NoError(t, r.step(input.Record{}))

		m := r.engine.Metrics()
		assert.GreaterOrEqual(t, m.TotalRollbacks, prev.TotalRollbacks)
		assert.GreaterOrEqual(t, m.RollbackFrames, prev.RollbackFrames)
		assert.GreaterOrEqual(t, m.MaxRollbackFrames, prev.MaxRollbackFrames)
		assert.GreaterOrEqual(t, r.engine.CurrentFrame(), prevFrame)
		assert.LessOrEqual(t, m.PredictedFrames, rollback.MaxPrediction,
			"speculation depth must stay bounded")
		prev = m
		prevFrame = r.engine.CurrentFrame()
	}
	assert.Positive(t, prev.TotalRollbacks, "the scenario must roll back")
}

func TestEngine_InputSeqTracksLocalInputs(t *testing.T) {
	r := newRig(t, 0, 2, 1)
	r.connect(2)

	require.Zero(t, r.engine.InputSeq())
	require.NoError(t, r.engine.AddLocalInput(make([]byte, input.RecordSize)))
	assert.Equal(t, uint32(1), r.engine.InputSeq())

	require.Len(t, r.sent, 1)
	assert.Equal(t, uint32(1), r.sent[0].frame,
		"frame delay must push the local input one frame ahead")
}

func TestEngine_RejectsMalformedConfig(t *testing.T) {
	core := emutest.New(2, 1, emutest.WithStateSize(testStateSize))
	pool := bufpool.New(testBufSize, 2)
	store, err := statestore.New(core, pool, statestore.Config{})
	require.NoError(t, err)

	base := rollback.Config{
		LocalPlayer: 0, PlayerCount: 2, Core: core, Store: store,
	}

	bad := base
	bad.PlayerCount = 1
	_, err = rollback.New(bad)
	assert.Error(t, err)

	bad = base
	bad.PlayerCount = 5
	_, err = rollback.New(bad)
	assert.Error(t, err)

	bad = base
	bad.LocalPlayer = 2
	_, err = rollback.New(bad)
	assert.Error(t, err)

	bad = base
	bad.Core = nil
	_, err = rollback.New(bad)
	assert.Error(t, err)
}

