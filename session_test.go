package netplay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netplay"
	"netplay/internal/emulator/emutest"
	"netplay/internal/input"
	"netplay/internal/rollback"
	"netplay/internal/transport"
)

func TestInitialize_Validation(t *testing.T) {
	ctx := context.Background()
	core := emutest.New(2, 1)

	tests := []struct {
		name       string
		address    string
		port       int
		player     int
		maxPlayers int
	}{
		{name: "too few players", port: 43800, player: 1, maxPlayers: 1},
		{name: "too many players", port: 43800, player: 1, maxPlayers: 5},
		{name: "player zero", port: 43800, player: 0, maxPlayers: 2},
		{name: "player beyond count", port: 43800, player: 3, maxPlayers: 2},
		{name: "bad port", port: -1, player: 1, maxPlayers: 2},
		{name: "joiner without host", port: 43800, player: 2, maxPlayers: 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := netplay.Initialize(ctx, core, test.address,
				test.port, test.player, test.maxPlayers, netplay.Options{})
			assert.ErrorIs(t, err, netplay.ErrInvalidArgument)
		})
	}

	t.Run("nil core", func(t *testing.T) {
		_, err := netplay.Initialize(ctx, nil, "", 43800, 1, 2, netplay.Options{})
		assert.ErrorIs(t, err, netplay.ErrInvalidArgument)
	})

	t.Run("rng required", func(t *testing.T) {
		blind := emutest.New(2, 1, emutest.WithoutRNG())
		_, err := netplay.Initialize(ctx, blind, "", 43800, 1, 2, netplay.Options{})
		assert.ErrorIs(t, err, netplay.ErrInvalidArgument)
	})

	assert.False(t, netplay.HasInit(),
		"failed initialization must not leave an active session")
}

// TestSession_HostLifecycle runs a full host session against a hand-rolled
// joiner transport: handshake, a few synchronized frames, single-instance
// enforcement, idempotent shutdown.
func TestSession_HostLifecycle(t *testing.T) {
	const (
		hostPort = 43830
		joinPort = 43840
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	core := emutest.New(2, 0xFEED, emutest.WithStateSize(8*1024))

	joinReady := make(chan *transport.Transport, 1)
	joinErr := make(chan error, 1)
	go func() {
		// The host's kcp listener comes up inside Initialize; retry until
		// it answers.
		for {
			tr, err := transport.New(ctx, transport.Config{
				LocalPort:   joinPort,
				HostAddr:    fmt.Sprintf("127.0.0.1:%d", hostPort),
				LocalPlayer: 1,
				PlayerCount: 2,
				FrameDelay:  1,
				SessionKey:  "lifecycle-test",
			})
			if err == nil {
				joinReady <- tr
				return
			}
			if ctx.Err() != nil {
				joinErr <- err
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	sess, err := netplay.Initialize(ctx, core, "", hostPort, 1, 2, netplay.Options{
		SnapshotBufferSize: 256 * 1024,
		SessionKey:         "lifecycle-test",
	})
	require.NoError(t, err)
	defer sess.Shutdown()

	var join *transport.Transport
	select {
	case join = <-joinReady:
	case err := <-joinErr:
		t.Fatal(err)
	case <-ctx.Done():
		t.Fatal("joiner never connected")
	}
	defer join.Close()

	assert.True(t, netplay.HasInit())
	assert.True(t, sess.IsInitialized())
	assert.Equal(t, 0, sess.LocalPlayerIndex())

	_, err = netplay.Initialize(ctx, core, "", hostPort, 1, 2, netplay.Options{})
	assert.ErrorIs(t, err, netplay.ErrAlreadyActive)

	// Feed remote inputs ahead of time so the host never stalls.
	rec := make([]byte, input.RecordSize)
	for f := uint32(1); f <= 40; f++ {
		join.SendInput(f, rec)
	}

	executed := 0
	deadline := time.Now().Add(10 * time.Second)
	for executed < 20 {
		require.Less(t, time.Now(), deadline, "session made no progress")
		err := sess.OnFrameEnd()
		if errors.Is(err, rollback.ErrNotSynchronized) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		// Play the host emulator: execute the frame whose inputs were just
		// latched.
		require.NoError(t, core.AdvanceFrame())
		executed++
	}

	assert.Equal(t, rollback.StateRunning, sess.State())
	assert.GreaterOrEqual(t, core.Frame(), uint32(20))

	m := sess.Metrics()
	assert.GreaterOrEqual(t, m.PredictedFrames, 0)

	require.NoError(t, sess.Shutdown())
	assert.False(t, netplay.HasInit())
	assert.False(t, sess.IsInitialized())
	assert.NoError(t, sess.Shutdown(), "second shutdown must be a no-op")

	// The slot is free again.
	assert.False(t, netplay.HasInit())
}
