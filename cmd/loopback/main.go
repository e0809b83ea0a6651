// Command loopback drives one netplay session against a deterministic fake
// emulator core. Run two instances to watch rollback in action:
//
//	NETPLAY_FRAME_DELAY=1 loopback -player 1 -port 4200 &
//	loopback -player 2 -port 4300 -host 127.0.0.1:4200
//
// Both sides print their final state checksum; matching checksums mean the
// session stayed in sync. Rollback metrics are exported on -metrics-addr.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netplay"
	"netplay/internal/config"
	"netplay/internal/emulator"
	"netplay/internal/emulator/emutest"
	"netplay/internal/rollback"
)

var (
	gaugeRollbackFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_rollback_frames",
		Help: "Total frames re-simulated by rollbacks",
	})
	gaugeRollbacks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_rollbacks_total",
		Help: "Total rollback events",
	})
	gaugePredicted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_predicted_frames",
		Help: "Current speculation depth past the confirmation frontier",
	})
	gaugeMaxRollback = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_max_rollback_frames",
		Help: "Deepest rollback seen",
	})
	gaugePing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_ping_ms",
		Help: "Round-trip time to the peer",
	})
	gaugeAdvantage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_remote_frame_advantage",
		Help: "How many frames ahead the remote reports being",
	})
	gaugeFrame = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_current_frame",
		Help: "Frame the engine will execute next",
	})
)

func publishMetrics(s *netplay.Session) {
	m := s.Metrics()
	gaugeRollbackFrames.Set(float64(m.RollbackFrames))
	gaugeRollbacks.Set(float64(m.TotalRollbacks))
	gaugePredicted.Set(float64(m.PredictedFrames))
	gaugeMaxRollback.Set(float64(m.MaxRollbackFrames))
	gaugePing.Set(float64(m.PingMs))
	gaugeAdvantage.Set(float64(m.RemoteFrameAdvantage))
}

// script returns the local controller values for a frame: every player
// mashes a deterministic pattern so both processes produce the same input
// history regardless of timing.
func script(player int, frame uint32) (buttons uint32, x, y int8) {
	if frame%4 == uint32(player) {
		buttons |= emulator.NativeA
	}
	if frame%7 == 0 {
		buttons |= emulator.NativeDPadRight
	}
	if frame%11 == 0 {
		buttons |= emulator.NativeShoulderL
	}
	x = int8(frame % 64)
	y = int8(player * 8)
	return buttons, x, y
}

func main() {
	player := flag.Int("player", 1, "1-based player number; player 1 hosts")
	players := flag.Int("players", 2, "session player count")
	port := flag.Int("port", 4200, "local UDP input port")
	host := flag.String("host", "", "host input endpoint, required for joiners")
	frames := flag.Int("frames", 600, "frames to run")
	metricsAddr := flag.String("metrics-addr", "", "prometheus listen address, empty disables")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}
	tunables, err := config.Load()
	if err != nil {
		slog.Error("failed to load tunables", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	core := emutest.New(*players, 0xC0FFEE)
	sess, err := netplay.Initialize(ctx, core, *host, *port, *player, *players, netplay.Options{
		FrameDelay:         tunables.FrameDelay,
		SnapshotBufferSize: tunables.SnapshotBufferSize,
		SnapshotPoolMax:    tunables.SnapshotPoolMax,
		CompressionLevel:   tunables.CompressionLevel,
		SessionKey:         tunables.SessionKey,
		DisconnectTimeout:  tunables.DisconnectTimeout,
		DisconnectNotify:   tunables.DisconnectNotify,
		LossyRNGFallback:   tunables.LossyRNGFallback,
	})
	if err != nil {
		slog.Error("failed to initialize session", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sess.Shutdown(); err != nil {
			slog.Error("failed to shut down session", "error", err)
		}
	}()

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	executed := 0
	for executed < *frames {
		select {
		case <-ctx.Done():
			slog.Info("interrupted", "frame", core.Frame())
			return
		case <-ticker.C:
		}

		buttons, x, y := script(sess.LocalPlayerIndex(), core.Frame())
		core.SetLive(sess.LocalPlayerIndex(), buttons, x, y)

		err := sess.OnFrameEnd()
		switch {
		case errors.Is(err, rollback.ErrNotSynchronized):
			continue // still connecting
		case errors.Is(err, netplay.ErrWouldOverflow):
			continue // stalled behind the peer
		case err != nil:
			slog.Error("session failed", "frame", core.Frame(), "error", err)
			return
		}
		if err := core.AdvanceFrame(); err != nil {
			slog.Error("emulator frame failed", "frame", core.Frame(), "error", err)
			return
		}
		executed++
		gaugeFrame.Set(float64(core.Frame()))
		publishMetrics(sess)
	}

	m := sess.Metrics()
	slog.Info("run complete",
		"frames", executed,
		"checksum", core.Checksum(),
		"rollbacks", m.TotalRollbacks,
		"rollback_frames", m.RollbackFrames,
		"max_rollback", m.MaxRollbackFrames,
		"ping_ms", m.PingMs)
}
