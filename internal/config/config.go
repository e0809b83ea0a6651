// Package config wires process-wide logging and session tunables for the
// netplay commands. Importing it installs the tinted slog handler.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

func init() {
	w := os.Stderr
	logger := slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(w.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if err, ok := a.Value.Any().(error); ok {
				aErr := tint.Err(err)
				aErr.Key = a.Key
				return aErr
			}
			return a
		},
	}))
	slog.SetDefault(logger)
}

// Tunables are the session knobs, read from NETPLAY_* environment keys.
type Tunables struct {
	FrameDelay         int           `envconfig:"FRAME_DELAY" default:"1"`
	SnapshotBufferSize int           `envconfig:"SNAPSHOT_BUFFER_SIZE" default:"8388608"`
	SnapshotPoolMax    int           `envconfig:"SNAPSHOT_POOL_MAX" default:"4"`
	CompressionLevel   int           `envconfig:"COMPRESSION_LEVEL" default:"1"`
	SessionKey         string        `envconfig:"SESSION_KEY" default:"netplay"`
	DisconnectTimeout  time.Duration `envconfig:"DISCONNECT_TIMEOUT" default:"3s"`
	DisconnectNotify   time.Duration `envconfig:"DISCONNECT_NOTIFY" default:"1s"`
	LossyRNGFallback   bool          `envconfig:"LOSSY_RNG_FALLBACK" default:"false"`
}

// Load reads tunables from the environment.
func Load() (Tunables, error) {
	var t Tunables
	err := envconfig.Process("NETPLAY", &t)
	return t, err
}
