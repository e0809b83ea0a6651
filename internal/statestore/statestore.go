// Package statestore turns full emulator states into pooled, compressed,
// checksummed snapshot envelopes and back.
//
// A save borrows one pool buffer, asks the emulator to dump its state into
// the region past a reserved compression window, deflates the state into the
// window right behind the header, and finalizes the header in place. The
// checksum covers the uncompressed state so two independently produced
// snapshots of the same frame can be compared without inflating either.
package statestore

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zlib"

	"netplay/internal/bufpool"
	"netplay/internal/emulator"
	"netplay/internal/envelope"
)

var (
	ErrPoolExhausted    = errors.New("snapshot buffer pool exhausted")
	ErrCompression      = errors.New("state compression failed")
	ErrDecompression    = errors.New("state decompression failed")
	ErrEmulatorRejected = errors.New("emulator rejected state")
	ErrRNGUnsupported   = errors.New("emulator does not expose rng state")
)

// DefaultCompressionLevel favors latency over ratio; a save happens on the
// emulator thread between frames.
const DefaultCompressionLevel = 1

const statsLogInterval = 100

// Config tunes a Store.
type Config struct {
	// CompressionLevel is the deflate level, 1..9.
	CompressionLevel int

	// LossyRNGFallback substitutes a monotonic counter when the emulator
	// cannot expose its RNG seed. Divergence detection is then lossy: two
	// peers can report matching counters while their RNG states differ.
	LossyRNGFallback bool
}

// Store drives the emulator's save and load callbacks through the buffer
// pool. Not safe for concurrent use; the rollback driver owns it.
type Store struct {
	core   emulator.Core
	pool   *bufpool.Pool
	level  int
	lossy  bool
	logger *slog.Logger

	rngCounter uint32

	saves       int
	loads       int
	saveTime    time.Duration
	loadTime    time.Duration
	rawIn       int64
	deflatedOut int64
}

// New validates cfg against the emulator's capabilities. An emulator without
// RNG introspection is refused unless cfg.LossyRNGFallback is set.
func New(core emulator.Core, pool *bufpool.Pool, cfg Config) (*Store, error) {
	level := cfg.CompressionLevel
	if level == 0 {
		level = DefaultCompressionLevel
	}
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("compression level %d out of range 1..9", level)
	}

	if _, ok := core.RNGState(); !ok && !cfg.LossyRNGFallback {
		return nil, ErrRNGUnsupported
	}

	return &Store{
		core:   core,
		pool:   pool,
		level:  level,
		lossy:  cfg.LossyRNGFallback,
		logger: slog.Default().With("component", "statestore"),
	}, nil
}

// Snapshot is one captured frame. Its bytes are a complete envelope. A fresh
// snapshot is backed by a pool buffer; Compact moves it to a right-sized
// allocation and returns the buffer, Release discards it outright.
type Snapshot struct {
	Frame    uint32
	Checksum uint32
	InputSeq uint32
	RNGState uint32

	data   []byte
	pooled []byte
	pool   *bufpool.Pool
}

// Bytes returns the envelope: header plus compressed payload.
func (s *Snapshot) Bytes() []byte { return s.data }

// Len returns the envelope length in bytes.
func (s *Snapshot) Len() int { return len(s.data) }

// Compact copies the envelope out of the pool buffer and releases the
// buffer. A compacted snapshot stays valid for the life of the session.
func (s *Snapshot) Compact() {
	if s.pooled == nil {
		return
	}
	s.data = bytes.Clone(s.data)
	s.pool.Release(s.pooled)
	s.pooled = nil
}

// Release returns the backing pool buffer, invalidating Bytes. No-op after
// Compact.
func (s *Snapshot) Release() {
	if s.pooled == nil {
		return
	}
	s.pool.Release(s.pooled)
	s.pooled = nil
	s.data = nil
}

// rng returns the emulator seed, or the counter fallback when allowed.
func (s *Store) rng() uint32 {
	if seed, ok := s.core.RNGState(); ok {
		return seed
	}
	s.rngCounter++
	return s.rngCounter
}

// Save captures the state after execution of frame. inputSeq is the last
// local input sequence at capture and travels in the header so a later load
// can restore it.
func (s *Store) Save(frame, inputSeq uint32) (*Snapshot, error) {
	start := time.Now()

	buf := s.pool.Acquire()
	if buf == nil {
		return nil, ErrPoolExhausted
	}

	// Layout: [header][compression window][raw state]. The window bounds the
	// deflated payload so the envelope stays contiguous from offset zero.
	window := len(buf) / 8
	rawOff := envelope.HeaderSize + window

	n, err := s.core.SaveState(buf[rawOff:], frame)
	if err != nil {
		s.pool.Release(buf)
		return nil, fmt.Errorf("save state: %w: %w", ErrEmulatorRejected, err)
	}
	raw := buf[rawOff : rawOff+n]
	checksum := crc32.ChecksumIEEE(raw)

	cw := &capWriter{b: buf[envelope.HeaderSize : envelope.HeaderSize+window]}
	zw, err := zlib.NewWriterLevel(cw, s.level)
	if err != nil {
		s.pool.Release(buf)
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}
	if _, err = zw.Write(raw); err == nil {
		err = zw.Close()
	}
	if err != nil {
		s.pool.Release(buf)
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}

	h := envelope.Header{
		Frame:            frame,
		UncompressedSize: uint32(n),
		CompressedSize:   uint32(cw.n),
		RNGState:         s.rng(),
		InputSeq:         inputSeq,
	}
	if err := h.Encode(buf); err != nil {
		s.pool.Release(buf)
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}

	s.saves++
	s.saveTime += time.Since(start)
	s.rawIn += int64(n)
	s.deflatedOut += int64(cw.n)
	if s.saves%statsLogInterval == 0 {
		s.logThroughput()
	}

	return &Snapshot{
		Frame:    frame,
		Checksum: checksum,
		InputSeq: inputSeq,
		RNGState: h.RNGState,
		data:     buf[:envelope.HeaderSize+cw.n],
		pooled:   buf,
		pool:     s.pool,
	}, nil
}

// Load validates the envelope in data, inflates the payload through a pool
// buffer, and hands the uncompressed state to the emulator. The parsed
// header is returned so the caller can restore frame and input sequence.
func (s *Store) Load(data []byte) (envelope.Header, error) {
	start := time.Now()

	h, err := envelope.Parse(data)
	if err != nil {
		return h, err
	}

	dst := s.pool.Acquire()
	if dst == nil {
		return h, ErrPoolExhausted
	}
	defer s.pool.Release(dst)

	if int(h.UncompressedSize) > len(dst) {
		return h, fmt.Errorf("%w: state %d bytes exceeds pool buffer %d",
			ErrDecompression, h.UncompressedSize, len(dst))
	}

	zr, err := zlib.NewReader(bytes.NewReader(envelope.Payload(data, h)))
	if err != nil {
		return h, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	state := dst[:h.UncompressedSize]
	if _, err := io.ReadFull(zr, state); err != nil {
		return h, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	if err := zr.Close(); err != nil {
		return h, fmt.Errorf("%w: %w", ErrDecompression, err)
	}

	if err := s.core.LoadState(state); err != nil {
		return h, fmt.Errorf("%w: %w", ErrEmulatorRejected, err)
	}

	s.loads++
	s.loadTime += time.Since(start)
	return h, nil
}

func (s *Store) logThroughput() {
	ratio := 1.0
	if s.deflatedOut > 0 {
		ratio = float64(s.rawIn) / float64(s.deflatedOut)
	}
	s.logger.Debug("snapshot throughput",
		"saves", s.saves,
		"loads", s.loads,
		"avg_save_ms", float64(s.saveTime.Microseconds())/float64(s.saves)/1000,
		"ratio", ratio)
	s.saves, s.loads = 0, 0
	s.saveTime, s.loadTime = 0, 0
	s.rawIn, s.deflatedOut = 0, 0
}

// capWriter writes into a fixed window and fails once the window is full.
type capWriter struct {
	b []byte
	n int
}

var errWindowFull = errors.New("compression window full")

func (w *capWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.b) {
		return 0, errWindowFull
	}
	copy(w.b[w.n:], p)
	w.n += len(p)
	return len(p), nil
}
