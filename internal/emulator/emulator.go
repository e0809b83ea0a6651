// Package emulator declares the callback surface the coordinator requires
// from its host emulator. The emulator itself is a black box: it can advance
// one frame, dump and restore its full state, and expose virtual controllers.
package emulator

// Core is implemented by the host emulator. Every method is invoked from the
// emulator thread between frames; none may be called concurrently.
type Core interface {
	// SaveState writes the full emulator state into dst and returns the
	// number of bytes written. The returned length is authoritative; dst is
	// never scanned for trailing content.
	SaveState(dst []byte, frame uint32) (int, error)

	// LoadState restores a state previously produced by SaveState.
	LoadState(state []byte) error

	// AdvanceFrame executes exactly one frame with the controller values
	// currently latched via WriteController.
	AdvanceFrame() error

	// ControllerStatus reports whether the controller for the zero-based
	// player index is connected.
	ControllerStatus(player int) bool

	// ReadController returns the live native button bitmap and analog stick
	// position for the zero-based player index.
	ReadController(player int) (buttons uint32, stickX, stickY int8, err error)

	// WriteController latches a native button bitmap and stick position into
	// the virtual controller for the zero-based player index.
	WriteController(player int, buttons uint32, stickX, stickY int8) error

	// RNGState returns the emulator RNG seed at the current frame. The
	// second return is false when the emulator cannot expose its RNG.
	RNGState() (uint32, bool)
}

// Native button bitmap as consumed and produced by ReadController and
// WriteController.
const (
	NativeDPadRight uint32 = 0x0001
	NativeDPadLeft  uint32 = 0x0002
	NativeDPadDown  uint32 = 0x0004
	NativeDPadUp    uint32 = 0x0008
	NativeStart     uint32 = 0x0010
	NativeZ         uint32 = 0x0020
	NativeB         uint32 = 0x0040
	NativeA         uint32 = 0x0080
	NativeShoulderR uint32 = 0x0100
	NativeShoulderL uint32 = 0x0200
	NativeCRight    uint32 = 0x0400
	NativeCLeft     uint32 = 0x0800
	NativeCDown     uint32 = 0x1000
	NativeCUp       uint32 = 0x2000
)
