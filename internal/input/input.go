// Package input canonicalizes controller state into a fixed-width,
// endianness-stable record that is identical on every host for the same
// logical input.
package input

import (
	"encoding/binary"
	"errors"
	"fmt"

	"netplay/internal/emulator"
)

// RecordSize is the wire width of one player's input. The encoded record is
// zero padded to this width so an input frame is always N*RecordSize bytes.
const RecordSize = 32

// Canonical button bitfield. Bits 14 and 15 are reserved and must be zero.
const (
	ButtonA uint16 = 1 << iota
	ButtonB
	ButtonZ
	ButtonStart
	ButtonDPadUp
	ButtonDPadDown
	ButtonDPadLeft
	ButtonDPadRight
	ButtonShoulderL
	ButtonShoulderR
	ButtonCUp
	ButtonCDown
	ButtonCLeft
	ButtonCRight

	buttonMask = ButtonCRight<<1 - 1
)

var ErrShortRecord = errors.New("short input record")

// Record is the canonical controller state for one player.
type Record struct {
	Buttons  uint16
	StickX   int8
	StickY   int8
	TriggerL uint8
	TriggerR uint8
}

func (r Record) String() string {
	return fmt.Sprintf("Record(%014b:%d,%d)", r.Buttons, r.StickX, r.StickY)
}

// MarshalBinary encodes r into exactly RecordSize little-endian bytes.
// Reserved button bits and padding are forced to zero so that identical
// logical inputs produce identical bytes.
func (r Record) MarshalBinary() ([]byte, error) {
	data := make([]byte, RecordSize)
	binary.LittleEndian.PutUint16(data, r.Buttons&buttonMask)
	data[2] = byte(r.StickX)
	data[3] = byte(r.StickY)
	data[4] = r.TriggerL
	data[5] = r.TriggerR
	return data, nil
}

// UnmarshalBinary decodes a record from data. Reserved button bits and the
// padding bytes are ignored.
func (r *Record) UnmarshalBinary(data []byte) error {
	if l := len(data); l < RecordSize {
		return fmt.Errorf("record length %d less than %d: %w",
			l, RecordSize, ErrShortRecord)
	}

	r.Buttons = binary.LittleEndian.Uint16(data) & buttonMask
	r.StickX = int8(data[2])
	r.StickY = int8(data[3])
	r.TriggerL = data[4]
	r.TriggerR = data[5]
	return nil
}

// buttonMap pairs each native emulator button bit with its canonical bit.
// Source bits outside this table are ignored.
var buttonMap = [...]struct {
	native uint32
	canon  uint16
}{
	{emulator.NativeDPadRight, ButtonDPadRight},
	{emulator.NativeDPadLeft, ButtonDPadLeft},
	{emulator.NativeDPadDown, ButtonDPadDown},
	{emulator.NativeDPadUp, ButtonDPadUp},
	{emulator.NativeStart, ButtonStart},
	{emulator.NativeZ, ButtonZ},
	{emulator.NativeB, ButtonB},
	{emulator.NativeA, ButtonA},
	{emulator.NativeShoulderR, ButtonShoulderR},
	{emulator.NativeShoulderL, ButtonShoulderL},
	{emulator.NativeCRight, ButtonCRight},
	{emulator.NativeCLeft, ButtonCLeft},
	{emulator.NativeCDown, ButtonCDown},
	{emulator.NativeCUp, ButtonCUp},
}

// FromNative maps a native button bitmap and stick position onto a canonical
// record. Trigger values derive from the shoulder bits.
func FromNative(buttons uint32, stickX, stickY int8) Record {
	var rec Record
	for _, m := range buttonMap {
		if buttons&m.native != 0 {
			rec.Buttons |= m.canon
		}
	}
	rec.StickX = stickX
	rec.StickY = stickY
	if buttons&emulator.NativeShoulderL != 0 {
		rec.TriggerL = 0xFF
	}
	if buttons&emulator.NativeShoulderR != 0 {
		rec.TriggerR = 0xFF
	}
	return rec
}

// Native converts the canonical record back into the emulator's bitmap.
func (r Record) Native() (buttons uint32, stickX, stickY int8) {
	for _, m := range buttonMap {
		if r.Buttons&m.canon != 0 {
			buttons |= m.native
		}
	}
	return buttons, r.StickX, r.StickY
}

// Gather reads the live controller of the zero-based player and encodes it.
// A disconnected controller yields the all-zero record.
func Gather(core emulator.Core, player int) ([]byte, error) {
	var rec Record
	if core.ControllerStatus(player) {
		buttons, x, y, err := core.ReadController(player)
		if err != nil {
			return nil, fmt.Errorf("read controller %d: %w", player, err)
		}
		rec = FromNative(buttons, x, y)
	}
	return rec.MarshalBinary()
}

// Apply decodes a record and latches it into the virtual controller of the
// zero-based player.
func Apply(core emulator.Core, data []byte, player int) error {
	var rec Record
	if err := rec.UnmarshalBinary(data); err != nil {
		return err
	}
	buttons, x, y := rec.Native()
	if err := core.WriteController(player, buttons, x, y); err != nil {
		return fmt.Errorf("write controller %d: %w", player, err)
	}
	return nil
}
