package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"netplay/internal/input"
)

const (
	msgVersion    byte = 1
	msgHeaderSize      = /* version: */ 1 + /* scope: */ 1
)

const (
	scopeInput byte = iota + 1
	scopeInputAck
	scopePing
	scopePong
	scopeQuality
	scopeBye
)

var ErrMessageCorrupt = errors.New("message corrupt")

type message struct {
	scope byte
	body  []byte
}

func (m message) MarshalBinary() ([]byte, error) {
	data := make([]byte, msgHeaderSize+len(m.body))
	data[0] = msgVersion
	data[1] = m.scope
	copy(data[msgHeaderSize:], m.body)
	return data, nil
}

func (m *message) UnmarshalBinary(data []byte) error {
	if len(data) < msgHeaderSize {
		return fmt.Errorf("len data %d less than %d: %w",
			len(data), msgHeaderSize, ErrMessageCorrupt)
	}
	if v := data[0]; v != msgVersion {
		return fmt.Errorf("message version %d: %w", v, ErrMessageCorrupt)
	}

	m.scope = data[1]
	m.body = append([]byte(nil), data[msgHeaderSize:]...)
	return nil
}

// inputBatch carries every not-yet-acknowledged local input record to one
// peer. Sending the whole window every time rides out datagram loss without
// retransmission bookkeeping.
type inputBatch struct {
	player  int
	entries []inputEntry
}

type inputEntry struct {
	frame uint32
	data  [input.RecordSize]byte
}

const inputEntrySize = 4 + input.RecordSize

func (b inputBatch) MarshalBinary() ([]byte, error) {
	data := make([]byte, 3+len(b.entries)*inputEntrySize)
	data[0] = byte(b.player)
	binary.BigEndian.PutUint16(data[1:], uint16(len(b.entries)))
	off := 3
	for _, e := range b.entries {
		binary.BigEndian.PutUint32(data[off:], e.frame)
		copy(data[off+4:], e.data[:])
		off += inputEntrySize
	}
	return data, nil
}

func (b *inputBatch) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("short input batch: %w", ErrMessageCorrupt)
	}
	b.player = int(data[0])
	n := int(binary.BigEndian.Uint16(data[1:]))
	if expected := 3 + n*inputEntrySize; len(data) < expected {
		return fmt.Errorf("input batch %d bytes, expected %d: %w",
			len(data), expected, ErrMessageCorrupt)
	}

	b.entries = make([]inputEntry, n)
	off := 3
	for i := range b.entries {
		b.entries[i].frame = binary.BigEndian.Uint32(data[off:])
		copy(b.entries[i].data[:], data[off+4:off+inputEntrySize])
		off += inputEntrySize
	}
	return nil
}

// inputAck acknowledges every input frame up to and including frame.
type inputAck struct {
	player int
	frame  uint32
}

func (a inputAck) MarshalBinary() ([]byte, error) {
	data := make([]byte, 5)
	data[0] = byte(a.player)
	binary.BigEndian.PutUint32(data[1:], a.frame)
	return data, nil
}

func (a *inputAck) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("short input ack: %w", ErrMessageCorrupt)
	}
	a.player = int(data[0])
	a.frame = binary.BigEndian.Uint32(data[1:])
	return nil
}

// pingProbe measures round-trip time. The receiver echoes the probe back
// verbatim under scopePong.
type pingProbe struct {
	player   int
	seq      uint32
	sentUnix int64 // microseconds
}

func (p pingProbe) MarshalBinary() ([]byte, error) {
	data := make([]byte, 13)
	data[0] = byte(p.player)
	binary.BigEndian.PutUint32(data[1:], p.seq)
	binary.BigEndian.PutUint64(data[5:], uint64(p.sentUnix))
	return data, nil
}

func (p *pingProbe) UnmarshalBinary(data []byte) error {
	if len(data) < 13 {
		return fmt.Errorf("short ping probe: %w", ErrMessageCorrupt)
	}
	p.player = int(data[0])
	p.seq = binary.BigEndian.Uint32(data[1:])
	p.sentUnix = int64(binary.BigEndian.Uint64(data[5:]))
	return nil
}

// qualityReport tells peers which frame the sender is executing so each side
// can gauge its frame advantage.
type qualityReport struct {
	player int
	frame  uint32
}

func (q qualityReport) MarshalBinary() ([]byte, error) {
	data := make([]byte, 5)
	data[0] = byte(q.player)
	binary.BigEndian.PutUint32(data[1:], q.frame)
	return data, nil
}

func (q *qualityReport) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("short quality report: %w", ErrMessageCorrupt)
	}
	q.player = int(data[0])
	q.frame = binary.BigEndian.Uint32(data[1:])
	return nil
}
