// Package envelope encodes and decodes the self-describing snapshot wire
// format: a fixed little-endian header followed by a compressed payload.
// The codec itself never compresses; it only frames.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic spells "RBKS" in its hex digits; written little-endian, the
	// first four bytes on the wire read "SKBR".
	Magic uint32 = 0x52424B53

	// Version of the snapshot format.
	Version uint32 = 1

	// HeaderSize is the fixed byte width of the envelope header.
	HeaderSize = 36
)

var (
	ErrBadMagic           = errors.New("bad snapshot magic")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrTruncated          = errors.New("truncated snapshot")
)

// Header describes one snapshot. The magic, version and reserved fields are
// implicit: they are written on encode and verified on decode.
type Header struct {
	Frame            uint32
	UncompressedSize uint32
	CompressedSize   uint32
	RNGState         uint32
	InputSeq         uint32
}

// Encode writes the header into the first HeaderSize bytes of dst, zeroing
// the reserved region.
func (h Header) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("dst length %d less than %d: %w",
			len(dst), HeaderSize, ErrTruncated)
	}

	binary.LittleEndian.PutUint32(dst[0:], Magic)
	binary.LittleEndian.PutUint32(dst[4:], Version)
	binary.LittleEndian.PutUint32(dst[8:], h.Frame)
	binary.LittleEndian.PutUint32(dst[12:], h.UncompressedSize)
	binary.LittleEndian.PutUint32(dst[16:], h.CompressedSize)
	binary.LittleEndian.PutUint32(dst[20:], h.RNGState)
	binary.LittleEndian.PutUint32(dst[24:], h.InputSeq)
	for i := 28; i < HeaderSize; i++ {
		dst[i] = 0
	}
	return nil
}

// Parse validates and decodes the header of a full snapshot buffer. It fails
// when the magic or version mismatch, or when data cannot hold the header
// plus the payload the header claims. Reserved bytes are ignored.
func Parse(data []byte) (Header, error) {
	var h Header

	if len(data) < HeaderSize {
		return h, fmt.Errorf("snapshot length %d less than header %d: %w",
			len(data), HeaderSize, ErrTruncated)
	}
	if m := binary.LittleEndian.Uint32(data); m != Magic {
		return h, fmt.Errorf("magic %#08x: %w", m, ErrBadMagic)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != Version {
		return h, fmt.Errorf("version %d: %w", v, ErrUnsupportedVersion)
	}

	h.Frame = binary.LittleEndian.Uint32(data[8:])
	h.UncompressedSize = binary.LittleEndian.Uint32(data[12:])
	h.CompressedSize = binary.LittleEndian.Uint32(data[16:])
	h.RNGState = binary.LittleEndian.Uint32(data[20:])
	h.InputSeq = binary.LittleEndian.Uint32(data[24:])

	if uint64(HeaderSize)+uint64(h.CompressedSize) > uint64(len(data)) {
		return h, fmt.Errorf("payload %d bytes beyond buffer %d: %w",
			h.CompressedSize, len(data), ErrTruncated)
	}
	return h, nil
}

// Payload returns the compressed payload of a buffer whose header h was
// produced by Parse.
func Payload(data []byte, h Header) []byte {
	return data[HeaderSize : HeaderSize+int(h.CompressedSize)]
}
