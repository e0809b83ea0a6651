package envelope_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netplay/internal/envelope"
)

func encode(t *testing.T, h envelope.Header, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, envelope.HeaderSize+len(payload))
	require.NoError(t, h.Encode(buf))
	copy(buf[envelope.HeaderSize:], payload)
	return buf
}

func TestHeader_RoundTrip(t *testing.T) {
	tests := []envelope.Header{
		{},
		{Frame: 1, UncompressedSize: 10, CompressedSize: 0, RNGState: 7, InputSeq: 3},
		{Frame: ^uint32(0), UncompressedSize: 1 << 20, CompressedSize: 4,
			RNGState: 0xDEADBEEF, InputSeq: 99},
	}

	for i, expected := range tests {
		payload := make([]byte, expected.CompressedSize)
		buf := encode(t, expected, payload)

		actual, err := envelope.Parse(buf)
		require.NoErrorf(t, err, "test case %02d", i)
		assert.Equalf(t, expected, actual, "test case %02d", i)
	}
}

func TestEncode_WireLayout(t *testing.T) {
	h := envelope.Header{
		Frame:            0x11223344,
		UncompressedSize: 5,
		CompressedSize:   0,
		RNGState:         0x55667788,
		InputSeq:         9,
	}
	buf := encode(t, h, nil)

	assert.Equal(t, uint32(0x52424B53), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(buf[8:]))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(buf[12:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[16:]))
	assert.Equal(t, uint32(0x55667788), binary.LittleEndian.Uint32(buf[20:]))
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(buf[24:]))
	assert.Equal(t, make([]byte, 8), buf[28:36])
}

func TestParse_BadMagic(t *testing.T) {
	buf := encode(t, envelope.Header{}, nil)
	binary.LittleEndian.PutUint32(buf, 0)

	_, err := envelope.Parse(buf)
	assert.ErrorIs(t, err, envelope.ErrBadMagic)
}

func TestParse_UnsupportedVersion(t *testing.T) {
	buf := encode(t, envelope.Header{}, nil)
	binary.LittleEndian.PutUint32(buf[4:], 2)

	_, err := envelope.Parse(buf)
	assert.ErrorIs(t, err, envelope.ErrUnsupportedVersion)
}

func TestParse_Truncated(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		_, err := envelope.Parse(make([]byte, envelope.HeaderSize-1))
		assert.ErrorIs(t, err, envelope.ErrTruncated)
	})

	t.Run("payload beyond buffer", func(t *testing.T) {
		buf := encode(t, envelope.Header{CompressedSize: 100}, nil)
		_, err := envelope.Parse(buf)
		assert.ErrorIs(t, err, envelope.ErrTruncated)
	})
}

func TestParse_ReservedIgnored(t *testing.T) {
	buf := encode(t, envelope.Header{Frame: 4}, nil)
	buf[30] = 0xAB

	h, err := envelope.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), h.Frame)
}

func TestEncode_ShortBuffer(t *testing.T) {
	err := envelope.Header{}.Encode(make([]byte, envelope.HeaderSize-1))
	assert.ErrorIs(t, err, envelope.ErrTruncated)
}

func FuzzHeader(f *testing.F) {
	f.Add(uint32(0), uint32(0), uint32(7), uint32(1))
	f.Add(uint32(600), uint32(1<<20), uint32(0xCAFE), uint32(42))
	f.Fuzz(func(t *testing.T, frame, uncompressed, rng, seq uint32) {
		expected := envelope.Header{
			Frame:            frame,
			UncompressedSize: uncompressed,
			CompressedSize:   16,
			RNGState:         rng,
			InputSeq:         seq,
		}
		buf := make([]byte, envelope.HeaderSize+16)
		if err := expected.Encode(buf); err != nil {
			t.Fatal(err)
		}
		actual, err := envelope.Parse(buf)
		if err != nil {
			t.Fatal(err)
		}
		if expected != actual {
			t.Errorf("expected header %#v; actual %#v", expected, actual)
		}
	})
}
