package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

func TestEncodeFrame_Delimited(t *testing.T) {
	frame := EncodeFrame([]byte("myco"))
	require.GreaterOrEqual(t, len(frame), 3)
	assert.Equal(t, inter.FrameDelimiter, frame[0])
	assert.Equal(t, inter.FrameDelimiter, frame[len(frame)-1])
	// Delimiter must never appear unescaped inside the body.
	assert.NotContains(t, frame[1:len(frame)-1], inter.FrameDelimiter)
}

func TestEncodeFrame_Empty(t *testing.T) {
	// Zero-length payload still yields a minimal valid frame.
	frame := EncodeFrame(nil)
	assert.Equal(t, []byte{0x00, 0x01, 0x00}, frame)

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestFrame_RoundTrip(t *testing.T) {
	allBytes := make([]byte, 256)
	for i := range allBytes {
		allBytes[i] = byte(i)
	}

	cases := [][]byte{
		{},
		{0x00},
		[]byte("Hello, MycoBrain!"),
		{0x00, 0x00, 0x00},
		{0x41, 0x00, 0x42, 0x00, 0x43},
		allBytes,
		bytes.Repeat([]byte{0xAA}, 253),
		bytes.Repeat([]byte{0xAA}, 254), // exactly one full COBS block
		bytes.Repeat([]byte{0xAA}, 255), // forces block splitting
		bytes.Repeat([]byte{0xAA}, 1024),
	}
	for _, data := range cases {
		frame := EncodeFrame(data)
		assert.NotContains(t, frame[1:len(frame)-1], inter.FrameDelimiter)

		decoded, err := DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, data, decoded, "round-trip mismatch for %d bytes", len(data))
	}
}

func TestFrame_RoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		data := make([]byte, rng.Intn(600))
		rng.Read(data)

		decoded, err := DecodeFrame(EncodeFrame(data))
		require.NoError(t, err)
		require.Equal(t, data, decoded)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty frame":        {0x00, 0x00},
		"nothing at all":     {},
		"truncated block":    {0x00, 0x05, 0x41, 0x00},
		"bare truncated":     {0x09, 0x41, 0x42},
		"zero in frame body": {0x00, 0x03, 0x41, 0x00, 0x42, 0x00},
	}
	for name, frame := range cases {
		_, err := DecodeFrame(frame)
		assert.ErrorIs(t, err, inter.ErrFrameMalformed, name)
	}
}

func TestDecodeFrame_BareBody(t *testing.T) {
	// Stream readers split on 0x00 and hand over the bare body.
	body := EncodeFrame([]byte("spore"))
	bare := body[1 : len(body)-1]

	decoded, err := DecodeFrame(bare)
	require.NoError(t, err)
	assert.Equal(t, []byte("spore"), decoded)
}

func BenchmarkEncodeFrame_1KB(b *testing.B) {
	data := make([]byte, 1024)
	rand.New(rand.NewSource(1)).Read(data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = EncodeFrame(data)
	}
}

func BenchmarkDecodeFrame_1KB(b *testing.B) {
	data := make([]byte, 1024)
	rand.New(rand.NewSource(1)).Read(data)
	frame := EncodeFrame(data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeFrame(frame)
	}
}
