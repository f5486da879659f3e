package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

func telemetryFixture() inter.TelemetryPayload {
	temp := 22.5
	hum := 87.2
	return inter.TelemetryPayload{
		BME688: &inter.BME688Reading{
			TemperatureC:    &temp,
			HumidityPercent: &hum,
		},
		Analog: []inter.AnalogReading{
			{Channel: "AI1", Voltage: 1.62},
		},
	}
}

func TestEnvelope_RoundTrip_Telemetry(t *testing.T) {
	data, err := EncodeEnvelope(inter.MessageTelemetry, 1042, 987654321, telemetryFixture())
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(1042), env.SequenceNumber)
	assert.Equal(t, inter.MessageTelemetry, env.Type)
	assert.Equal(t, uint32(987654321), env.DeviceTimestampMS)

	p, ok := env.Payload.(inter.TelemetryPayload)
	require.True(t, ok)
	require.NotNil(t, p.BME688)
	assert.InDelta(t, 22.5, *p.BME688.TemperatureC, 1e-9)
	require.Len(t, p.Analog, 1)
	assert.Equal(t, "AI1", p.Analog[0].Channel)
}

func TestEnvelope_RoundTrip_EmptyHeartbeat(t *testing.T) {
	data, err := EncodeEnvelope(inter.MessageHeartbeat, 7, 1000, nil)
	require.NoError(t, err)
	assert.Len(t, data, inter.EnvelopeMinSize)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, inter.MessageHeartbeat, env.Type)
	_, ok := env.Payload.(inter.HeartbeatPayload)
	assert.True(t, ok)
}

func TestEnvelope_TelemetryExtraFields(t *testing.T) {
	// Device-profile fields the server does not model must survive.
	p := inter.TelemetryPayload{}
	require.NoError(t, p.UnmarshalJSON([]byte(`{"battery_v":3.91,"spore_count":17}`)))
	require.NotNil(t, p.BatteryV)
	assert.InDelta(t, 3.91, *p.BatteryV, 1e-9)
	require.Contains(t, p.Extra, "spore_count")

	out, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"battery_v":3.91,"spore_count":17}`, string(out))
}

func TestDecodeEnvelope_TooShort(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, inter.ErrEnvelopeTooShort)
}

func TestDecodeEnvelope_UnknownType(t *testing.T) {
	data, err := EncodeEnvelope(inter.MessageEvent, 1, 1, inter.EventPayload{Code: "e1"})
	require.NoError(t, err)

	// Patch the type byte and fix the checksum so only the type is bad:
	// unknown types must be rejected, never silently defaulted.
	data[2] = 0x7F
	binary.BigEndian.PutUint16(data[len(data)-2:], Checksum(data[:len(data)-2]))

	_, err = DecodeEnvelope(data)
	assert.ErrorIs(t, err, inter.ErrUnknownMessageType)
}

func TestDecodeEnvelope_ChecksumMismatch_EveryBit(t *testing.T) {
	data, err := EncodeEnvelope(inter.MessageEvent, 9, 5000, inter.EventPayload{
		Code: "overtemp", Severity: "warning",
	})
	require.NoError(t, err)

	// Flipping any single bit before the trailer must fail the checksum
	// or an earlier structural check, never a false accept.
	for i := 0; i < len(data)-inter.EnvelopeTrailerSize; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), data...)
			corrupted[i] ^= 1 << bit
			_, err := DecodeEnvelope(corrupted)
			require.Error(t, err, "byte %d bit %d accepted", i, bit)
		}
	}
}

func TestDecodeEnvelope_BadPayload(t *testing.T) {
	cases := []struct {
		name    string
		msgType inter.MessageType
		body    string
	}{
		{"ack without command_id", inter.MessageAck, `{"result":{}}`},
		{"nack without command_id", inter.MessageNack, `{"error":"boom"}`},
		{"discovery without serial", inter.MessageDiscovery, `{"firmware_version_a":"1.2"}`},
		{"telemetry not an object", inter.MessageTelemetry, `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := rawEnvelope(t, tc.msgType, []byte(tc.body))
			_, err := DecodeEnvelope(data)
			assert.ErrorIs(t, err, inter.ErrBadPayload)
		})
	}
}

// rawEnvelope builds envelope bytes without payload-type validation,
// simulating firmware that sends a structurally broken body.
func rawEnvelope(t *testing.T, msgType inter.MessageType, body []byte) []byte {
	t.Helper()
	buf := make([]byte, 0, inter.EnvelopeMinSize+len(body))
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, byte(msgType))
	buf = binary.BigEndian.AppendUint32(buf, 42)
	buf = append(buf, body...)
	return binary.BigEndian.AppendUint16(buf, Checksum(buf))
}

func TestMDPCodec_PackUnpack(t *testing.T) {
	codec := NewMDPCodec()

	frame, err := codec.Pack(&inter.Envelope{
		SequenceNumber:    300,
		Type:              inter.MessageEvent,
		DeviceTimestampMS: 123456,
		Payload:           inter.EventPayload{Code: "pinning_detected", Severity: "info"},
	})
	require.NoError(t, err)
	assert.Equal(t, inter.FrameDelimiter, frame[0])
	assert.Equal(t, inter.FrameDelimiter, frame[len(frame)-1])

	env, err := codec.Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), env.SequenceNumber)

	p, ok := env.Payload.(inter.EventPayload)
	require.True(t, ok)
	assert.Equal(t, "pinning_detected", p.Code)
}

func TestMDPCodec_PayloadTypeMismatch(t *testing.T) {
	codec := NewMDPCodec()
	_, err := codec.Pack(&inter.Envelope{
		Type:    inter.MessageTelemetry,
		Payload: inter.EventPayload{Code: "nope"},
	})
	assert.ErrorIs(t, err, inter.ErrBadPayload)
}
