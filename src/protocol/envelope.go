package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

// Envelope byte layout (big-endian, pre-framing):
//
//	[seq:2] [type:1] [timestamp_ms:4] [payload:N] [crc16:2]
//
// The checksum covers every byte before the trailer.

// EncodeEnvelope serializes one message into its pre-framing byte form.
// A nil payload encodes as an empty body (legal for heartbeats).
func EncodeEnvelope(msgType inter.MessageType, seq uint16, timestampMS uint32, payload inter.Payload) ([]byte, error) {
	if !msgType.Known() {
		return nil, fmt.Errorf("%w: 0x%02X", inter.ErrUnknownMessageType, uint8(msgType))
	}
	var body []byte
	if payload != nil {
		if payload.MessageType() != msgType {
			return nil, fmt.Errorf("%w: %s payload in %s envelope",
				inter.ErrBadPayload, payload.MessageType(), msgType)
		}
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	buf := make([]byte, 0, inter.EnvelopeMinSize+len(body))
	buf = binary.BigEndian.AppendUint16(buf, seq)
	buf = append(buf, byte(msgType))
	buf = binary.BigEndian.AppendUint32(buf, timestampMS)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint16(buf, Checksum(buf))
	return buf, nil
}

// DecodeEnvelope parses pre-framing bytes into an Envelope. Validation
// order: minimum length, known message type, checksum, payload shape. Any
// failure aborts with a specific sentinel; a corrupted payload is never
// returned as valid data.
func DecodeEnvelope(data []byte) (*inter.Envelope, error) {
	if len(data) < inter.EnvelopeMinSize {
		return nil, fmt.Errorf("%w: %d bytes", inter.ErrEnvelopeTooShort, len(data))
	}

	msgType := inter.MessageType(data[2])
	if !msgType.Known() {
		return nil, fmt.Errorf("%w: 0x%02X", inter.ErrUnknownMessageType, data[2])
	}

	trailer := binary.BigEndian.Uint16(data[len(data)-inter.EnvelopeTrailerSize:])
	computed := Checksum(data[:len(data)-inter.EnvelopeTrailerSize])
	if trailer != computed {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X",
			inter.ErrChecksumMismatch, trailer, computed)
	}

	env := &inter.Envelope{
		SequenceNumber:    binary.BigEndian.Uint16(data[0:2]),
		Type:              msgType,
		DeviceTimestampMS: binary.BigEndian.Uint32(data[3:7]),
	}

	body := data[inter.EnvelopeHeaderSize : len(data)-inter.EnvelopeTrailerSize]
	payload, err := decodePayload(msgType, body)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	env.RawPayload = append([]byte(nil), body...)
	return env, nil
}

// decodePayload selects the concrete payload struct by message type, so an
// unexpected shape fails at decode time instead of deep in storage.
func decodePayload(msgType inter.MessageType, body []byte) (inter.Payload, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}

	var (
		payload inter.Payload
		err     error
	)
	switch msgType {
	case inter.MessageTelemetry:
		p := &inter.TelemetryPayload{}
		err = json.Unmarshal(body, p)
		payload = *p
	case inter.MessageCommand:
		p := &inter.CommandPayload{}
		err = json.Unmarshal(body, p)
		payload = *p
	case inter.MessageEvent:
		p := &inter.EventPayload{}
		err = json.Unmarshal(body, p)
		payload = *p
	case inter.MessageAck:
		p := &inter.AckPayload{}
		if err = json.Unmarshal(body, p); err == nil && p.CommandID == "" {
			err = fmt.Errorf("ack missing command_id")
		}
		payload = *p
	case inter.MessageNack:
		p := &inter.NackPayload{}
		if err = json.Unmarshal(body, p); err == nil && p.CommandID == "" {
			err = fmt.Errorf("nack missing command_id")
		}
		payload = *p
	case inter.MessageHeartbeat:
		p := &inter.HeartbeatPayload{}
		err = json.Unmarshal(body, p)
		payload = *p
	case inter.MessageDiscovery:
		p := &inter.DiscoveryPayload{}
		if err = json.Unmarshal(body, p); err == nil && p.SerialNumber == "" {
			err = fmt.Errorf("discovery missing serial_number")
		}
		payload = *p
	default:
		return nil, fmt.Errorf("%w: 0x%02X", inter.ErrUnknownMessageType, uint8(msgType))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", inter.ErrBadPayload, msgType, err)
	}
	return payload, nil
}

// MDPCodec implements inter.ProtocolCodec over the frame and envelope
// layers. Stateless; safe for concurrent use from any goroutine, including
// tight reader loops against a serial interface.
type MDPCodec struct{}

// NewMDPCodec returns the v1 codec.
func NewMDPCodec() inter.ProtocolCodec {
	return &MDPCodec{}
}

func (c *MDPCodec) Pack(env *inter.Envelope) ([]byte, error) {
	body, err := EncodeEnvelope(env.Type, env.SequenceNumber, env.DeviceTimestampMS, env.Payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(body), nil
}

func (c *MDPCodec) Unpack(frame []byte) (*inter.Envelope, error) {
	body, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(body)
}
