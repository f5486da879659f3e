package inter

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// MDP v1 protocol constants and types
// =============================================================================

const (
	// FrameDelimiter bounds every frame on the wire. COBS guarantees the
	// value never appears inside a frame body.
	FrameDelimiter byte = 0x00
	// ProtocolVersion is the current MDP wire revision.
	ProtocolVersion uint8 = 0x01
	// EnvelopeHeaderSize covers seq(2) + type(1) + timestamp(4).
	EnvelopeHeaderSize = 7
	// EnvelopeTrailerSize is the CRC16 trailer.
	EnvelopeTrailerSize = 2
	// EnvelopeMinSize is the smallest decodable envelope (empty payload).
	EnvelopeMinSize = EnvelopeHeaderSize + EnvelopeTrailerSize
)

// MessageType identifies the semantic class of an envelope. Values are a
// stable, versioned enumeration: decoders must reject values they do not
// know rather than skip them, so protocol drift surfaces immediately.
type MessageType uint8

const (
	MessageTelemetry MessageType = 0x01
	MessageCommand   MessageType = 0x02
	MessageEvent     MessageType = 0x03
	MessageAck       MessageType = 0x04
	MessageNack      MessageType = 0x05
	MessageHeartbeat MessageType = 0x06
	MessageDiscovery MessageType = 0x07
)

// Known reports whether t is part of the v1 enumeration.
func (t MessageType) Known() bool {
	return t >= MessageTelemetry && t <= MessageDiscovery
}

func (t MessageType) String() string {
	switch t {
	case MessageTelemetry:
		return "telemetry"
	case MessageCommand:
		return "command"
	case MessageEvent:
		return "event"
	case MessageAck:
		return "ack"
	case MessageNack:
		return "nack"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageDiscovery:
		return "discovery"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(t))
	}
}

// Decode errors. Frame errors mean transport corruption (resynchronize on the
// next delimiter); checksum errors mean the frame arrived intact but damaged
// (link quality signal); envelope errors mean protocol drift or firmware bugs.
var (
	ErrFrameMalformed     = errors.New("protocol: malformed frame")
	ErrChecksumMismatch   = errors.New("protocol: checksum mismatch")
	ErrEnvelopeTooShort   = errors.New("protocol: envelope too short")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrBadPayload         = errors.New("protocol: payload does not match message type")
)

// Envelope is a decoded MDP message.
type Envelope struct {
	// SequenceNumber is device-assigned, monotonically increasing per
	// device, wraps at 65535. Not globally unique.
	SequenceNumber uint16
	// Type selects the payload shape.
	Type MessageType
	// DeviceTimestampMS is the device-local millisecond clock. Unsynced to
	// server time; ordering/display only.
	DeviceTimestampMS uint32
	// Payload is the typed body, one concrete struct per message type.
	Payload Payload
	// RawPayload holds the payload's JSON bytes as they appeared on the
	// wire, kept for storage and diagnostics.
	RawPayload []byte
}

// Payload is the tagged-union body of an envelope.
type Payload interface {
	MessageType() MessageType
}

// BME688Reading is one sample from the onboard environmental sensor.
type BME688Reading struct {
	ChipID            string   `json:"chip_id,omitempty"`
	I2CAddress        int      `json:"i2c_address,omitempty"`
	TemperatureC      *float64 `json:"temperature_c,omitempty"`
	HumidityPercent   *float64 `json:"humidity_percent,omitempty"`
	PressureHPA       *float64 `json:"pressure_hpa,omitempty"`
	GasResistanceOhms *float64 `json:"gas_resistance_ohms,omitempty"`
	IAQIndex          *float64 `json:"iaq_index,omitempty"`
}

// AnalogReading is one analog input channel sample.
type AnalogReading struct {
	Channel         string   `json:"channel"`
	RawADCCount     *int     `json:"raw_adc_count,omitempty"`
	Voltage         float64  `json:"voltage"`
	CalibratedValue *float64 `json:"calibrated_value,omitempty"`
	CalibratedUnit  string   `json:"calibrated_unit,omitempty"`
}

// TelemetryPayload carries periodic sensor readings. Fields vary per device
// profile, so unknown keys are preserved in Extra instead of rejected.
type TelemetryPayload struct {
	BME688       *BME688Reading  `json:"bme688,omitempty"`
	Analog       []AnalogReading `json:"analog,omitempty"`
	MosfetStates map[string]bool `json:"mosfet_states,omitempty"`
	USBPower     *bool           `json:"usb_power,omitempty"`
	BatteryV     *float64        `json:"battery_v,omitempty"`
	I2CAddresses []int           `json:"i2c_addresses,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (TelemetryPayload) MessageType() MessageType { return MessageTelemetry }

var telemetryKnownKeys = map[string]bool{
	"bme688": true, "analog": true, "mosfet_states": true,
	"usb_power": true, "battery_v": true, "i2c_addresses": true,
}

// UnmarshalJSON keeps profile-specific fields instead of dropping them.
func (p *TelemetryPayload) UnmarshalJSON(data []byte) error {
	type plain TelemetryPayload
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range telemetryKnownKeys {
		delete(all, key)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON folds Extra back into the top-level object.
func (p TelemetryPayload) MarshalJSON() ([]byte, error) {
	type plain TelemetryPayload
	base, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// CommandPayload is a downlink instruction for the device firmware.
type CommandPayload struct {
	CommandID string         `json:"command_id,omitempty"`
	Cmd       string         `json:"cmd"`
	Target    string         `json:"target,omitempty"`
	Value     any            `json:"value,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

func (CommandPayload) MessageType() MessageType { return MessageCommand }

// EventPayload reports an alarm or notable device-side occurrence.
type EventPayload struct {
	Severity string         `json:"severity,omitempty"`
	Code     string         `json:"code"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (EventPayload) MessageType() MessageType { return MessageEvent }

// AckPayload confirms execution of a previously delivered command.
type AckPayload struct {
	CommandID string         `json:"command_id"`
	Result    map[string]any `json:"result,omitempty"`
}

func (AckPayload) MessageType() MessageType { return MessageAck }

// NackPayload reports a command the device could not execute.
type NackPayload struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error"`
}

func (NackPayload) MessageType() MessageType { return MessageNack }

// HeartbeatPayload is a liveness probe; may be entirely empty.
type HeartbeatPayload struct {
	UptimeMS uint64 `json:"uptime_ms,omitempty"`
	RSSI     *int   `json:"rssi,omitempty"`
}

func (HeartbeatPayload) MessageType() MessageType { return MessageHeartbeat }

// DiscoveryPayload announces a device identity on boot or after reset.
type DiscoveryPayload struct {
	SerialNumber     string `json:"serial_number"`
	FirmwareVersionA string `json:"firmware_version_a,omitempty"`
	FirmwareVersionB string `json:"firmware_version_b,omitempty"`
	HardwareRevision string `json:"hardware_revision,omitempty"`
	I2CAddresses     []int  `json:"i2c_addresses,omitempty"`
}

func (DiscoveryPayload) MessageType() MessageType { return MessageDiscovery }

// ProtocolCodec packs envelopes into framed wire bytes and back.
type ProtocolCodec interface {
	// Pack serializes the envelope and wraps it in a delimited frame.
	Pack(env *Envelope) ([]byte, error)

	// Unpack decodes one complete frame (delimiters included) into an
	// envelope. Errors are the sentinel decode errors above.
	Unpack(frame []byte) (*Envelope, error)
}
