package inter

import "time"

// ChannelMessage is one message on the Mycorrhizae downstream bridge.
// Channels follow the "device.<serial>" convention for per-device streams.
type ChannelMessage struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Timestamp    time.Time      `json:"ts"`
	SourceType   string         `json:"source_type"`
	SourceID     string         `json:"source_id,omitempty"`
	DeviceSerial string         `json:"device_serial,omitempty"`
	MessageType  string         `json:"message_type"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Publisher fans accepted envelopes out to downstream consumers
// (dashboards, automation). Delivery is best-effort; the durable record in
// the DataStore is authoritative.
type Publisher interface {
	Publish(msg ChannelMessage)

	// Subscribe registers fn for every future message on channel and
	// returns an unsubscribe func.
	Subscribe(channel string, fn func(ChannelMessage)) (cancel func())

	// Recent returns up to limit buffered messages for a channel, oldest
	// first.
	Recent(channel string, limit int) []ChannelMessage
}
