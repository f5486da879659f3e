package inter

import (
	"context"
	"time"
)

// ConnectivityStatus is the derived online classification of a device.
type ConnectivityStatus string

const (
	ConnectivityOnline  ConnectivityStatus = "online"
	ConnectivityStale   ConnectivityStatus = "stale"
	ConnectivityOffline ConnectivityStatus = "offline"
)

// Device is the durable registry row for one MycoBrain node.
type Device struct {
	ID                  string    `json:"id"`
	SerialNumber        string    `json:"serial_number"`
	Name                string    `json:"name"`
	DeviceType          string    `json:"device_type"`
	HardwareRevision    string    `json:"hardware_revision,omitempty"`
	FirmwareVersionA    string    `json:"firmware_version_a,omitempty"`
	FirmwareVersionB    string    `json:"firmware_version_b,omitempty"`
	TelemetryIntervalMS int       `json:"telemetry_interval_ms"`
	Active              bool      `json:"active"`
	LastSeenAt          time.Time `json:"last_seen_at,omitzero"`
	LastSequence        int       `json:"last_sequence_number"`
	CreatedAt           time.Time `json:"created_at"`
}

// DeviceMessage is the durable record of an accepted Telemetry/Event
// envelope. Uniqueness on (DeviceID, SequenceNumber, DeviceTimestampMS) is
// the deduplication invariant.
type DeviceMessage struct {
	ID                int64       `json:"id"`
	DeviceID          string      `json:"device_id"`
	SequenceNumber    uint16      `json:"sequence_number"`
	Type              MessageType `json:"message_type"`
	DeviceTimestampMS uint32      `json:"device_timestamp_ms"`
	Payload           []byte      `json:"payload"`
	Processed         bool        `json:"processed"`
	ReceivedAt        time.Time   `json:"received_at"`
}

// CommandStatus is the delivery lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
	CommandCancelled    CommandStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandExpired, CommandCancelled:
		return true
	}
	return false
}

// Command is one operator or automation intent targeting one device.
type Command struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"device_id"`
	CommandType string        `json:"command_type"`
	Payload     []byte        `json:"command_payload"`
	Priority    int           `json:"priority"`
	Status      CommandStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	RequestedBy string        `json:"requested_by,omitempty"`

	ScheduledAt     time.Time  `json:"scheduled_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	AckedAt         *time.Time `json:"acked_at,omitempty"`
	ResponsePayload []byte     `json:"response_payload,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// FrameRecord is a diagnostics-only log entry for one received frame,
// valid or not. Never authoritative.
type FrameRecord struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Raw        []byte    `json:"raw"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// DataStore is the durable persistence contract. Implementations must provide
// a real uniqueness constraint for InsertMessage and single-statement
// conditional updates for the command transitions: every state change is a
// compare-and-swap on the prior status, never read-then-write.
type DataStore interface {
	// [device registry]

	// InsertDevice creates a registry row. The serial number is unique.
	InsertDevice(ctx context.Context, d *Device) error

	GetDevice(ctx context.Context, id string) (*Device, error)

	GetDeviceBySerial(ctx context.Context, serial string) (*Device, error)

	// ListDevices pages through the registry (page starts at 1).
	ListDevices(ctx context.Context, page, size int) ([]Device, error)

	SetDeviceActive(ctx context.Context, id string, active bool) error

	// TouchDeviceSeen advances the last-seen watermark and, when seq >= 0,
	// the high-water sequence number.
	TouchDeviceSeen(ctx context.Context, id string, seq int, at time.Time) error

	// UpdateDeviceIdentity refreshes firmware/hardware info reported by a
	// Discovery envelope. Empty fields are left unchanged.
	UpdateDeviceIdentity(ctx context.Context, id, fwA, fwB, hwRev string) error

	// DestroyDevice removes the device and, in the same transaction, its
	// messages, commands, and frame log entries. This is the only path
	// that deletes terminal commands.
	DestroyDevice(ctx context.Context, id string) error

	// [ingestion]

	// InsertMessage persists one accepted envelope. Returns false when the
	// (device, seq, device timestamp) key already exists.
	InsertMessage(ctx context.Context, m *DeviceMessage) (inserted bool, err error)

	ListMessages(ctx context.Context, deviceID string, limit int) ([]DeviceMessage, error)

	// MarkMessagesProcessed flags records already folded into per-stream
	// samples by downstream normalization.
	MarkMessagesProcessed(ctx context.Context, ids []int64) error

	// [command queue]

	InsertCommand(ctx context.Context, c *Command) error

	GetCommand(ctx context.Context, id string) (*Command, error)

	ListCommands(ctx context.Context, deviceID string, status CommandStatus, page, size int) ([]Command, error)

	// ClaimPendingCommands atomically moves up to limit pending, ripe,
	// unexpired commands for the device into sent (stamping sent_at) and
	// returns them ordered by (priority desc, created_at asc). Two
	// concurrent claimers never receive the same command.
	ClaimPendingCommands(ctx context.Context, deviceID string, limit int, now time.Time) ([]Command, error)

	// MarkCommandAcknowledged performs sent -> acknowledged. Returns false
	// when the command was not in sent.
	MarkCommandAcknowledged(ctx context.Context, id string, response []byte, at time.Time) (bool, error)

	// RequeueCommandForRetry performs sent -> pending with retry_count+1,
	// only while retry budget remains and the deadline has not passed.
	RequeueCommandForRetry(ctx context.Context, id, errMsg string, now time.Time) (bool, error)

	// MarkCommandFailed performs sent -> failed, only once the retry
	// budget is exhausted. A nack against a pending command (duplicate
	// delivery over the radio) must be a no-op, so pending is never a
	// legal source state here.
	MarkCommandFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error)

	// MarkCommandExpired performs pending/sent -> expired for one command
	// whose deadline has passed.
	MarkCommandExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// CancelCommand performs pending -> cancelled. Returns false when the
	// command exists but was not pending.
	CancelCommand(ctx context.Context, id string) (bool, error)

	// ExpireCommands is the bounded sweep: every pending/sent command past
	// its deadline becomes expired. Returns the number swept.
	ExpireCommands(ctx context.Context, now time.Time) (int64, error)

	// [frame diagnostics log]

	AppendFrame(ctx context.Context, r *FrameRecord) error

	RecentFrames(ctx context.Context, deviceID string, limit int) ([]FrameRecord, error)

	// PruneFrames drops diagnostics entries older than cutoff.
	PruneFrames(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
