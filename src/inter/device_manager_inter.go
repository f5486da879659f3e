package inter

import (
	"context"
	"errors"
	"time"
)

// Registry errors.
var (
	ErrDeviceNotFound = errors.New("registry: device not found")
	ErrDeviceInactive = errors.New("registry: device is deactivated")
	ErrSerialTaken    = errors.New("registry: serial number already registered")
)

// DeviceRegistration is the operator-supplied metadata for a new device.
type DeviceRegistration struct {
	SerialNumber        string `json:"serial_number"`
	Name                string `json:"name"`
	DeviceType          string `json:"device_type"`
	HardwareRevision    string `json:"hardware_revision,omitempty"`
	FirmwareVersionA    string `json:"firmware_version_a,omitempty"`
	FirmwareVersionB    string `json:"firmware_version_b,omitempty"`
	TelemetryIntervalMS int    `json:"telemetry_interval_ms,omitempty"`
}

// DeviceManager owns registry lifecycle plus the last-seen watermark used
// for offline detection. All state lives in the DataStore so it survives
// restarts and stays consistent across ingestion processes.
type DeviceManager interface {
	// Register creates a new device in active state.
	Register(ctx context.Context, reg DeviceRegistration) (*Device, error)

	Get(ctx context.Context, id string) (*Device, error)

	GetBySerial(ctx context.Context, serial string) (*Device, error)

	// Lookup is the fast existence/activity check used by ingestion and
	// the command queue before accepting work for a device.
	Lookup(ctx context.Context, id string) (exists, active bool, err error)

	List(ctx context.Context, page, size int) ([]Device, error)

	Deactivate(ctx context.Context, id string) error

	Reactivate(ctx context.Context, id string) error

	// Delete removes the device and cascades to its messages, commands,
	// and frame log entries.
	Delete(ctx context.Context, id string) error

	// TouchSeen advances the watermark after an accepted ingestion.
	// seq < 0 leaves the high-water sequence untouched (heartbeats).
	TouchSeen(ctx context.Context, id string, seq int) error

	// RecordDiscovery refreshes firmware/hardware identity from a
	// Discovery envelope.
	RecordDiscovery(ctx context.Context, id string, p DiscoveryPayload) error

	// Connectivity classifies a last-seen timestamp as online, stale, or
	// offline against the configured thresholds.
	Connectivity(lastSeen time.Time) ConnectivityStatus
}
