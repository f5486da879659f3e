// Package device_manager implements the device registry and the connectivity
// classification derived from the last-seen watermark.
package device_manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

const (
	DefaultOnlineWindow = 2 * time.Minute
	DefaultStaleWindow  = 10 * time.Minute

	defaultTelemetryIntervalMS = 5000
)

type DeviceManager struct {
	store inter.DataStore
	log   *slog.Logger

	// connectivity thresholds, measured from the last-seen watermark
	onlineWindow time.Duration
	staleWindow  time.Duration
}

// Option tunes a DeviceManager at construction.
type Option func(*DeviceManager)

// WithConnectivityWindows overrides the online/stale thresholds.
func WithConnectivityWindows(online, stale time.Duration) Option {
	return func(d *DeviceManager) {
		d.onlineWindow = online
		d.staleWindow = stale
	}
}

func NewDeviceManager(ds inter.DataStore, log *slog.Logger, opts ...Option) inter.DeviceManager {
	d := &DeviceManager{
		store:        ds,
		log:          log.With("component", "device_manager"),
		onlineWindow: DefaultOnlineWindow,
		staleWindow:  DefaultStaleWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DeviceManager) Register(ctx context.Context, reg inter.DeviceRegistration) (*inter.Device, error) {
	interval := reg.TelemetryIntervalMS
	if interval <= 0 {
		interval = defaultTelemetryIntervalMS
	}
	dev := &inter.Device{
		ID:                  uuid.NewString(),
		SerialNumber:        reg.SerialNumber,
		Name:                reg.Name,
		DeviceType:          reg.DeviceType,
		HardwareRevision:    reg.HardwareRevision,
		FirmwareVersionA:    reg.FirmwareVersionA,
		FirmwareVersionB:    reg.FirmwareVersionB,
		TelemetryIntervalMS: interval,
		Active:              true,
		CreatedAt:           time.Now().UTC(),
	}
	if err := d.store.InsertDevice(ctx, dev); err != nil {
		return nil, err
	}
	d.log.Info("device registered", "device_id", dev.ID, "serial", dev.SerialNumber)
	return dev, nil
}

func (d *DeviceManager) Get(ctx context.Context, id string) (*inter.Device, error) {
	return d.store.GetDevice(ctx, id)
}

func (d *DeviceManager) GetBySerial(ctx context.Context, serial string) (*inter.Device, error) {
	return d.store.GetDeviceBySerial(ctx, serial)
}

func (d *DeviceManager) Lookup(ctx context.Context, id string) (exists, active bool, err error) {
	dev, err := d.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, inter.ErrDeviceNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, dev.Active, nil
}

func (d *DeviceManager) List(ctx context.Context, page, size int) ([]inter.Device, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	return d.store.ListDevices(ctx, page, size)
}

func (d *DeviceManager) Deactivate(ctx context.Context, id string) error {
	if err := d.store.SetDeviceActive(ctx, id, false); err != nil {
		return err
	}
	d.log.Info("device deactivated", "device_id", id)
	return nil
}

func (d *DeviceManager) Reactivate(ctx context.Context, id string) error {
	if err := d.store.SetDeviceActive(ctx, id, true); err != nil {
		return err
	}
	d.log.Info("device reactivated", "device_id", id)
	return nil
}

func (d *DeviceManager) Delete(ctx context.Context, id string) error {
	if err := d.store.DestroyDevice(ctx, id); err != nil {
		return err
	}
	d.log.Info("device deleted", "device_id", id)
	return nil
}

func (d *DeviceManager) TouchSeen(ctx context.Context, id string, seq int) error {
	return d.store.TouchDeviceSeen(ctx, id, seq, time.Now().UTC())
}

func (d *DeviceManager) RecordDiscovery(ctx context.Context, id string, p inter.DiscoveryPayload) error {
	err := d.store.UpdateDeviceIdentity(ctx, id, p.FirmwareVersionA, p.FirmwareVersionB, p.HardwareRevision)
	if err != nil {
		return err
	}
	d.log.Info("device identity refreshed",
		"device_id", id,
		"fw_a", p.FirmwareVersionA,
		"fw_b", p.FirmwareVersionB,
		"hw_rev", p.HardwareRevision)
	return nil
}

func (d *DeviceManager) Connectivity(lastSeen time.Time) inter.ConnectivityStatus {
	if lastSeen.IsZero() {
		return inter.ConnectivityOffline
	}
	since := time.Since(lastSeen)
	switch {
	case since < d.onlineWindow:
		return inter.ConnectivityOnline
	case since < d.staleWindow:
		return inter.ConnectivityStale
	default:
		return inter.ConnectivityOffline
	}
}
