package commandqueue

import (
	"context"
	"fmt"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

// Typed enqueue helpers for the firmware's command vocabulary. Each helper
// validates its arguments and picks sensible delivery options; callers
// needing full control use Enqueue directly.

// EnqueueMosfet switches one of the four MOSFET outputs.
func (q *Queue) EnqueueMosfet(ctx context.Context, deviceID string, channel int, on bool, opts inter.EnqueueOptions) (*inter.Command, error) {
	if channel < 1 || channel > 4 {
		return nil, fmt.Errorf("mosfet channel %d out of range 1..4", channel)
	}
	value := 0
	if on {
		value = 1
	}
	return q.Enqueue(ctx, deviceID, "mosfet", inter.CommandPayload{
		Cmd:    "mosfet",
		Target: fmt.Sprintf("mosfet_%d", channel),
		Value:  value,
	}, opts)
}

// EnqueueSetInterval changes the device's telemetry reporting interval.
func (q *Queue) EnqueueSetInterval(ctx context.Context, deviceID string, intervalMS int, opts inter.EnqueueOptions) (*inter.Command, error) {
	if intervalMS < 1000 {
		return nil, fmt.Errorf("telemetry interval %dms below 1000ms floor", intervalMS)
	}
	return q.Enqueue(ctx, deviceID, "set_interval", inter.CommandPayload{
		Cmd:   "set_interval",
		Value: intervalMS,
	}, opts)
}

// EnqueueI2CScan asks the device to probe its I2C bus and report addresses.
func (q *Queue) EnqueueI2CScan(ctx context.Context, deviceID string, opts inter.EnqueueOptions) (*inter.Command, error) {
	return q.Enqueue(ctx, deviceID, "i2c_scan", inter.CommandPayload{Cmd: "i2c_scan"}, opts)
}

// EnqueueReboot restarts the device. Jumps the queue unless the caller set
// a priority.
func (q *Queue) EnqueueReboot(ctx context.Context, deviceID string, opts inter.EnqueueOptions) (*inter.Command, error) {
	if opts.Priority == 0 {
		opts.Priority = 9
	}
	return q.Enqueue(ctx, deviceID, "reboot", inter.CommandPayload{Cmd: "reboot"}, opts)
}

// EnqueueOTAUpdate starts a firmware download. Not retried automatically: a
// half-applied update must be inspected, not replayed.
func (q *Queue) EnqueueOTAUpdate(ctx context.Context, deviceID, url, version string, opts inter.EnqueueOptions) (*inter.Command, error) {
	if url == "" {
		return nil, fmt.Errorf("ota update needs a firmware url")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}
	return q.Enqueue(ctx, deviceID, "ota_update", inter.CommandPayload{
		Cmd: "ota_update",
		Params: map[string]any{
			"url":     url,
			"version": version,
		},
	}, opts)
}

// EnqueueLoraConfig reconfigures the LoRa radio parameters.
func (q *Queue) EnqueueLoraConfig(ctx context.Context, deviceID string, params map[string]any, opts inter.EnqueueOptions) (*inter.Command, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("lora config needs parameters")
	}
	return q.Enqueue(ctx, deviceID, "lora_config", inter.CommandPayload{
		Cmd:    "lora_config",
		Params: params,
	}, opts)
}
