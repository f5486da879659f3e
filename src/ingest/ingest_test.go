package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mycobrain-server/src/commandqueue"
	"github.com/mycosoft/mycobrain-server/src/datastore"
	"github.com/mycosoft/mycobrain-server/src/device_manager"
	"github.com/mycosoft/mycobrain-server/src/inter"
	"github.com/mycosoft/mycobrain-server/src/mycorrhizae"
	"github.com/mycosoft/mycobrain-server/src/protocol"
)

type testRig struct {
	pipeline *Pipeline
	queue    *commandqueue.Queue
	devices  inter.DeviceManager
	bridge   *mycorrhizae.Bridge
	device   *inter.Device
}

func setupPipeline(t *testing.T) *testRig {
	t.Helper()
	store, err := datastore.NewLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := device_manager.NewDeviceManager(store, log)
	queue := commandqueue.NewQueue(store, devices, log)
	bridge := mycorrhizae.NewBridge(log)

	dev, err := devices.Register(context.Background(), inter.DeviceRegistration{
		SerialNumber: "MB-7E11AC",
		DeviceType:   "mycobrain",
	})
	require.NoError(t, err)

	return &testRig{
		pipeline: NewPipeline(store, devices, queue, bridge, log),
		queue:    queue,
		devices:  devices,
		bridge:   bridge,
		device:   dev,
	}
}

func frame(t *testing.T, msgType inter.MessageType, seq uint16, tsMS uint32, payload inter.Payload) []byte {
	t.Helper()
	env, err := protocol.EncodeEnvelope(msgType, seq, tsMS, payload)
	require.NoError(t, err)
	return protocol.EncodeFrame(env)
}

func TestIngestFrame_TelemetryAcceptedThenDuplicate(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	battery := 3.87
	raw := frame(t, inter.MessageTelemetry, 10, 60000, inter.TelemetryPayload{BatteryV: &battery})

	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestAccepted, res.Outcome)
	assert.Equal(t, inter.FrameOutcomeAccepted, res.FrameOutcome)
	require.NotNil(t, res.Envelope)
	assert.EqualValues(t, 10, res.Envelope.SequenceNumber)

	// watermark advanced
	dev, err := rig.devices.Get(ctx, rig.device.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, dev.LastSequence)
	assert.False(t, dev.LastSeenAt.IsZero())

	// identical retransmission
	res, err = rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestDuplicate, res.Outcome)
	assert.Equal(t, inter.FrameOutcomeDuplicate, res.FrameOutcome)

	// exactly one durable record
	msgs, err := rig.pipeline.store.ListMessages(ctx, rig.device.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIngestFrame_ProtocolFailuresAreOutcomes(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	valid := frame(t, inter.MessageHeartbeat, 1, 1000, inter.HeartbeatPayload{})

	// frame[4] is the envelope type byte after COBS encoding; flipping it
	// keeps the frame decodable but breaks the checksum
	corrupted := append([]byte(nil), valid...)
	corrupted[4] ^= 0x01

	tests := []struct {
		name    string
		raw     []byte
		outcome string
	}{
		{"empty frame", nil, inter.FrameOutcomeMalformed},
		{"garbage", []byte{0x00, 0x00, 0x00}, inter.FrameOutcomeMalformed},
		{"flipped bit", corrupted, inter.FrameOutcomeChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, tt.raw)
			require.NoError(t, err, "protocol failures never surface as errors")
			assert.Equal(t, inter.IngestRejected, res.Outcome)
			assert.Equal(t, tt.outcome, res.FrameOutcome)
			assert.NotEmpty(t, res.Detail)
		})
	}

	// all three plus nothing else in the diagnostics log
	records, err := rig.pipeline.RecentFrames(ctx, rig.device.ID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestIngestFrame_UnknownAndInactiveDevice(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	raw := frame(t, inter.MessageHeartbeat, 1, 1000, inter.HeartbeatPayload{})

	res, err := rig.pipeline.IngestFrame(ctx, "nope", raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
	assert.Equal(t, "unknown device", res.Detail)

	require.NoError(t, rig.devices.Deactivate(ctx, rig.device.ID))
	res, err = rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
	assert.Equal(t, "device deactivated", res.Detail)
}

func TestIngestFrame_AckResolvesCommand(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	cmd, err := rig.queue.EnqueueI2CScan(ctx, rig.device.ID, inter.EnqueueOptions{})
	require.NoError(t, err)
	_, err = rig.queue.ClaimPending(ctx, rig.device.ID, 1)
	require.NoError(t, err)

	raw := frame(t, inter.MessageAck, 2, 2000, inter.AckPayload{
		CommandID: cmd.ID,
		Result:    map[string]any{"addresses": []any{118.0}},
	})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestAccepted, res.Outcome)

	got, err := rig.queue.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, inter.CommandAcknowledged, got.Status)
}

func TestIngestFrame_NackTriggersRetry(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	cmd, err := rig.queue.EnqueueI2CScan(ctx, rig.device.ID, inter.EnqueueOptions{})
	require.NoError(t, err)
	_, err = rig.queue.ClaimPending(ctx, rig.device.ID, 1)
	require.NoError(t, err)

	raw := frame(t, inter.MessageNack, 3, 3000, inter.NackPayload{
		CommandID: cmd.ID,
		Error:     "bus fault",
	})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestAccepted, res.Outcome)

	got, err := rig.queue.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, inter.CommandPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestIngestFrame_AckForUnknownCommand(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	raw := frame(t, inter.MessageAck, 4, 4000, inter.AckPayload{CommandID: "nope"})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
	assert.Equal(t, "unknown command id", res.Detail)
}

func TestIngestFrame_AckForAnotherDevicesCommand(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	other, err := rig.devices.Register(ctx, inter.DeviceRegistration{SerialNumber: "MB-OTHER"})
	require.NoError(t, err)
	cmd, err := rig.queue.EnqueueReboot(ctx, other.ID, inter.EnqueueOptions{})
	require.NoError(t, err)
	_, err = rig.queue.ClaimPending(ctx, other.ID, 1)
	require.NoError(t, err)

	raw := frame(t, inter.MessageAck, 5, 5000, inter.AckPayload{CommandID: cmd.ID})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
}

func TestIngestFrame_HeartbeatKeepsSequenceWatermark(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	battery := 3.9
	_, err := rig.pipeline.IngestFrame(ctx, rig.device.ID,
		frame(t, inter.MessageTelemetry, 20, 1000, inter.TelemetryPayload{BatteryV: &battery}))
	require.NoError(t, err)

	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID,
		frame(t, inter.MessageHeartbeat, 21, 2000, inter.HeartbeatPayload{UptimeMS: 2000}))
	require.NoError(t, err)
	assert.Equal(t, inter.IngestAccepted, res.Outcome)

	dev, err := rig.devices.Get(ctx, rig.device.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, dev.LastSequence, "heartbeats refresh last-seen but not the sequence watermark")
}

func TestIngestFrame_DiscoveryUpdatesIdentity(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	raw := frame(t, inter.MessageDiscovery, 1, 500, inter.DiscoveryPayload{
		SerialNumber:     "MB-7E11AC",
		FirmwareVersionA: "2.3.1",
		HardwareRevision: "v4",
	})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestAccepted, res.Outcome)

	dev, err := rig.devices.Get(ctx, rig.device.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.3.1", dev.FirmwareVersionA)
	assert.Equal(t, "v4", dev.HardwareRevision)
}

func TestIngestFrame_DiscoverySerialMismatch(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	raw := frame(t, inter.MessageDiscovery, 1, 500, inter.DiscoveryPayload{
		SerialNumber: "MB-IMPOSTOR",
	})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
}

func TestIngestFrame_CommandFromDeviceRejected(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	raw := frame(t, inter.MessageCommand, 1, 500, inter.CommandPayload{Cmd: "reboot"})
	res, err := rig.pipeline.IngestFrame(ctx, rig.device.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, res.Outcome)
	assert.Equal(t, "command envelope from device", res.Detail)
}

func TestIngest_PublishesToBridge(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	battery := 3.7
	_, err := rig.pipeline.IngestFrame(ctx, rig.device.ID,
		frame(t, inter.MessageTelemetry, 1, 1000, inter.TelemetryPayload{BatteryV: &battery}))
	require.NoError(t, err)

	recent := rig.bridge.Recent("device.MB-7E11AC", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "telemetry", recent[0].MessageType)
	assert.Equal(t, 3.7, recent[0].Payload["battery_v"])
}

func TestIngest_RejectsWrongTypeOnDirectPath(t *testing.T) {
	rig := setupPipeline(t)
	ctx := context.Background()

	env, err := protocol.DecodeEnvelope(mustEncode(t, inter.MessageHeartbeat, 1, 100, inter.HeartbeatPayload{}))
	require.NoError(t, err)

	outcome, err := rig.pipeline.Ingest(ctx, rig.device.ID, env)
	require.NoError(t, err)
	assert.Equal(t, inter.IngestRejected, outcome)
}

func mustEncode(t *testing.T, msgType inter.MessageType, seq uint16, tsMS uint32, payload inter.Payload) []byte {
	t.Helper()
	data, err := protocol.EncodeEnvelope(msgType, seq, tsMS, payload)
	require.NoError(t, err)
	return data
}
