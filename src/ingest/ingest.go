// Package ingest is the device-to-server pipeline: raw frames in, durable
// records and command resolutions out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mycosoft/mycobrain-server/src/inter"
	"github.com/mycosoft/mycobrain-server/src/protocol"
)

type Pipeline struct {
	store    inter.DataStore
	devices  inter.DeviceManager
	commands inter.CommandQueue
	bridge   inter.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewPipeline(store inter.DataStore, devices inter.DeviceManager, commands inter.CommandQueue, bridge inter.Publisher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		devices:  devices,
		commands: commands,
		bridge:   bridge,
		log:      log.With("component", "ingest"),
		now:      time.Now,
	}
}

// IngestFrame runs the full receive path. Protocol failures are outcomes,
// not errors; the error return is reserved for storage faults.
func (p *Pipeline) IngestFrame(ctx context.Context, deviceID string, raw []byte) (inter.IngestResult, error) {
	res, err := p.process(ctx, deviceID, raw)
	if err != nil {
		return res, err
	}
	// every frame leaves a diagnostics record, valid or not
	if logErr := p.store.AppendFrame(ctx, &inter.FrameRecord{
		DeviceID:   deviceID,
		Raw:        raw,
		Outcome:    res.FrameOutcome,
		Detail:     res.Detail,
		ReceivedAt: p.now().UTC(),
	}); logErr != nil {
		p.log.Error("frame log write failed", "device_id", deviceID, "error", logErr)
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, deviceID string, raw []byte) (inter.IngestResult, error) {
	payload, err := protocol.DecodeFrame(raw)
	if err != nil {
		p.log.Warn("malformed frame", "device_id", deviceID, "len", len(raw), "error", err)
		return reject(inter.FrameOutcomeMalformed, err.Error()), nil
	}

	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		outcome := inter.FrameOutcomeRejected
		switch {
		case errors.Is(err, inter.ErrChecksumMismatch):
			outcome = inter.FrameOutcomeChecksum
		case errors.Is(err, inter.ErrUnknownMessageType):
			outcome = inter.FrameOutcomeUnknownType
		case errors.Is(err, inter.ErrBadPayload):
			outcome = inter.FrameOutcomeBadPayload
		case errors.Is(err, inter.ErrEnvelopeTooShort):
			outcome = inter.FrameOutcomeMalformed
		}
		p.log.Warn("envelope rejected", "device_id", deviceID, "outcome", outcome, "error", err)
		return reject(outcome, err.Error()), nil
	}

	dev, err := p.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, inter.ErrDeviceNotFound) {
			p.log.Warn("frame from unknown device", "device_id", deviceID)
			return rejectEnv(env, "unknown device"), nil
		}
		return inter.IngestResult{}, err
	}
	if !dev.Active {
		return rejectEnv(env, "device deactivated"), nil
	}

	p.noteSequenceAnomaly(dev, env)

	switch env.Type {
	case inter.MessageTelemetry, inter.MessageEvent:
		outcome, err := p.Ingest(ctx, deviceID, env)
		if err != nil {
			return inter.IngestResult{}, err
		}
		label := inter.FrameOutcomeAccepted
		if outcome == inter.IngestDuplicate {
			label = inter.FrameOutcomeDuplicate
		}
		return inter.IngestResult{Outcome: outcome, FrameOutcome: label, Envelope: env}, nil

	case inter.MessageAck:
		ack := env.Payload.(inter.AckPayload)
		return p.resolveCommand(ctx, dev, env, ack.CommandID, true, ack.Result, "")

	case inter.MessageNack:
		nack := env.Payload.(inter.NackPayload)
		return p.resolveCommand(ctx, dev, env, nack.CommandID, false, nil, nack.Error)

	case inter.MessageHeartbeat:
		if err := p.devices.TouchSeen(ctx, deviceID, -1); err != nil {
			return inter.IngestResult{}, err
		}
		p.publish(dev, env)
		return accept(env), nil

	case inter.MessageDiscovery:
		disc := env.Payload.(inter.DiscoveryPayload)
		if disc.SerialNumber != dev.SerialNumber {
			p.log.Warn("discovery serial mismatch",
				"device_id", deviceID, "registered", dev.SerialNumber, "announced", disc.SerialNumber)
			return rejectEnv(env, "serial number does not match registration"), nil
		}
		if err := p.devices.RecordDiscovery(ctx, deviceID, disc); err != nil {
			return inter.IngestResult{}, err
		}
		if err := p.devices.TouchSeen(ctx, deviceID, -1); err != nil {
			return inter.IngestResult{}, err
		}
		p.publish(dev, env)
		return accept(env), nil

	case inter.MessageCommand:
		// commands flow server to device only
		return rejectEnv(env, "command envelope from device"), nil

	default:
		return rejectEnv(env, "unroutable message type"), nil
	}
}

// Ingest stores one Telemetry or Event envelope with exactly-once semantics
// on (device, sequence, device timestamp).
func (p *Pipeline) Ingest(ctx context.Context, deviceID string, env *inter.Envelope) (inter.IngestOutcome, error) {
	if env.Type != inter.MessageTelemetry && env.Type != inter.MessageEvent {
		return inter.IngestRejected, nil
	}

	inserted, err := p.store.InsertMessage(ctx, &inter.DeviceMessage{
		DeviceID:          deviceID,
		SequenceNumber:    env.SequenceNumber,
		Type:              env.Type,
		DeviceTimestampMS: env.DeviceTimestampMS,
		Payload:           env.RawPayload,
		ReceivedAt:        p.now().UTC(),
	})
	if err != nil {
		return inter.IngestRejected, err
	}
	if !inserted {
		p.log.Debug("duplicate envelope dropped",
			"device_id", deviceID, "seq", env.SequenceNumber, "device_ts_ms", env.DeviceTimestampMS)
		return inter.IngestDuplicate, nil
	}

	if err := p.devices.TouchSeen(ctx, deviceID, int(env.SequenceNumber)); err != nil {
		return inter.IngestRejected, err
	}

	if dev, err := p.devices.Get(ctx, deviceID); err == nil {
		p.publish(dev, env)
	}
	return inter.IngestAccepted, nil
}

func (p *Pipeline) RecentFrames(ctx context.Context, deviceID string, limit int) ([]inter.FrameRecord, error) {
	return p.store.RecentFrames(ctx, deviceID, limit)
}

func (p *Pipeline) resolveCommand(ctx context.Context, dev *inter.Device, env *inter.Envelope, commandID string, success bool, result map[string]any, errMsg string) (inter.IngestResult, error) {
	cmd, err := p.commands.Acknowledge(ctx, commandID, success, result, errMsg)
	if err != nil {
		if errors.Is(err, inter.ErrCommandNotFound) {
			p.log.Warn("reply for unknown command",
				"device_id", dev.ID, "command_id", commandID, "success", success)
			return rejectEnv(env, "unknown command id"), nil
		}
		return inter.IngestResult{}, err
	}
	if cmd.DeviceID != dev.ID {
		p.log.Warn("reply for another device's command",
			"device_id", dev.ID, "command_id", commandID, "owner", cmd.DeviceID)
		return rejectEnv(env, "command belongs to another device"), nil
	}

	if err := p.devices.TouchSeen(ctx, dev.ID, int(env.SequenceNumber)); err != nil {
		return inter.IngestResult{}, err
	}
	p.publish(dev, env)
	return accept(env), nil
}

// noteSequenceAnomaly flags reboots and clock jumps for operators. Never a
// reason to reject: dedup handles replays, firmware clocks reset on boot.
func (p *Pipeline) noteSequenceAnomaly(dev *inter.Device, env *inter.Envelope) {
	if dev.LastSequence > 0 && int(env.SequenceNumber) < dev.LastSequence {
		p.log.Info("sequence regression, device likely rebooted",
			"device_id", dev.ID,
			"last_seq", dev.LastSequence,
			"seq", env.SequenceNumber,
			"device_ts_ms", env.DeviceTimestampMS)
	}
}

func (p *Pipeline) publish(dev *inter.Device, env *inter.Envelope) {
	var payload map[string]any
	if len(env.RawPayload) > 0 {
		if err := json.Unmarshal(env.RawPayload, &payload); err != nil {
			payload = nil
		}
	}
	p.bridge.Publish(inter.ChannelMessage{
		Channel:      "device." + dev.SerialNumber,
		SourceType:   "mycobrain",
		SourceID:     dev.ID,
		DeviceSerial: dev.SerialNumber,
		MessageType:  env.Type.String(),
		Payload:      payload,
	})
}

func accept(env *inter.Envelope) inter.IngestResult {
	return inter.IngestResult{
		Outcome:      inter.IngestAccepted,
		FrameOutcome: inter.FrameOutcomeAccepted,
		Envelope:     env,
	}
}

func reject(frameOutcome, detail string) inter.IngestResult {
	return inter.IngestResult{
		Outcome:      inter.IngestRejected,
		FrameOutcome: frameOutcome,
		Detail:       detail,
	}
}

func rejectEnv(env *inter.Envelope, detail string) inter.IngestResult {
	return inter.IngestResult{
		Outcome:      inter.IngestRejected,
		FrameOutcome: inter.FrameOutcomeRejected,
		Envelope:     env,
		Detail:       detail,
	}
}
