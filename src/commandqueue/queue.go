// Package commandqueue implements the durable command delivery pipeline:
// enqueue, atomic claim, acknowledgement with retry budget, cancellation,
// and the expiry sweep.
package commandqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	DefaultTTL        = time.Hour
)

type Queue struct {
	store      inter.DataStore
	devices    inter.DeviceManager
	log        *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

// Option tunes a Queue at construction.
type Option func(*Queue)

// WithDefaultTTL overrides the expiry window applied when an enqueue
// request does not carry its own TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.defaultTTL = ttl
		}
	}
}

func NewQueue(store inter.DataStore, devices inter.DeviceManager, log *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		devices:    devices,
		log:        log.With("component", "command_queue"),
		now:        time.Now,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, deviceID, commandType string, payload inter.CommandPayload, opts inter.EnqueueOptions) (*inter.Command, error) {
	exists, active, err := q.devices.Lookup(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, inter.ErrDeviceNotFound
	}
	if !active {
		return nil, inter.ErrDeviceInactive
	}

	now := q.now().UTC()
	id := uuid.NewString()
	// the device echoes this id back in its ack/nack
	payload.CommandID = id

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode command payload: %w", err)
	}

	cmd := &inter.Command{
		ID:          id,
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     raw,
		Priority:    opts.Priority,
		Status:      inter.CommandPending,
		MaxRetries:  opts.MaxRetries,
		RequestedBy: opts.RequestedBy,
		ScheduledAt: opts.ScheduledAt,
		CreatedAt:   now,
	}
	if cmd.Priority == 0 {
		cmd.Priority = DefaultPriority
	}
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = DefaultMaxRetries
	}
	if cmd.ScheduledAt.IsZero() {
		cmd.ScheduledAt = now
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = q.defaultTTL
	}
	cmd.ExpiresAt = cmd.ScheduledAt.Add(ttl)

	if err := q.store.InsertCommand(ctx, cmd); err != nil {
		return nil, err
	}
	q.log.Info("command enqueued",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"type", commandType,
		"priority", cmd.Priority)
	return cmd, nil
}

func (q *Queue) ClaimPending(ctx context.Context, deviceID string, limit int) ([]inter.Command, error) {
	if limit <= 0 {
		limit = 1
	}
	claimed, err := q.store.ClaimPendingCommands(ctx, deviceID, limit, q.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		q.log.Debug("commands claimed", "device_id", deviceID, "count", len(claimed))
	}
	return claimed, nil
}

// Acknowledge resolves a sent command from a device ack or nack. The retry
// decision happens here, in one pass of conditional updates: requeue while
// budget and deadline remain, expire past the deadline, fail otherwise.
func (q *Queue) Acknowledge(ctx context.Context, commandID string, success bool, response map[string]any, errMsg string) (*inter.Command, error) {
	now := q.now().UTC()

	if success {
		raw, err := json.Marshal(response)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		ok, err := q.store.MarkCommandAcknowledged(ctx, commandID, raw, now)
		if err != nil {
			return nil, err
		}
		if ok {
			q.log.Info("command acknowledged", "command_id", commandID)
		}
		// not ok: late or duplicate ack, return current state untouched
		return q.store.GetCommand(ctx, commandID)
	}

	if ok, err := q.store.RequeueCommandForRetry(ctx, commandID, errMsg, now); err != nil {
		return nil, err
	} else if ok {
		q.log.Warn("command requeued after nack", "command_id", commandID, "error", errMsg)
		return q.store.GetCommand(ctx, commandID)
	}

	if ok, err := q.store.MarkCommandExpired(ctx, commandID, now); err != nil {
		return nil, err
	} else if ok {
		q.log.Warn("command expired on nack", "command_id", commandID)
		return q.store.GetCommand(ctx, commandID)
	}

	if ok, err := q.store.MarkCommandFailed(ctx, commandID, "retries exhausted: "+errMsg, now); err != nil {
		return nil, err
	} else if ok {
		q.log.Warn("command failed", "command_id", commandID, "error", errMsg)
	}
	return q.store.GetCommand(ctx, commandID)
}

func (q *Queue) Cancel(ctx context.Context, commandID string) error {
	ok, err := q.store.CancelCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if ok {
		q.log.Info("command cancelled", "command_id", commandID)
		return nil
	}
	cmd, err := q.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if cmd.Status == inter.CommandSent {
		return inter.ErrAlreadyInFlight
	}
	if cmd.Status.Terminal() {
		return inter.ErrAlreadyTerminal
	}
	return errors.New("commands: cancel lost the race, retry")
}

func (q *Queue) Get(ctx context.Context, commandID string) (*inter.Command, error) {
	return q.store.GetCommand(ctx, commandID)
}

func (q *Queue) List(ctx context.Context, deviceID string, status inter.CommandStatus, page, size int) ([]inter.Command, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	return q.store.ListCommands(ctx, deviceID, status, page, size)
}

func (q *Queue) SweepExpired(ctx context.Context) (int64, error) {
	n, err := q.store.ExpireCommands(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("expired commands swept", "count", n)
	}
	return n, nil
}
