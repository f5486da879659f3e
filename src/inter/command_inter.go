package inter

import (
	"context"
	"errors"
	"time"
)

// Command lifecycle errors.
var (
	ErrCommandNotFound = errors.New("commands: command not found")
	// ErrAlreadyInFlight rejects cancellation of a sent command: the
	// device may already be executing it.
	ErrAlreadyInFlight = errors.New("commands: command already in flight")
	// ErrAlreadyTerminal rejects any transition out of a terminal state.
	ErrAlreadyTerminal = errors.New("commands: command already terminal")
)

// EnqueueOptions tune delivery of a single command. Zero values pick the
// queue defaults (priority 5, 3 retries, 1 hour TTL, immediate schedule).
type EnqueueOptions struct {
	Priority    int
	MaxRetries  int
	TTL         time.Duration
	ScheduledAt time.Time
	RequestedBy string
}

// CommandQueue delivers operator/automation intents to devices over an
// unreliable channel. Delivery agents poll with ClaimPending, transmit, and
// report the device's reply through Acknowledge; every outcome ends in a
// distinct terminal state.
type CommandQueue interface {
	// Enqueue stores a new command in pending state.
	Enqueue(ctx context.Context, deviceID, commandType string, payload CommandPayload, opts EnqueueOptions) (*Command, error)

	// ClaimPending atomically hands up to limit pending commands for the
	// device to exactly one caller, transitioning them to sent. limit is
	// the agent's transmission window and the queue's only backpressure.
	ClaimPending(ctx context.Context, deviceID string, limit int) ([]Command, error)

	// Acknowledge resolves a sent command. On success it becomes
	// acknowledged; on failure the retry decision is made here: back to
	// pending while budget and deadline remain, expired past the
	// deadline, failed otherwise.
	Acknowledge(ctx context.Context, commandID string, success bool, response map[string]any, errMsg string) (*Command, error)

	// Cancel withdraws a command that has not been transmitted yet.
	// Sent commands return ErrAlreadyInFlight; terminal ones
	// ErrAlreadyTerminal.
	Cancel(ctx context.Context, commandID string) error

	Get(ctx context.Context, commandID string) (*Command, error)

	List(ctx context.Context, deviceID string, status CommandStatus, page, size int) ([]Command, error)

	// SweepExpired moves every pending/sent command past its deadline to
	// expired, regardless of remaining retry budget.
	SweepExpired(ctx context.Context) (int64, error)
}
