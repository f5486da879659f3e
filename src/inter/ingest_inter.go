package inter

import "context"

// IngestOutcome classifies the result of ingesting one envelope.
type IngestOutcome int

const (
	// IngestAccepted means a new record was stored.
	IngestAccepted IngestOutcome = iota
	// IngestDuplicate means the (device, seq, timestamp) key already
	// existed. Normal over lossy links; distinguished from rejects in
	// metrics.
	IngestDuplicate
	// IngestRejected means the envelope was refused (unknown device,
	// decode failure, wrong type for this path).
	IngestRejected
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestAccepted:
		return "accepted"
	case IngestDuplicate:
		return "duplicate"
	case IngestRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Frame log outcome labels. Shared between the pipeline and diagnostics.
const (
	FrameOutcomeAccepted    = "accepted"
	FrameOutcomeDuplicate   = "duplicate"
	FrameOutcomeRejected    = "rejected"
	FrameOutcomeMalformed   = "malformed"
	FrameOutcomeChecksum    = "checksum_failed"
	FrameOutcomeUnknownType = "unknown_type"
	FrameOutcomeBadPayload  = "bad_payload"
)

// IngestResult is the full pipeline answer for one raw frame. Transport,
// integrity, and envelope failures never escape as errors; they land here as
// outcomes so callers can log or count without branching on error types.
type IngestResult struct {
	Outcome IngestOutcome
	// FrameOutcome is the diagnostics label (finer-grained than Outcome).
	FrameOutcome string
	// Envelope is set when decode succeeded, whatever the outcome.
	Envelope *Envelope
	// Detail carries the reject reason for operators.
	Detail string
}

// Ingestor is the device-to-server half of the pipeline.
type Ingestor interface {
	// IngestFrame runs the full path: frame decode, checksum, envelope
	// parse, then routing (telemetry/event to storage, ack/nack to the
	// command queue, heartbeat/discovery to the watermark). The returned
	// error is reserved for storage faults; protocol failures are
	// outcomes.
	IngestFrame(ctx context.Context, deviceID string, raw []byte) (IngestResult, error)

	// Ingest stores one already-decoded Telemetry or Event envelope with
	// exactly-once semantics on (device, seq, device timestamp).
	Ingest(ctx context.Context, deviceID string, env *Envelope) (IngestOutcome, error)

	// RecentFrames exposes the diagnostics log. Read-only, never
	// authoritative.
	RecentFrames(ctx context.Context, deviceID string, limit int) ([]FrameRecord, error)
}
