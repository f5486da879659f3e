package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

// PgStore is the PostgreSQL-backed DataStore, for deployments where several
// gateways share one database. Claiming relies on FOR UPDATE SKIP LOCKED so
// concurrent pollers on different connections never block each other.
type PgStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS devices (
   id                    TEXT PRIMARY KEY,
   serial_number         TEXT UNIQUE NOT NULL,
   name                  TEXT NOT NULL DEFAULT '',
   device_type           TEXT NOT NULL DEFAULT '',
   hardware_revision     TEXT NOT NULL DEFAULT '',
   firmware_version_a    TEXT NOT NULL DEFAULT '',
   firmware_version_b    TEXT NOT NULL DEFAULT '',
   telemetry_interval_ms INTEGER NOT NULL DEFAULT 5000,
   active                BOOLEAN NOT NULL DEFAULT TRUE,
   last_seen_at          TIMESTAMPTZ,
   last_sequence_number  INTEGER NOT NULL DEFAULT 0,
   created_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS device_messages (
   id           BIGSERIAL PRIMARY KEY,
   device_id    TEXT NOT NULL,
   seq_number   INTEGER NOT NULL,
   message_type SMALLINT NOT NULL,
   device_ts_ms BIGINT NOT NULL,
   payload      TEXT,
   processed    BOOLEAN NOT NULL DEFAULT FALSE,
   received_at  TIMESTAMPTZ NOT NULL,
   UNIQUE (device_id, seq_number, device_ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_messages_device ON device_messages (device_id, received_at);

CREATE TABLE IF NOT EXISTS command_queue (
   id               TEXT PRIMARY KEY,
   device_id        TEXT NOT NULL,
   command_type     TEXT NOT NULL,
   command_payload  TEXT,
   priority         INTEGER NOT NULL DEFAULT 5,
   status           TEXT NOT NULL DEFAULT 'pending',
   retry_count      INTEGER NOT NULL DEFAULT 0,
   max_retries      INTEGER NOT NULL DEFAULT 3,
   requested_by     TEXT NOT NULL DEFAULT '',
   scheduled_at     TIMESTAMPTZ NOT NULL,
   expires_at       TIMESTAMPTZ NOT NULL,
   sent_at          TIMESTAMPTZ,
   acked_at         TIMESTAMPTZ,
   response_payload TEXT,
   error_message    TEXT NOT NULL DEFAULT '',
   created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_claim ON command_queue (device_id, status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS frame_log (
   id          BIGSERIAL PRIMARY KEY,
   device_id   TEXT NOT NULL DEFAULT '',
   raw         BYTEA,
   outcome     TEXT NOT NULL,
   detail      TEXT NOT NULL DEFAULT '',
   received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frame_log_device ON frame_log (device_id, received_at);
`

// NewPgStore connects to PostgreSQL with the given DSN and ensures the
// schema exists.
func NewPgStore(ctx context.Context, dsn string) (inter.DataStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// [device registry]

func (s *PgStore) InsertDevice(ctx context.Context, d *inter.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, serial_number, name, device_type, hardware_revision,
			firmware_version_a, firmware_version_b, telemetry_interval_ms, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.SerialNumber, d.Name, d.DeviceType, d.HardwareRevision,
		d.FirmwareVersionA, d.FirmwareVersionB, d.TelemetryIntervalMS, d.Active, d.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return inter.ErrSerialTaken
	}
	return err
}

func (s *PgStore) scanDeviceRow(row pgx.Row) (*inter.Device, error) {
	var (
		d        inter.Device
		lastSeen *time.Time
	)
	err := row.Scan(&d.ID, &d.SerialNumber, &d.Name, &d.DeviceType, &d.HardwareRevision,
		&d.FirmwareVersionA, &d.FirmwareVersionB, &d.TelemetryIntervalMS, &d.Active,
		&lastSeen, &d.LastSequence, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inter.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen != nil {
		d.LastSeenAt = *lastSeen
	}
	return &d, nil
}

func (s *PgStore) GetDevice(ctx context.Context, id string) (*inter.Device, error) {
	return s.scanDeviceRow(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (s *PgStore) GetDeviceBySerial(ctx context.Context, serial string) (*inter.Device, error) {
	return s.scanDeviceRow(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial_number = $1`, serial))
}

func (s *PgStore) ListDevices(ctx context.Context, page, size int) ([]inter.Device, error) {
	offset := (page - 1) * size
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY created_at LIMIT $1 OFFSET $2`, size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.Device
	for rows.Next() {
		d, err := s.scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PgStore) SetDeviceActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE devices SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}

func (s *PgStore) TouchDeviceSeen(ctx context.Context, id string, seq int, at time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if seq >= 0 {
		tag, err = s.pool.Exec(ctx,
			`UPDATE devices SET last_seen_at = $1, last_sequence_number = $2 WHERE id = $3`,
			at.UTC(), seq, id)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE devices SET last_seen_at = $1 WHERE id = $2`, at.UTC(), id)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}

func (s *PgStore) UpdateDeviceIdentity(ctx context.Context, id, fwA, fwB, hwRev string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET
			firmware_version_a = CASE WHEN $1 != '' THEN $1 ELSE firmware_version_a END,
			firmware_version_b = CASE WHEN $2 != '' THEN $2 ELSE firmware_version_b END,
			hardware_revision  = CASE WHEN $3 != '' THEN $3 ELSE hardware_revision END
		WHERE id = $4`,
		fwA, fwB, hwRev, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}

func (s *PgStore) DestroyDevice(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrDeviceNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM device_messages WHERE device_id = $1`,
		`DELETE FROM command_queue WHERE device_id = $1`,
		`DELETE FROM frame_log WHERE device_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// [ingestion]

func (s *PgStore) InsertMessage(ctx context.Context, m *inter.DeviceMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO device_messages (device_id, seq_number, message_type, device_ts_ms, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, seq_number, device_ts_ms) DO NOTHING`,
		m.DeviceID, int(m.SequenceNumber), int16(m.Type), int64(m.DeviceTimestampMS),
		string(m.Payload), m.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) ListMessages(ctx context.Context, deviceID string, limit int) ([]inter.DeviceMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, seq_number, message_type, device_ts_ms, payload, processed, received_at
		FROM device_messages WHERE device_id = $1
		ORDER BY received_at DESC, id DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.DeviceMessage
	for rows.Next() {
		var (
			m       inter.DeviceMessage
			seq     int
			mt      int16
			tsMS    int64
			payload *string
		)
		if err := rows.Scan(&m.ID, &m.DeviceID, &seq, &mt, &tsMS,
			&payload, &m.Processed, &m.ReceivedAt); err != nil {
			return nil, err
		}
		m.SequenceNumber = uint16(seq)
		m.Type = inter.MessageType(mt)
		m.DeviceTimestampMS = uint32(tsMS)
		if payload != nil {
			m.Payload = []byte(*payload)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkMessagesProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE device_messages SET processed = TRUE WHERE id = ANY($1)`, ids)
	return err
}

// [command queue]

func (s *PgStore) InsertCommand(ctx context.Context, c *inter.Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_queue (id, device_id, command_type, command_payload, priority,
			status, retry_count, max_retries, requested_by, scheduled_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.DeviceID, c.CommandType, string(c.Payload), c.Priority,
		string(c.Status), c.RetryCount, c.MaxRetries, c.RequestedBy,
		c.ScheduledAt.UTC(), c.ExpiresAt.UTC(), c.CreatedAt.UTC(),
	)
	return err
}

func scanCommandRow(row pgx.Row) (*inter.Command, error) {
	var (
		c                 inter.Command
		status            string
		payload, response *string
		sentAt, ackedAt   *time.Time
	)
	err := row.Scan(&c.ID, &c.DeviceID, &c.CommandType, &payload, &c.Priority, &status,
		&c.RetryCount, &c.MaxRetries, &c.RequestedBy, &c.ScheduledAt, &c.ExpiresAt,
		&sentAt, &ackedAt, &response, &c.ErrorMessage, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inter.ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = inter.CommandStatus(status)
	if payload != nil {
		c.Payload = []byte(*payload)
	}
	if response != nil && *response != "" {
		c.ResponsePayload = []byte(*response)
	}
	c.SentAt = sentAt
	c.AckedAt = ackedAt
	return &c, nil
}

func (s *PgStore) GetCommand(ctx context.Context, id string) (*inter.Command, error) {
	return scanCommandRow(s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM command_queue WHERE id = $1`, id))
}

func (s *PgStore) ListCommands(ctx context.Context, deviceID string, status inter.CommandStatus, page, size int) ([]inter.Command, error) {
	offset := (page - 1) * size
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandColumns+` FROM command_queue
		WHERE ($1 = '' OR device_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		deviceID, string(status), size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommandRows(rows)
}

func (s *PgStore) ClaimPendingCommands(ctx context.Context, deviceID string, limit int, now time.Time) ([]inter.Command, error) {
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM command_queue
			WHERE device_id = $1 AND status = 'pending' AND scheduled_at <= $2 AND expires_at > $2
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE command_queue c SET status = 'sent', sent_at = $2
		FROM picked WHERE c.id = picked.id AND c.status = 'pending'
		RETURNING c.id, c.device_id, c.command_type, c.command_payload, c.priority, c.status,
			c.retry_count, c.max_retries, c.requested_by, c.scheduled_at, c.expires_at,
			c.sent_at, c.acked_at, c.response_payload, c.error_message, c.created_at`,
		deviceID, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed, err := collectCommandRows(rows)
	if err != nil {
		return nil, err
	}
	sortClaimed(claimed)
	return claimed, nil
}

func (s *PgStore) MarkCommandAcknowledged(ctx context.Context, id string, response []byte, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'acknowledged', acked_at = $1, response_payload = $2
		WHERE id = $3 AND status = 'sent'`,
		at.UTC(), string(response), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) RequeueCommandForRetry(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue
		SET status = 'pending', retry_count = retry_count + 1, sent_at = NULL, error_message = $1
		WHERE id = $2 AND status = 'sent' AND retry_count < max_retries AND expires_at > $3`,
		errMsg, id, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) MarkCommandFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'failed', acked_at = $1, error_message = $2
		WHERE id = $3 AND status = 'sent' AND retry_count >= max_retries`,
		at.UTC(), errMsg, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) MarkCommandExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'expired', error_message = 'deadline passed'
		WHERE id = $1 AND status IN ('pending', 'sent') AND expires_at <= $2`,
		id, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) CancelCommand(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'cancelled' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'expired', error_message = 'deadline passed'
		WHERE status IN ('pending', 'sent') AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// [frame diagnostics log]

func (s *PgStore) AppendFrame(ctx context.Context, r *inter.FrameRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO frame_log (device_id, raw, outcome, detail, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.DeviceID, r.Raw, r.Outcome, r.Detail, r.ReceivedAt.UTC())
	return err
}

func (s *PgStore) RecentFrames(ctx context.Context, deviceID string, limit int) ([]inter.FrameRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, raw, outcome, detail, received_at
		FROM frame_log WHERE device_id = $1
		ORDER BY received_at DESC, id DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.FrameRecord
	for rows.Next() {
		var r inter.FrameRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Raw, &r.Outcome, &r.Detail, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) PruneFrames(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM frame_log WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectCommandRows(rows pgx.Rows) ([]inter.Command, error) {
	var out []inter.Command
	for rows.Next() {
		c, err := scanCommandRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func sortClaimed(cmds []inter.Command) {
	// RETURNING order is unspecified; restore delivery order.
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority > cmds[j].Priority
		}
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
		}
		return cmds[i].ID < cmds[j].ID
	})
}
