// Package datastore provides the durable store behind ingestion, the device
// registry, and the command queue. Two backends implement the same
// inter.DataStore contract: SQLite for single-node deployments and tests,
// PostgreSQL for shared multi-gateway installs.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

// LiteStore is the SQLite-backed DataStore.
type LiteStore struct {
	db *sql.DB
}

const liteSchema = `
CREATE TABLE IF NOT EXISTS devices (
   id                    TEXT PRIMARY KEY,
   serial_number         TEXT UNIQUE NOT NULL,
   name                  TEXT,
   device_type           TEXT,
   hardware_revision     TEXT,
   firmware_version_a    TEXT,
   firmware_version_b    TEXT,
   telemetry_interval_ms INTEGER DEFAULT 5000,
   active                INTEGER DEFAULT 1,
   last_seen_at          DATETIME,
   last_sequence_number  INTEGER DEFAULT 0,
   created_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS device_messages (
   id           INTEGER PRIMARY KEY AUTOINCREMENT,
   device_id    TEXT NOT NULL,
   seq_number   INTEGER NOT NULL,
   message_type INTEGER NOT NULL,
   device_ts_ms INTEGER NOT NULL,
   payload      TEXT,
   processed    INTEGER DEFAULT 0,
   received_at  DATETIME NOT NULL,
   UNIQUE (device_id, seq_number, device_ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_messages_device ON device_messages (device_id, received_at);

CREATE TABLE IF NOT EXISTS command_queue (
   id               TEXT PRIMARY KEY,
   device_id        TEXT NOT NULL,
   command_type     TEXT NOT NULL,
   command_payload  TEXT,
   priority         INTEGER DEFAULT 5,
   status           TEXT NOT NULL DEFAULT 'pending',
   retry_count      INTEGER DEFAULT 0,
   max_retries      INTEGER DEFAULT 3,
   requested_by     TEXT,
   scheduled_at     DATETIME NOT NULL,
   expires_at       DATETIME NOT NULL,
   sent_at          DATETIME,
   acked_at         DATETIME,
   response_payload TEXT,
   error_message    TEXT,
   created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_claim ON command_queue (device_id, status, priority, created_at);

CREATE TABLE IF NOT EXISTS frame_log (
   id          INTEGER PRIMARY KEY AUTOINCREMENT,
   device_id   TEXT,
   raw         BLOB,
   outcome     TEXT NOT NULL,
   detail      TEXT,
   received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frame_log_device ON frame_log (device_id, received_at);
`

// NewLiteStore opens (or creates) the SQLite database at dbPath and ensures
// the schema exists.
func NewLiteStore(dbPath string) (inter.DataStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialize through a single connection so
	// concurrent claimers queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(liteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &LiteStore{db: db}, nil
}

func (s *LiteStore) Close() error { return s.db.Close() }

// [device registry]

func (s *LiteStore) InsertDevice(ctx context.Context, d *inter.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, serial_number, name, device_type, hardware_revision,
			firmware_version_a, firmware_version_b, telemetry_interval_ms, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SerialNumber, d.Name, d.DeviceType, d.HardwareRevision,
		d.FirmwareVersionA, d.FirmwareVersionB, d.TelemetryIntervalMS, d.Active, d.CreatedAt.UTC(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return inter.ErrSerialTaken
	}
	return err
}

const deviceColumns = `id, serial_number, name, device_type, hardware_revision,
	firmware_version_a, firmware_version_b, telemetry_interval_ms, active,
	last_seen_at, last_sequence_number, created_at`

func (s *LiteStore) scanDevice(row interface{ Scan(...any) error }) (*inter.Device, error) {
	var (
		d        inter.Device
		lastSeen sql.NullTime
	)
	err := row.Scan(&d.ID, &d.SerialNumber, &d.Name, &d.DeviceType, &d.HardwareRevision,
		&d.FirmwareVersionA, &d.FirmwareVersionB, &d.TelemetryIntervalMS, &d.Active,
		&lastSeen, &d.LastSequence, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inter.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	return &d, nil
}

func (s *LiteStore) GetDevice(ctx context.Context, id string) (*inter.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
}

func (s *LiteStore) GetDeviceBySerial(ctx context.Context, serial string) (*inter.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial_number = ?`, serial))
}

func (s *LiteStore) ListDevices(ctx context.Context, page, size int) ([]inter.Device, error) {
	offset := (page - 1) * size
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY created_at LIMIT ? OFFSET ?`, size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *LiteStore) SetDeviceActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *LiteStore) TouchDeviceSeen(ctx context.Context, id string, seq int, at time.Time) error {
	var res sql.Result
	var err error
	if seq >= 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen_at = ?, last_sequence_number = ? WHERE id = ?`,
			at.UTC(), seq, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
	}
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *LiteStore) UpdateDeviceIdentity(ctx context.Context, id, fwA, fwB, hwRev string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			firmware_version_a = CASE WHEN ? != '' THEN ? ELSE firmware_version_a END,
			firmware_version_b = CASE WHEN ? != '' THEN ? ELSE firmware_version_b END,
			hardware_revision  = CASE WHEN ? != '' THEN ? ELSE hardware_revision END
		WHERE id = ?`,
		fwA, fwA, fwB, fwB, hwRev, hwRev, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

// DestroyDevice removes a device and cascades to every dependent table in
// one transaction. The cascade is the only path that deletes terminal
// commands (audit trail).
func (s *LiteStore) DestroyDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := noRowsAsNotFound(res); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM device_messages WHERE device_id = ?`,
		`DELETE FROM command_queue WHERE device_id = ?`,
		`DELETE FROM frame_log WHERE device_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// [ingestion]

func (s *LiteStore) InsertMessage(ctx context.Context, m *inter.DeviceMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_messages (device_id, seq_number, message_type, device_ts_ms, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, seq_number, device_ts_ms) DO NOTHING`,
		m.DeviceID, m.SequenceNumber, m.Type, m.DeviceTimestampMS, string(m.Payload), m.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LiteStore) ListMessages(ctx context.Context, deviceID string, limit int) ([]inter.DeviceMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, seq_number, message_type, device_ts_ms, payload, processed, received_at
		FROM device_messages WHERE device_id = ?
		ORDER BY received_at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.DeviceMessage
	for rows.Next() {
		var (
			m       inter.DeviceMessage
			payload sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.SequenceNumber, &m.Type,
			&m.DeviceTimestampMS, &payload, &m.Processed, &m.ReceivedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *LiteStore) MarkMessagesProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE device_messages SET processed = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// [command queue]

func (s *LiteStore) InsertCommand(ctx context.Context, c *inter.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (id, device_id, command_type, command_payload, priority,
			status, retry_count, max_retries, requested_by, scheduled_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.CommandType, string(c.Payload), c.Priority,
		c.Status, c.RetryCount, c.MaxRetries, c.RequestedBy,
		c.ScheduledAt.UTC(), c.ExpiresAt.UTC(), c.CreatedAt.UTC(),
	)
	return err
}

const commandColumns = `id, device_id, command_type, command_payload, priority, status,
	retry_count, max_retries, requested_by, scheduled_at, expires_at,
	sent_at, acked_at, response_payload, error_message, created_at`

func scanCommand(row interface{ Scan(...any) error }) (*inter.Command, error) {
	var (
		c                 inter.Command
		payload, response sql.NullString
		errMsg, reqBy     sql.NullString
		sentAt, ackedAt   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.DeviceID, &c.CommandType, &payload, &c.Priority, &c.Status,
		&c.RetryCount, &c.MaxRetries, &reqBy, &c.ScheduledAt, &c.ExpiresAt,
		&sentAt, &ackedAt, &response, &errMsg, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inter.ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		c.Payload = []byte(payload.String)
	}
	if response.Valid && response.String != "" {
		c.ResponsePayload = []byte(response.String)
	}
	c.ErrorMessage = errMsg.String
	c.RequestedBy = reqBy.String
	if sentAt.Valid {
		t := sentAt.Time
		c.SentAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		c.AckedAt = &t
	}
	return &c, nil
}

func (s *LiteStore) GetCommand(ctx context.Context, id string) (*inter.Command, error) {
	return scanCommand(s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command_queue WHERE id = ?`, id))
}

func (s *LiteStore) ListCommands(ctx context.Context, deviceID string, status inter.CommandStatus, page, size int) ([]inter.Command, error) {
	offset := (page - 1) * size
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM command_queue
		WHERE (? = '' OR device_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		deviceID, deviceID, string(status), string(status), size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ClaimPendingCommands is the atomic poll: selection and transition happen
// in a single conditional UPDATE, so two concurrent agents can never claim
// the same command.
func (s *LiteStore) ClaimPendingCommands(ctx context.Context, deviceID string, limit int, now time.Time) ([]inter.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE command_queue SET status = ?, sent_at = ?
		WHERE id IN (
			SELECT id FROM command_queue
			WHERE device_id = ? AND status = ? AND scheduled_at <= ? AND expires_at > ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?
		) AND status = ?
		RETURNING `+commandColumns,
		inter.CommandSent, now.UTC(),
		deviceID, inter.CommandPending, now.UTC(), now.UTC(), limit,
		inter.CommandPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	sortClaimed(claimed)
	return claimed, nil
}

func (s *LiteStore) MarkCommandAcknowledged(ctx context.Context, id string, response []byte, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ?, acked_at = ?, response_payload = ?
		WHERE id = ? AND status = ?`,
		inter.CommandAcknowledged, at.UTC(), string(response), id, inter.CommandSent)
	return oneRowChanged(res, err)
}

func (s *LiteStore) RequeueCommandForRetry(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue
		SET status = ?, retry_count = retry_count + 1, sent_at = NULL, error_message = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries AND expires_at > ?`,
		inter.CommandPending, errMsg, id, inter.CommandSent, now.UTC())
	return oneRowChanged(res, err)
}

func (s *LiteStore) MarkCommandFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ?, acked_at = ?, error_message = ?
		WHERE id = ? AND status = ? AND retry_count >= max_retries`,
		inter.CommandFailed, at.UTC(), errMsg, id, inter.CommandSent)
	return oneRowChanged(res, err)
}

func (s *LiteStore) MarkCommandExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ?, error_message = 'deadline passed'
		WHERE id = ? AND status IN (?, ?) AND expires_at <= ?`,
		inter.CommandExpired, id, inter.CommandPending, inter.CommandSent, now.UTC())
	return oneRowChanged(res, err)
}

func (s *LiteStore) CancelCommand(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ? WHERE id = ? AND status = ?`,
		inter.CommandCancelled, id, inter.CommandPending)
	return oneRowChanged(res, err)
}

func (s *LiteStore) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ?, error_message = 'deadline passed'
		WHERE status IN (?, ?) AND expires_at <= ?`,
		inter.CommandExpired, inter.CommandPending, inter.CommandSent, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// [frame diagnostics log]

func (s *LiteStore) AppendFrame(ctx context.Context, r *inter.FrameRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frame_log (device_id, raw, outcome, detail, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.DeviceID, r.Raw, r.Outcome, r.Detail, r.ReceivedAt.UTC())
	return err
}

func (s *LiteStore) RecentFrames(ctx context.Context, deviceID string, limit int) ([]inter.FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, raw, outcome, detail, received_at
		FROM frame_log WHERE device_id = ?
		ORDER BY received_at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inter.FrameRecord
	for rows.Next() {
		var (
			r      inter.FrameRecord
			detail sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Raw, &r.Outcome, &detail, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LiteStore) PruneFrames(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM frame_log WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// helpers

func collectCommands(rows *sql.Rows) ([]inter.Command, error) {
	var out []inter.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func oneRowChanged(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func noRowsAsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}
