package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueEntry is one pending mutation. Its LocalID identifies the entry itself
// and is sent to the remote as the idempotency key; EntityLocalID names the
// record in the Kind partition that the mutation applies to.
type QueueEntry struct {
	OfflineRecord[json.RawMessage]
	Kind          string    `json:"kind"`
	EntityLocalID string    `json:"entityLocalId"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	Failed        bool      `json:"failed"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

const queueColumns = `local_id, kind, entity_local_id, server_id, op, timestamp, synced,
	schema_version, payload, attempts, last_error, failed, updated_at`

func scanQueueEntry(sc scanner) (*QueueEntry, error) {
	var (
		e         QueueEntry
		serverID  sql.NullString
		action    string
		ts        int64
		payload   []byte
		updatedAt int64
	)
	err := sc.Scan(&e.LocalID, &e.Kind, &e.EntityLocalID, &serverID, &action, &ts, &e.Synced,
		&e.SchemaVersion, &payload, &e.Attempts, &e.LastError, &e.Failed, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.ServerID = serverID.String
	e.Action = Action(action)
	e.Timestamp = time.UnixMilli(ts)
	e.Data = json.RawMessage(payload)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return &e, nil
}

func getQueueEntry(ctx context.Context, q querier, localID string) (*QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE local_id = ?`, localID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func listQueue(ctx context.Context, q querier, where string, args ...any) ([]QueueEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE `+where+` ORDER BY timestamp ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Enqueue appends a mutation to the sync queue. Entries are always written
// unsynced; only MarkAsSynced flips that flag.
func (t *Tx) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.LocalID == "" || e.EntityLocalID == "" {
		return ErrInvalidLocalID
	}
	if strings.TrimSpace(e.Kind) == "" {
		return ErrInvalidPartition
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Action)
	}
	now := time.Now().UnixMilli()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_queue (local_id, kind, entity_local_id, server_id, op, timestamp, synced,
			schema_version, payload, attempts, last_error, failed, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, 0, ?, ?, 0, '', 0, ?)`,
		e.LocalID, e.Kind, e.EntityLocalID, string(e.Action), e.Timestamp.UnixMilli(),
		e.SchemaVersion, []byte(e.Data), now)
	return err
}

// EntityQueueInfo summarizes one entity's queue entries as seen inside a
// write transaction.
type EntityQueueInfo struct {
	Entries int
	// LatestAt is the newest entry timestamp, zero when Entries is 0.
	LatestAt time.Time
	// CreatePending is set while a create for the entity awaits replay.
	CreatePending bool
}

// EntityQueueInfo returns the queue summary for an entity, in any state.
func (t *Tx) EntityQueueInfo(ctx context.Context, kind, entityLocalID string) (*EntityQueueInfo, error) {
	var (
		n, creates int
		latest     int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(timestamp), 0),
			COALESCE(SUM(CASE WHEN op = 'create' AND synced = 0 THEN 1 ELSE 0 END), 0)
		FROM sync_queue WHERE kind = ? AND entity_local_id = ?`,
		kind, entityLocalID).Scan(&n, &latest, &creates)
	if err != nil {
		return nil, err
	}
	info := &EntityQueueInfo{Entries: n, CreatePending: creates > 0}
	if n > 0 {
		info.LatestAt = time.UnixMilli(latest)
	}
	return info, nil
}

// GetQueueEntry returns the queue entry with the given id, or nil if it is gone.
func (db *DB) GetQueueEntry(ctx context.Context, localID string) (*QueueEntry, error) {
	e, err := getQueueEntry(ctx, db.DB, localID)
	return e, wrapErr("get", "sync_queue", err)
}

// PendingQueue returns unsynced, non-failed entries in replay order.
func (db *DB) PendingQueue(ctx context.Context) ([]QueueEntry, error) {
	entries, err := listQueue(ctx, db.DB, `synced = 0 AND failed = 0`)
	return entries, wrapErr("pending", "sync_queue", err)
}

// FailedQueue returns entries the remote rejected permanently, oldest first.
func (db *DB) FailedQueue(ctx context.Context) ([]QueueEntry, error) {
	entries, err := listQueue(ctx, db.DB, `synced = 0 AND failed = 1`)
	return entries, wrapErr("failed", "sync_queue", err)
}

// EntityQueue returns every entry for one entity, in replay order.
func (db *DB) EntityQueue(ctx context.Context, kind, entityLocalID string) ([]QueueEntry, error) {
	entries, err := listQueue(ctx, db.DB, `kind = ? AND entity_local_id = ?`, kind, entityLocalID)
	return entries, wrapErr("entity", "sync_queue", err)
}

// UnsyncedCount returns the number of entries not yet confirmed by the remote,
// failed entries included.
func (db *DB) UnsyncedCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE synced = 0`).Scan(&n)
	return n, wrapErr("count", "sync_queue", err)
}

// FailedCount returns the number of permanently failed entries.
func (db *DB) FailedCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE synced = 0 AND failed = 1`).Scan(&n)
	return n, wrapErr("count", "sync_queue", err)
}

// EntityBlocked reports whether the entity has a failed entry that must be
// resolved before any later mutation of it is replayed.
func (db *DB) EntityBlocked(ctx context.Context, kind, entityLocalID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE kind = ? AND entity_local_id = ? AND synced = 0 AND failed = 1`,
		kind, entityLocalID).Scan(&n)
	return n > 0, wrapErr("blocked", "sync_queue", err)
}

// MarkAsSynced records a successful replay. A missing entry is a no-op.
// The server id is remembered in id_map and copied onto the entity record,
// which is flagged synced only if no later mutation of it is still pending.
func (db *DB) MarkAsSynced(ctx context.Context, localID, serverID string) error {
	if serverID == "" {
		return &StorageError{Op: "mark_synced", Partition: "sync_queue", Err: ErrEmptyServerID}
	}
	err := db.Update(ctx, func(tx *Tx) error {
		e, err := getQueueEntry(ctx, tx.tx, localID)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		now := time.Now().UnixMilli()
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE sync_queue SET synced = 1, server_id = ?, failed = 0, last_error = '', updated_at = ? WHERE local_id = ?`,
			serverID, now, localID); err != nil {
			return err
		}
		if err := putServerID(ctx, tx.tx, e.Kind, e.EntityLocalID, serverID); err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE records SET
				server_id = ?,
				synced = CASE WHEN NOT EXISTS (
					SELECT 1 FROM sync_queue WHERE kind = ? AND entity_local_id = ? AND synced = 0
				) THEN 1 ELSE synced END
			WHERE partition_name = ? AND local_id = ?`,
			serverID, e.Kind, e.EntityLocalID, e.Kind, e.EntityLocalID)
		return err
	})
	return wrapErr("mark_synced", "sync_queue", err)
}

// RecordAttempt notes a retryable failure. The entry stays pending.
func (db *DB) RecordAttempt(ctx context.Context, localID, reason string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE local_id = ? AND synced = 0`,
		reason, time.Now().UnixMilli(), localID)
	return wrapErr("record_attempt", "sync_queue", err)
}

// MarkFailed flags an entry as permanently rejected. It is kept for the operator.
func (db *DB) MarkFailed(ctx context.Context, localID, reason string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, failed = 1, last_error = ?, updated_at = ? WHERE local_id = ? AND synced = 0`,
		reason, time.Now().UnixMilli(), localID)
	return wrapErr("mark_failed", "sync_queue", err)
}

// RetryFailed moves failed entries back to pending. With no ids every failed
// entry is reset. Returns the number of entries reset.
func (db *DB) RetryFailed(ctx context.Context, localIDs ...string) (int64, error) {
	var total int64
	err := db.Update(ctx, func(tx *Tx) error {
		const q = `UPDATE sync_queue SET failed = 0, attempts = 0, updated_at = ? WHERE synced = 0 AND failed = 1`
		now := time.Now().UnixMilli()
		if len(localIDs) == 0 {
			res, err := tx.tx.ExecContext(ctx, q, now)
			if err != nil {
				return err
			}
			total, err = res.RowsAffected()
			return err
		}
		for _, id := range localIDs {
			res, err := tx.tx.ExecContext(ctx, q+` AND local_id = ?`, now, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("retry_failed", "sync_queue", err)
	}
	return total, nil
}

// AbandonQueueEntry drops an unsynced entry without replaying it. Returns
// false if there was nothing to abandon.
func (db *DB) AbandonQueueEntry(ctx context.Context, localID string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE local_id = ? AND synced = 0`, localID)
	if err != nil {
		return false, wrapErr("abandon", "sync_queue", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrapErr("abandon", "sync_queue", err)
}

// PruneSynced deletes synced entries last updated before the cutoff.
// Entity records are untouched.
func (db *DB) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE synced = 1 AND updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, wrapErr("prune", "sync_queue", err)
	}
	n, err := res.RowsAffected()
	return n, wrapErr("prune", "sync_queue", err)
}

// ClearQueue removes every queue entry regardless of state.
func (db *DB) ClearQueue(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_queue`)
	return wrapErr("clear", "sync_queue", err)
}
