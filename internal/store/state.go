package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastDrain = "last_drain_at"
	CheckpointLastPrune = "last_prune_at"
)

// SetCheckpoint stores a named sync-state value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return wrapErr("set_checkpoint", "sync_state", err)
}

// Checkpoint returns a sync-state value, or "" if it was never set.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, wrapErr("checkpoint", "sync_state", err)
}

// SetTimeCheckpoint stores t as unix milliseconds.
func (db *DB) SetTimeCheckpoint(ctx context.Context, key string, t time.Time) error {
	return db.SetCheckpoint(ctx, key, strconv.FormatInt(t.UnixMilli(), 10))
}

// TimeCheckpoint reads a checkpoint written by SetTimeCheckpoint. The zero
// time means unset.
func (db *DB) TimeCheckpoint(ctx context.Context, key string) (time.Time, error) {
	v, err := db.Checkpoint(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, wrapErr("checkpoint", "sync_state", err)
	}
	return time.UnixMilli(ms), nil
}
