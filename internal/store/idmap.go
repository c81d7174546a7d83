package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func putServerID(ctx context.Context, q querier, kind, localID, serverID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO id_map (kind, local_id, server_id, mapped_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, local_id) DO UPDATE SET server_id = excluded.server_id, mapped_at = excluded.mapped_at`,
		kind, localID, serverID, time.Now().UnixMilli())
	return err
}

func serverID(ctx context.Context, q querier, kind, localID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT server_id FROM id_map WHERE kind = ? AND local_id = ?`, kind, localID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ServerID returns the identifier the remote assigned to an entity, or "" if
// it was never synced.
func (db *DB) ServerID(ctx context.Context, kind, localID string) (string, error) {
	id, err := serverID(ctx, db.DB, kind, localID)
	return id, wrapErr("server_id", kind, err)
}

// ServerID is the in-transaction form of DB.ServerID.
func (t *Tx) ServerID(ctx context.Context, kind, localID string) (string, error) {
	return serverID(ctx, t.tx, kind, localID)
}
