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

// Action describes the mutation a record represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the queueable mutations.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// OfflineRecord wraps an entity payload with its local sync metadata.
type OfflineRecord[T any] struct {
	LocalID       string    `json:"localId"`
	ServerID      string    `json:"serverId,omitempty"`
	Action        Action    `json:"action"`
	Timestamp     time.Time `json:"timestamp"`
	Synced        bool      `json:"synced"`
	SchemaVersion int       `json:"schemaVersion"`
	Data          T         `json:"data"`
}

// RawRecord is an OfflineRecord whose payload is still encoded.
type RawRecord = OfflineRecord[json.RawMessage]

// Millis truncates t to the millisecond precision the store persists.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

const recordColumns = `local_id, server_id, op, timestamp, synced, schema_version, payload`

func scanRecord(sc scanner) (*RawRecord, error) {
	var (
		r        RawRecord
		serverID sql.NullString
		action   string
		ts       int64
		payload  []byte
	)
	if err := sc.Scan(&r.LocalID, &serverID, &action, &ts, &r.Synced, &r.SchemaVersion, &payload); err != nil {
		return nil, err
	}
	r.ServerID = serverID.String
	r.Action = Action(action)
	r.Timestamp = time.UnixMilli(ts)
	r.Data = json.RawMessage(payload)
	return &r, nil
}

func putRecord(ctx context.Context, q querier, partition string, rec *RawRecord) error {
	if strings.TrimSpace(partition) == "" {
		return ErrInvalidPartition
	}
	if rec.LocalID == "" {
		return ErrInvalidLocalID
	}
	if !rec.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, rec.Action)
	}
	payload := []byte(rec.Data)
	if payload == nil {
		payload = []byte("null")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (partition_name, local_id, server_id, op, timestamp, synced, schema_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition_name, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			op = excluded.op,
			timestamp = excluded.timestamp,
			synced = excluded.synced,
			schema_version = excluded.schema_version,
			payload = excluded.payload`,
		partition, rec.LocalID, nullString(rec.ServerID), string(rec.Action),
		rec.Timestamp.UnixMilli(), rec.Synced, rec.SchemaVersion, payload)
	return err
}

func getRecord(ctx context.Context, q querier, partition, localID string) (*RawRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE partition_name = ? AND local_id = ?`, partition, localID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// PutRecord writes rec into partition, replacing any record with the same local id.
func (t *Tx) PutRecord(ctx context.Context, partition string, rec *RawRecord) error {
	return putRecord(ctx, t.tx, partition, rec)
}

// GetRecord reads a record inside the transaction. Returns nil if missing.
func (t *Tx) GetRecord(ctx context.Context, partition, localID string) (*RawRecord, error) {
	return getRecord(ctx, t.tx, partition, localID)
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (t *Tx) DeleteRecord(ctx context.Context, partition, localID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE partition_name = ? AND local_id = ?`, partition, localID)
	return err
}

// GetRecord returns the raw record stored at localID, or nil if there is none.
func (db *DB) GetRecord(ctx context.Context, partition, localID string) (*RawRecord, error) {
	r, err := getRecord(ctx, db.DB, partition, localID)
	return r, wrapErr("get", partition, err)
}

// ListRecords returns every raw record in partition. Order is unspecified.
func (db *DB) ListRecords(ctx context.Context, partition string) ([]RawRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE partition_name = ?`, partition)
	if err != nil {
		return nil, wrapErr("list", partition, err)
	}
	defer func() { _ = rows.Close() }()

	var records []RawRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, wrapErr("list", partition, err)
		}
		records = append(records, *r)
	}
	return records, wrapErr("list", partition, rows.Err())
}

// RecordCount returns the number of records in partition.
func (db *DB) RecordCount(ctx context.Context, partition string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE partition_name = ?`, partition).Scan(&count)
	return count, wrapErr("count", partition, err)
}

// Partition is a typed view over one named partition of the records table.
type Partition[T any] struct {
	db      *DB
	name    string
	version int
	now     func() time.Time
}

// NewPartition returns a partition whose payloads are encoded as T at the
// given schema version.
func NewPartition[T any](db *DB, name string, version int) (*Partition[T], error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidPartition
	}
	if version <= 0 {
		version = 1
	}
	return &Partition[T]{db: db, name: name, version: version, now: time.Now}, nil
}

// Name returns the partition name.
func (p *Partition[T]) Name() string {
	return p.name
}

// Save wraps data in a fresh create record and persists it at localID,
// overwriting whatever was there.
func (p *Partition[T]) Save(ctx context.Context, data T, localID string) (*OfflineRecord[T], error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", p.name, err)
	}
	raw := &RawRecord{
		LocalID:       localID,
		Action:        ActionCreate,
		Timestamp:     Millis(p.now()),
		SchemaVersion: p.version,
		Data:          payload,
	}
	err = p.db.Update(ctx, func(tx *Tx) error {
		return tx.PutRecord(ctx, p.name, raw)
	})
	if err != nil {
		return nil, wrapErr("save", p.name, err)
	}
	return &OfflineRecord[T]{
		LocalID:       raw.LocalID,
		Action:        raw.Action,
		Timestamp:     raw.Timestamp,
		SchemaVersion: raw.SchemaVersion,
		Data:          data,
	}, nil
}

// Get returns the record at localID, or nil if there is none.
func (p *Partition[T]) Get(ctx context.Context, localID string) (*OfflineRecord[T], error) {
	raw, err := p.db.GetRecord(ctx, p.name, localID)
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeRecord[T](raw, p.name, p.version)
}

// GetAll returns every record in the partition. Order is unspecified.
func (p *Partition[T]) GetAll(ctx context.Context) ([]OfflineRecord[T], error) {
	raws, err := p.db.ListRecords(ctx, p.name)
	if err != nil {
		return nil, err
	}
	out := make([]OfflineRecord[T], 0, len(raws))
	for i := range raws {
		rec, err := decodeRecord[T](&raws[i], p.name, p.version)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Delete removes the record at localID. Missing records are not an error.
func (p *Partition[T]) Delete(ctx context.Context, localID string) error {
	err := p.db.Update(ctx, func(tx *Tx) error {
		return tx.DeleteRecord(ctx, p.name, localID)
	})
	return wrapErr("delete", p.name, err)
}

// Clear removes every record in the partition.
func (p *Partition[T]) Clear(ctx context.Context) error {
	err := p.db.Update(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `DELETE FROM records WHERE partition_name = ?`, p.name)
		return err
	})
	return wrapErr("clear", p.name, err)
}

func decodeRecord[T any](raw *RawRecord, partition string, version int) (*OfflineRecord[T], error) {
	if raw.SchemaVersion > version {
		return nil, &StorageError{
			Op:        "decode",
			Partition: partition,
			Err:       fmt.Errorf("%w: %s has v%d, reader is v%d", ErrSchemaTooNew, raw.LocalID, raw.SchemaVersion, version),
		}
	}
	rec := &OfflineRecord[T]{
		LocalID:       raw.LocalID,
		ServerID:      raw.ServerID,
		Action:        raw.Action,
		Timestamp:     raw.Timestamp,
		Synced:        raw.Synced,
		SchemaVersion: raw.SchemaVersion,
	}
	if err := json.Unmarshal(raw.Data, &rec.Data); err != nil {
		return nil, &StorageError{Op: "decode", Partition: partition, Err: err}
	}
	return rec, nil
}
