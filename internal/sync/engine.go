// Package sync is the UI-facing write path: every mutation updates the
// local record and enqueues itself for replay in one transaction.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/entity"
	"github.com/matheus3301/fieldsync/internal/store"
	"go.uber.org/zap"
)

// ErrNotFound is returned when updating an entity that has no local record.
var ErrNotFound = errors.New("entity not found")

// Mutation describes what a write did.
type Mutation struct {
	Kind      entity.Kind
	LocalID   string
	QueueID   string
	Action    store.Action
	Timestamp time.Time
}

// Engine applies UI mutations optimistically. It never sets synced or
// server_id; those belong to the queue manager.
type Engine struct {
	db       *store.DB
	registry *entity.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewEngine creates a new mutation engine.
func NewEngine(db *store.DB, registry *entity.Registry, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		registry: registry,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create stores a new entity under a fresh local id.
func (e *Engine) Create(ctx context.Context, kind entity.Kind, data any) (*Mutation, error) {
	return e.write(ctx, kind, e.newID(), store.ActionCreate, data)
}

// CreateWithID stores an entity under a caller-chosen local id. Saving over
// an entity the remote already knows queues an update, not a second create.
func (e *Engine) CreateWithID(ctx context.Context, kind entity.Kind, localID string, data any) (*Mutation, error) {
	if localID == "" {
		return nil, store.ErrInvalidLocalID
	}
	return e.write(ctx, kind, localID, store.ActionCreate, data)
}

// Update replaces the payload of an existing entity. If no create for it ever
// reached or is waiting for the remote, the write is queued as a create.
func (e *Engine) Update(ctx context.Context, kind entity.Kind, localID string, data any) (*Mutation, error) {
	return e.write(ctx, kind, localID, store.ActionUpdate, data)
}

// Delete removes the local record and queues the remote delete. Deleting an
// entity with no local record, never saved or already deleted, is a no-op
// and returns nil.
func (e *Engine) Delete(ctx context.Context, kind entity.Kind, localID string) (*Mutation, error) {
	spec, err := e.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	var m *Mutation
	err = e.db.Update(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, string(kind), localID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		info, err := tx.EntityQueueInfo(ctx, string(kind), localID)
		if err != nil {
			return err
		}

		m = e.newMutation(kind, localID, store.ActionDelete, info)
		if err := tx.DeleteRecord(ctx, string(kind), localID); err != nil {
			return err
		}
		return tx.Enqueue(ctx, queueEntry(m, spec.SchemaVersion, rec.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", kind, localID, err)
	}
	if m != nil {
		e.announce(m)
	}
	return m, nil
}

func (e *Engine) write(ctx context.Context, kind entity.Kind, localID string, action store.Action, data any) (*Mutation, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	version, err := e.registry.Validate(kind, payload)
	if err != nil {
		return nil, err
	}

	var m *Mutation
	err = e.db.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetRecord(ctx, string(kind), localID)
		if err != nil {
			return err
		}
		if action == store.ActionUpdate && existing == nil {
			return ErrNotFound
		}
		info, err := tx.EntityQueueInfo(ctx, string(kind), localID)
		if err != nil {
			return err
		}
		op := action
		if existing != nil {
			serverID, err := tx.ServerID(ctx, string(kind), localID)
			if err != nil {
				return err
			}
			op = remoteAction(serverID != "" || info.CreatePending)
		}

		m = e.newMutation(kind, localID, op, info)
		rec := &store.RawRecord{
			LocalID:       localID,
			Action:        op,
			Timestamp:     m.Timestamp,
			SchemaVersion: version,
			Data:          payload,
		}
		// Keep the identifier the manager attached; only synced resets.
		if existing != nil {
			rec.ServerID = existing.ServerID
		}
		if err := tx.PutRecord(ctx, string(kind), rec); err != nil {
			return err
		}
		return tx.Enqueue(ctx, queueEntry(m, version, payload))
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", action, kind, localID, err)
	}
	e.announce(m)
	return m, nil
}

// remoteAction picks the replay for a write over an existing local record:
// once the remote holds the entity, or a create for it is already queued,
// every later write replays as an update.
func remoteAction(known bool) store.Action {
	if known {
		return store.ActionUpdate
	}
	return store.ActionCreate
}

// newMutation runs inside the write transaction. The timestamp never goes
// behind the entity's newest queue entry, so per-entity replay order matches
// commit order even when the wall clock steps back.
func (e *Engine) newMutation(kind entity.Kind, localID string, action store.Action, info *store.EntityQueueInfo) *Mutation {
	ts := store.Millis(e.now())
	if info != nil && ts.Before(info.LatestAt) {
		ts = info.LatestAt
	}
	return &Mutation{
		Kind:      kind,
		LocalID:   localID,
		QueueID:   e.newID(),
		Action:    action,
		Timestamp: ts,
	}
}

func queueEntry(m *Mutation, version int, payload json.RawMessage) *store.QueueEntry {
	return &store.QueueEntry{
		OfflineRecord: store.RawRecord{
			LocalID:       m.QueueID,
			Action:        m.Action,
			Timestamp:     m.Timestamp,
			SchemaVersion: version,
			Data:          payload,
		},
		Kind:          string(m.Kind),
		EntityLocalID: m.LocalID,
	}
}

func (e *Engine) announce(m *Mutation) {
	e.logger.Debug("mutation queued",
		zap.String("kind", string(m.Kind)),
		zap.String("local_id", m.LocalID),
		zap.String("queue_id", m.QueueID),
		zap.String("action", string(m.Action)))
	if e.bus != nil {
		e.bus.Emit(bus.QueueEnqueued, bus.EntryRef{
			LocalID:       m.QueueID,
			Kind:          string(m.Kind),
			EntityLocalID: m.LocalID,
		})
	}
}
