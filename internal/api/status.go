package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/fieldsync/internal/connectivity"
	"github.com/matheus3301/fieldsync/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the snapshot served by GetStatus and pushed on the signal feed.
type Status struct {
	Profile string `json:"profile"`
	connectivity.Signals
	Pending     int64     `json:"pending"`
	Failed      int64     `json:"failed"`
	CacheBytes  int64     `json:"cacheBytes"`
	CacheBudget int64     `json:"cacheBudget"`
	LastDrainAt time.Time `json:"lastDrainAt"`
	UptimeMs    int64     `json:"uptimeMs"`
}

// Frame is one message on the daemon's /signals WebSocket feed.
type Frame struct {
	// Event is the bus event kind that caused the push, "hello" or "tick".
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
	Status *Status   `json:"status"`
}

// FailedEntry is one row of ListFailed.
type FailedEntry struct {
	LocalID       string       `json:"localId"`
	Kind          string       `json:"kind"`
	EntityLocalID string       `json:"entityLocalId"`
	Action        store.Action `json:"action"`
	Timestamp     time.Time    `json:"timestamp"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"lastError"`
}

// CacheStats is the CacheStats response.
type CacheStats struct {
	Bytes  int64     `json:"bytes"`
	Budget int64     `json:"budget"`
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest"`
}

// SignalSource is satisfied by *connectivity.Monitor.
type SignalSource interface {
	Signals() connectivity.Signals
}

// CacheInfo is satisfied by *cache.Cache.
type CacheInfo interface {
	GetCacheSize(ctx context.Context) (int64, error)
	Budget() int64
}

// Reporter assembles Status snapshots.
type Reporter struct {
	profile   string
	startedAt time.Time
	signals   SignalSource
	db        *store.DB
	cache     CacheInfo
}

func NewReporter(profile string, signals SignalSource, db *store.DB, cache CacheInfo) *Reporter {
	return &Reporter{
		profile:   profile,
		startedAt: time.Now(),
		signals:   signals,
		db:        db,
		cache:     cache,
	}
}

// Snapshot reads the current status. Storage errors are returned; the
// connectivity part never fails.
func (r *Reporter) Snapshot(ctx context.Context) (*Status, error) {
	st := &Status{
		Profile:  r.profile,
		Signals:  r.signals.Signals(),
		UptimeMs: time.Since(r.startedAt).Milliseconds(),
	}
	var err error
	if st.Pending, err = r.db.UnsyncedCount(ctx); err != nil {
		return nil, err
	}
	if st.Failed, err = r.db.FailedCount(ctx); err != nil {
		return nil, err
	}
	if st.LastDrainAt, err = r.db.TimeCheckpoint(ctx, store.CheckpointLastDrain); err != nil {
		return nil, err
	}
	if r.cache != nil {
		if st.CacheBytes, err = r.cache.GetCacheSize(ctx); err != nil {
			return nil, err
		}
		st.CacheBudget = r.cache.Budget()
	}
	return st, nil
}

// EncodeStruct converts a JSON-tagged value into a protobuf Struct.
func EncodeStruct(v any) (*structpb.Struct, error) {
	var m map[string]any
	if err := roundTrip(v, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// DecodeStruct fills v from a Struct produced by EncodeStruct.
func DecodeStruct(s *structpb.Struct, v any) error {
	return roundTrip(s.AsMap(), v)
}

// EncodeList converts a JSON-tagged slice into a protobuf ListValue.
func EncodeList(v any) (*structpb.ListValue, error) {
	var items []any
	if err := roundTrip(v, &items); err != nil {
		return nil, err
	}
	return structpb.NewList(items)
}

// DecodeList fills v from a ListValue produced by EncodeList.
func DecodeList(l *structpb.ListValue, v any) error {
	return roundTrip(l.AsSlice(), v)
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
