package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/fieldsync/internal/cache"
	"github.com/matheus3301/fieldsync/internal/entity"
	"github.com/matheus3301/fieldsync/internal/remote"
	"github.com/matheus3301/fieldsync/internal/store"
	syncengine "github.com/matheus3301/fieldsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Mutator is the UI write path. *sync.Engine satisfies it.
type Mutator interface {
	Create(ctx context.Context, kind entity.Kind, data any) (*syncengine.Mutation, error)
	CreateWithID(ctx context.Context, kind entity.Kind, localID string, data any) (*syncengine.Mutation, error)
	Update(ctx context.Context, kind entity.Kind, localID string, data any) (*syncengine.Mutation, error)
	Delete(ctx context.Context, kind entity.Kind, localID string) (*syncengine.Mutation, error)
}

// EntityRequest addresses one entity. Data is the JSON payload for writes.
type EntityRequest struct {
	Kind    entity.Kind     `json:"kind"`
	LocalID string          `json:"localId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MutationResult reports what a write queued. Queued is false when a delete
// had nothing to remove.
type MutationResult struct {
	Queued    bool         `json:"queued"`
	Kind      entity.Kind  `json:"kind"`
	LocalID   string       `json:"localId"`
	QueueID   string       `json:"queueId,omitempty"`
	Action    store.Action `json:"action,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EntityRecord is a stored entity with its sync metadata.
type EntityRecord struct {
	Kind          entity.Kind     `json:"kind"`
	LocalID       string          `json:"localId"`
	ServerID      string          `json:"serverId,omitempty"`
	Action        store.Action    `json:"action"`
	Timestamp     time.Time       `json:"timestamp"`
	Synced        bool            `json:"synced"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// VideoInfo describes a video held by the cache.
type VideoInfo struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

func (s *Service) SaveEntity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.entityRequest(in, true)
	if err != nil {
		return nil, err
	}
	var m *syncengine.Mutation
	if req.LocalID == "" {
		m, err = s.engine.Create(ctx, req.Kind, req.Data)
	} else {
		m, err = s.engine.CreateWithID(ctx, req.Kind, req.LocalID, req.Data)
	}
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(mutationResult(req, m))
}

func (s *Service) UpdateEntity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.entityRequest(in, true)
	if err != nil {
		return nil, err
	}
	if req.LocalID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "localId is required")
	}
	m, err := s.engine.Update(ctx, req.Kind, req.LocalID, req.Data)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(mutationResult(req, m))
}

func (s *Service) DeleteEntity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.entityRequest(in, false)
	if err != nil {
		return nil, err
	}
	if req.LocalID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "localId is required")
	}
	m, err := s.engine.Delete(ctx, req.Kind, req.LocalID)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(mutationResult(req, m))
}

func (s *Service) GetEntity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.entityRequest(in, false)
	if err != nil {
		return nil, err
	}
	if req.LocalID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "localId is required")
	}
	p, err := entity.OpenPartition[json.RawMessage](s.db, s.registry, req.Kind)
	if err != nil {
		return nil, rpcError(err)
	}
	rec, err := p.Get(ctx, req.LocalID)
	if err != nil {
		return nil, rpcError(err)
	}
	if rec == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "%s %s not found", req.Kind, req.LocalID)
	}
	return encode(entityRecord(req.Kind, rec))
}

func (s *Service) ListEntities(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	kind := entity.Kind(in.GetValue())
	if kind == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "kind is required")
	}
	if s.registry == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "entity registry not configured")
	}
	p, err := entity.OpenPartition[json.RawMessage](s.db, s.registry, kind)
	if err != nil {
		return nil, rpcError(err)
	}
	recs, err := p.GetAll(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	out := make([]EntityRecord, len(recs))
	for i := range recs {
		out[i] = entityRecord(kind, &recs[i])
	}
	l, err := EncodeList(out)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	return l, nil
}

// EnsureVideo makes a video available offline, downloading it if needed, and
// applies the cache budget.
func (s *Service) EnsureVideo(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.cache == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "content cache not configured")
	}
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "video id is required")
	}
	blob, err := s.cache.EnsureCached(ctx, in.GetValue())
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(VideoInfo{ID: in.GetValue(), Size: int64(len(blob))})
}

// GetVideo returns a cached video. It never downloads.
func (s *Service) GetVideo(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.cache == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "content cache not configured")
	}
	blob, err := s.cache.GetVideo(ctx, in.GetValue())
	if err != nil {
		return nil, rpcError(err)
	}
	if blob == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "video %s is not cached", in.GetValue())
	}
	return wrapperspb.Bytes(blob), nil
}

func (s *Service) entityRequest(in *structpb.Struct, needData bool) (*EntityRequest, error) {
	if s.engine == nil || s.registry == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "entity writes not configured")
	}
	var req EntityRequest
	if err := DecodeStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.Kind == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "kind is required")
	}
	if needData && len(req.Data) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "data is required")
	}
	return &req, nil
}

func mutationResult(req *EntityRequest, m *syncengine.Mutation) MutationResult {
	if m == nil {
		return MutationResult{Kind: req.Kind, LocalID: req.LocalID}
	}
	return MutationResult{
		Queued:    true,
		Kind:      m.Kind,
		LocalID:   m.LocalID,
		QueueID:   m.QueueID,
		Action:    m.Action,
		Timestamp: m.Timestamp,
	}
}

func entityRecord(kind entity.Kind, r *store.OfflineRecord[json.RawMessage]) EntityRecord {
	return EntityRecord{
		Kind:          kind,
		LocalID:       r.LocalID,
		ServerID:      r.ServerID,
		Action:        r.Action,
		Timestamp:     r.Timestamp,
		Synced:        r.Synced,
		SchemaVersion: r.SchemaVersion,
		Data:          r.Data,
	}
}

// entityError maps errors of the entity and video RPCs, or returns nil.
func entityError(err error) error {
	var (
		ve *entity.ValidationError
		re *remote.Error
	)
	switch {
	case errors.As(err, &ve), errors.Is(err, entity.ErrUnknownKind):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, syncengine.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrSchemaTooNew):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrCorrupt):
		return grpcstatus.Error(codes.DataLoss, err.Error())
	case errors.As(err, &re) && re.StatusCode == http.StatusNotFound:
		return grpcstatus.Error(codes.NotFound, err.Error())
	case remote.IsRetryable(err):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return nil
}
