package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/cache"
	"github.com/matheus3301/fieldsync/internal/entity"
	"github.com/matheus3301/fieldsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Queue is the part of *outbox.Manager the control service drives.
type Queue interface {
	Drain(ctx context.Context) (*bus.DrainResult, error)
	RetryFailed(ctx context.Context, localIDs ...string) (int64, error)
	Abandon(ctx context.Context, localID string) (bool, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// OnlineChecker is satisfied by *connectivity.Monitor.
type OnlineChecker interface {
	IsOnline() bool
}

// Service implements SyncControlServer.
type Service struct {
	reporter *Reporter
	queue    Queue
	online   OnlineChecker
	engine   Mutator
	registry *entity.Registry
	db       *store.DB
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewService wires the control service. A nil engine or registry disables
// the entity RPCs; a nil cache disables the video ones.
func NewService(reporter *Reporter, queue Queue, online OnlineChecker, engine Mutator, registry *entity.Registry, db *store.DB, c *cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reporter: reporter,
		queue:    queue,
		online:   online,
		engine:   engine,
		registry: registry,
		db:       db,
		cache:    c,
		logger:   logger,
	}
}

var _ SyncControlServer = (*Service)(nil)

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.reporter.Snapshot(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(st)
}

func (s *Service) Drain(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.online != nil && !s.online.IsOnline() {
		return nil, grpcstatus.Error(codes.Unavailable, "offline: drain deferred until reconnection")
	}
	res, err := s.queue.Drain(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(res)
}

func (s *Service) ListFailed(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	entries, err := s.db.FailedQueue(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	out := make([]FailedEntry, len(entries))
	for i, e := range entries {
		out[i] = FailedEntry{
			LocalID:       e.LocalID,
			Kind:          e.Kind,
			EntityLocalID: e.EntityLocalID,
			Action:        e.Action,
			Timestamp:     e.Timestamp,
			Attempts:      e.Attempts,
			LastError:     e.LastError,
		}
	}
	l, err := EncodeList(out)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	return l, nil
}

func (s *Service) RetryFailed(ctx context.Context, in *structpb.ListValue) (*wrapperspb.Int64Value, error) {
	var ids []string
	for _, v := range in.GetValues() {
		id := v.GetStringValue()
		if id == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "queue entry ids must be non-empty strings")
		}
		ids = append(ids, id)
	}
	n, err := s.queue.RetryFailed(ctx, ids...)
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.Int64(n), nil
}

func (s *Service) Abandon(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "queue entry id is required")
	}
	ok, err := s.queue.Abandon(ctx, in.GetValue())
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Service) PruneSynced(ctx context.Context, in *durationpb.Duration) (*wrapperspb.Int64Value, error) {
	if err := in.CheckValid(); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "age: %v", err)
	}
	age := in.AsDuration()
	if age < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "age must not be negative")
	}
	n, err := s.queue.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.Int64(n), nil
}

func (s *Service) CacheStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.cache == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "content cache not configured")
	}
	entries, err := s.cache.Entries(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	st := CacheStats{Budget: s.cache.Budget(), Count: len(entries)}
	for _, e := range entries {
		st.Bytes += e.Size
	}
	if len(entries) > 0 {
		st.Oldest = entries[0].CachedAt
	}
	return encode(st)
}

func (s *Service) ClearCache(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if s.cache == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "content cache not configured")
	}
	if err := s.cache.ClearCache(ctx); err != nil {
		return nil, rpcError(err)
	}
	s.logger.Info("content cache cleared via control socket")
	return &emptypb.Empty{}, nil
}

func encode(v any) (*structpb.Struct, error) {
	st, err := EncodeStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	return st, nil
}

func rpcError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	if mapped := entityError(err); mapped != nil {
		return mapped
	}
	if errors.Is(err, store.ErrInvalidLocalID) || errors.Is(err, store.ErrInvalidAction) {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
