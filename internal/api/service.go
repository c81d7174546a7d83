// Package api exposes the daemon's sync controls over gRPC.
//
// There is no generated code: the service is described by hand and every
// message is a protobuf well-known type, so clients only need the method
// names below.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "fieldsync.v1.SyncControl"

// Method names.
const (
	MethodGetStatus   = "GetStatus"
	MethodDrain       = "Drain"
	MethodListFailed  = "ListFailed"
	MethodRetryFailed = "RetryFailed"
	MethodAbandon     = "Abandon"
	MethodPruneSynced = "PruneSynced"
	MethodCacheStats  = "CacheStats"
	MethodClearCache  = "ClearCache"

	MethodSaveEntity   = "SaveEntity"
	MethodUpdateEntity = "UpdateEntity"
	MethodDeleteEntity = "DeleteEntity"
	MethodGetEntity    = "GetEntity"
	MethodListEntities = "ListEntities"
	MethodEnsureVideo  = "EnsureVideo"
	MethodGetVideo     = "GetVideo"
)

// FullMethod returns the gRPC path for a method name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// SyncControlServer is implemented by *Service.
type SyncControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Drain(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListFailed(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// RetryFailed takes a list of queue entry ids; an empty list retries all.
	RetryFailed(context.Context, *structpb.ListValue) (*wrapperspb.Int64Value, error)
	Abandon(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	// PruneSynced removes synced entries older than the given age.
	PruneSynced(context.Context, *durationpb.Duration) (*wrapperspb.Int64Value, error)
	CacheStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ClearCache(context.Context, *emptypb.Empty) (*emptypb.Empty, error)

	// Entity writes go through the mutation engine: local record and queue
	// entry in one transaction. Requests and results are EntityRequest,
	// MutationResult and EntityRecord encoded as Structs.
	SaveEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListEntities takes the entity kind.
	ListEntities(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	EnsureVideo(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetVideo(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

// Register adds the SyncControl service to s.
func Register(s grpc.ServiceRegistrar, srv SyncControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, SyncControlServer.GetStatus),
		unary(MethodDrain, SyncControlServer.Drain),
		unary(MethodListFailed, SyncControlServer.ListFailed),
		unary(MethodRetryFailed, SyncControlServer.RetryFailed),
		unary(MethodAbandon, SyncControlServer.Abandon),
		unary(MethodPruneSynced, SyncControlServer.PruneSynced),
		unary(MethodCacheStats, SyncControlServer.CacheStats),
		unary(MethodClearCache, SyncControlServer.ClearCache),
		unary(MethodSaveEntity, SyncControlServer.SaveEntity),
		unary(MethodUpdateEntity, SyncControlServer.UpdateEntity),
		unary(MethodDeleteEntity, SyncControlServer.DeleteEntity),
		unary(MethodGetEntity, SyncControlServer.GetEntity),
		unary(MethodListEntities, SyncControlServer.ListEntities),
		unary(MethodEnsureVideo, SyncControlServer.EnsureVideo),
		unary(MethodGetVideo, SyncControlServer.GetVideo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldsync/v1/sync_control.proto",
}

// unary builds the handler protoc-gen-go-grpc would generate for one method.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(SyncControlServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SyncControlServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(PReq))
			})
		},
	}
}
