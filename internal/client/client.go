// Package client talks to a running fieldsyncd over its control socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/entity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxVideoBytes bounds a GetVideo response.
const maxVideoBytes = 1 << 30

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy: errors
// from an absent daemon surface on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxVideoBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, api.FullMethod(method), in, out)
}

func (c *Client) GetStatus(ctx context.Context) (*api.Status, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var st api.Status
	if err := api.DecodeStruct(out, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Drain asks the daemon to replay the queue now and waits for the result.
func (c *Client) Drain(ctx context.Context) (*bus.DrainResult, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodDrain, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var res bus.DrainResult
	if err := api.DecodeStruct(out, &res); err != nil {
		return nil, fmt.Errorf("decode drain result: %w", err)
	}
	return &res, nil
}

func (c *Client) ListFailed(ctx context.Context) ([]api.FailedEntry, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, api.MethodListFailed, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var entries []api.FailedEntry
	if err := api.DecodeList(out, &entries); err != nil {
		return nil, fmt.Errorf("decode failed entries: %w", err)
	}
	return entries, nil
}

// RetryFailed re-queues the given failed entries, or all of them when ids is
// empty, and returns how many were re-queued.
func (c *Client) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	in := &structpb.ListValue{}
	for _, id := range ids {
		in.Values = append(in.Values, structpb.NewStringValue(id))
	}
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, api.MethodRetryFailed, in, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) Abandon(ctx context.Context, id string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, api.MethodAbandon, wrapperspb.String(id), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// PruneSynced removes synced entries older than age.
func (c *Client) PruneSynced(ctx context.Context, age time.Duration) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, api.MethodPruneSynced, durationpb.New(age), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) CacheStats(ctx context.Context) (*api.CacheStats, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodCacheStats, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var st api.CacheStats
	if err := api.DecodeStruct(out, &st); err != nil {
		return nil, fmt.Errorf("decode cache stats: %w", err)
	}
	return &st, nil
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.invoke(ctx, api.MethodClearCache, &emptypb.Empty{}, new(emptypb.Empty))
}

// SaveEntity stores data as an entity of kind. An empty localID lets the
// daemon pick one. Saving over a known entity queues an update.
func (c *Client) SaveEntity(ctx context.Context, kind entity.Kind, localID string, data any) (*api.MutationResult, error) {
	return c.mutate(ctx, api.MethodSaveEntity, kind, localID, data)
}

func (c *Client) UpdateEntity(ctx context.Context, kind entity.Kind, localID string, data any) (*api.MutationResult, error) {
	return c.mutate(ctx, api.MethodUpdateEntity, kind, localID, data)
}

// DeleteEntity removes an entity. The result has Queued false when there was
// nothing to delete.
func (c *Client) DeleteEntity(ctx context.Context, kind entity.Kind, localID string) (*api.MutationResult, error) {
	return c.mutate(ctx, api.MethodDeleteEntity, kind, localID, nil)
}

func (c *Client) mutate(ctx context.Context, method string, kind entity.Kind, localID string, data any) (*api.MutationResult, error) {
	in, err := entityRequest(kind, localID, data)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	var res api.MutationResult
	if err := api.DecodeStruct(out, &res); err != nil {
		return nil, fmt.Errorf("decode mutation: %w", err)
	}
	return &res, nil
}

func (c *Client) GetEntity(ctx context.Context, kind entity.Kind, localID string) (*api.EntityRecord, error) {
	in, err := entityRequest(kind, localID, nil)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodGetEntity, in, out); err != nil {
		return nil, err
	}
	var rec api.EntityRecord
	if err := api.DecodeStruct(out, &rec); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &rec, nil
}

func (c *Client) ListEntities(ctx context.Context, kind entity.Kind) ([]api.EntityRecord, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, api.MethodListEntities, wrapperspb.String(string(kind)), out); err != nil {
		return nil, err
	}
	var recs []api.EntityRecord
	if err := api.DecodeList(out, &recs); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return recs, nil
}

// EnsureVideo has the daemon download a video into its cache if needed.
func (c *Client) EnsureVideo(ctx context.Context, id string) (*api.VideoInfo, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodEnsureVideo, wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	var info api.VideoInfo
	if err := api.DecodeStruct(out, &info); err != nil {
		return nil, fmt.Errorf("decode video info: %w", err)
	}
	return &info, nil
}

// GetVideo reads a cached video without downloading it.
func (c *Client) GetVideo(ctx context.Context, id string) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, api.MethodGetVideo, wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func entityRequest(kind entity.Kind, localID string, data any) (*structpb.Struct, error) {
	req := api.EntityRequest{Kind: kind, LocalID: localID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		req.Data = raw
	}
	return api.EncodeStruct(req)
}
