// Package rpc exposes a memory.Manager over gRPC.
//
// The service has no generated stubs: every method takes and returns a
// google.protobuf.Struct holding the JSON form of the request and reply
// types in this package.
package rpc

import (
	"context"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/memory"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "recall.v1.MemoryService"

// MemoryServiceServer is the server side of recall.v1.MemoryService.
type MemoryServiceServer interface {
	AddMemory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retrieve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PushTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadFromStore(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes recall.v1.MemoryService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MemoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddMemory", MemoryServiceServer.AddMemory),
		unary("Retrieve", MemoryServiceServer.Retrieve),
		unary("PushTurn", MemoryServiceServer.PushTurn),
		unary("ResetContext", MemoryServiceServer.ResetContext),
		unary("GetStats", MemoryServiceServer.GetStats),
		unary("LoadFromStore", MemoryServiceServer.LoadFromStore),
	},
	Metadata: "recall/v1/memory.proto",
}

func unary(name string, call func(MemoryServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(MemoryServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// AddMemoryRequest is the AddMemory payload.
type AddMemoryRequest struct {
	UserID   string          `json:"user_id"`
	Text     string          `json:"text"`
	Category string          `json:"category"`
	Metadata memory.Metadata `json:"metadata"`
}

// AddMemoryReply carries the new record id.
type AddMemoryReply struct {
	ID        string `json:"id"`
	Persisted bool   `json:"persisted"`
}

// RetrieveRequest is the Retrieve payload.
type RetrieveRequest struct {
	UserID           string  `json:"user_id"`
	Query            string  `json:"query"`
	K                int     `json:"k,omitempty"`
	DisableExpansion bool    `json:"disable_expansion,omitempty"`
	DisableTemporal  bool    `json:"disable_temporal,omitempty"`
	DisableContext   bool    `json:"disable_context,omitempty"`
	DisableDiversity bool    `json:"disable_diversity,omitempty"`
	OverFetch        int     `json:"over_fetch,omitempty"`
	MinScore         float64 `json:"min_score,omitempty"`

	// Format asks for the prompt block alongside the results.
	Format bool `json:"format,omitempty"`
}

func (r RetrieveRequest) options() memory.RetrieveOptions {
	return memory.RetrieveOptions{
		DisableExpansion: r.DisableExpansion,
		DisableTemporal:  r.DisableTemporal,
		DisableContext:   r.DisableContext,
		DisableDiversity: r.DisableDiversity,
		OverFetch:        r.OverFetch,
		MinScore:         r.MinScore,
	}
}

// RetrieveReply holds ranked results, best first.
type RetrieveReply struct {
	Results   []memory.Result `json:"results"`
	Formatted string          `json:"formatted,omitempty"`
}

// TurnRequest is the PushTurn payload. ResetContext uses UserID only.
type TurnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text,omitempty"`
}

// StatsRequest is the GetStats payload.
type StatsRequest struct {
	UserID string `json:"user_id"`
}

// LoadRequest is the LoadFromStore payload.
type LoadRequest struct {
	UserID    string `json:"user_id"`
	Limit     int    `json:"limit,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
}

// LoadReply reports hydration progress when the call returned.
type LoadReply struct {
	Loaded    int   `json:"loaded"`
	ElapsedMS int64 `json:"elapsed_ms"`
	Partial   bool  `json:"partial"`

	// Error is set when the store failed part way; Loaded counts what was
	// hydrated before it did.
	Error string `json:"error,omitempty"`
}

// empty is the reply of calls that return nothing.
type empty struct{}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
