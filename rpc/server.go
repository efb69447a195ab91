package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/memory"
)

// Store is a persistent store the server hydrates from and, optionally,
// writes added memories to.
type Store interface {
	memory.Source
	Put(ctx context.Context, userID string, m memory.StoredMemory) (string, error)
}

// Server implements MemoryServiceServer on a memory.Manager.
type Server struct {
	manager *memory.Manager
	store   Store
	persist bool
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStore sets the store LoadFromStore reads from. With persist set,
// AddMemory also writes each new memory to it.
func WithStore(s Store, persist bool) ServerOption {
	return func(srv *Server) {
		srv.store = s
		srv.persist = persist
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(srv *Server) { srv.logger = l }
}

// NewServer creates a Server.
func NewServer(m *memory.Manager, opts ...ServerOption) *Server {
	s := &Server{manager: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the memory service and a health service to gs.
func Register(gs *grpc.Server, s *Server) *health.Server {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

func (s *Server) AddMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddMemoryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	id, err := s.manager.AddMemory(ctx, req.UserID, req.Text, memory.ParseCategory(req.Category), req.Metadata)
	if err != nil {
		return nil, s.fail("AddMemory", req.UserID, err)
	}

	reply := AddMemoryReply{ID: id}
	if s.persist && s.store != nil {
		if sm, ok := s.manager.Lookup(req.UserID, id); ok {
			if _, err := s.store.Put(ctx, req.UserID, sm); err != nil {
				// The memory is live in the index; only durability is lost.
				s.logger.Warn("persisting memory failed", "user_id", req.UserID, "id", id, "error", err)
			} else {
				reply.Persisted = true
			}
		}
	}
	return encode(reply)
}

func (s *Server) Retrieve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetrieveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	results, err := s.manager.Retrieve(ctx, req.UserID, req.Query, req.K, req.options())
	if err != nil {
		return nil, s.fail("Retrieve", req.UserID, err)
	}
	reply := RetrieveReply{Results: results}
	if req.Format {
		reply.Formatted = memory.Format(results)
	}
	return encode(reply)
}

func (s *Server) PushTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TurnRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.manager.PushTurn(req.UserID, req.Text); err != nil {
		return nil, s.fail("PushTurn", req.UserID, err)
	}
	return encode(empty{})
}

func (s *Server) ResetContext(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TurnRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "empty user id")
	}
	s.manager.ResetContext(req.UserID)
	return encode(empty{})
}

func (s *Server) GetStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StatsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return encode(s.manager.GetStats(req.UserID))
}

func (s *Server) LoadFromStore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoadRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "no store configured")
	}
	res := s.manager.LoadFromStore(ctx, req.UserID, s.store, memory.LoadOptions{
		Limit:    req.Limit,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
		PageSize: req.PageSize,
	})
	reply := LoadReply{
		Loaded:    res.Loaded,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Partial:   res.Partial,
	}
	if res.Err != nil {
		if !errors.Is(res.Err, memory.ErrStoreUnavailable) {
			return nil, s.fail("LoadFromStore", req.UserID, res.Err)
		}
		s.logger.Warn("load stopped on store error", "user_id", req.UserID, "loaded", res.Loaded, "error", res.Err)
		reply.Partial = true
		reply.Error = res.Err.Error()
	}
	return encode(reply)
}

func (s *Server) fail(method, userID string, err error) error {
	st := toStatus(err)
	if st.Code() != codes.InvalidArgument && st.Code() != codes.Canceled {
		s.logger.Error("rpc failed", "method", method, "user_id", userID, "code", st.Code().String(), "error", err)
	}
	return st.Err()
}

// toStatus maps engine error kinds to gRPC codes.
func toStatus(err error) *status.Status {
	code := codes.Internal
	switch {
	case errors.Is(err, memory.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, memory.ErrDimensionMismatch):
		code = codes.FailedPrecondition
	case errors.Is(err, memory.ErrStoreUnavailable), errors.Is(err, memory.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, memory.ErrEvicted):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, memory.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, memory.ErrProvider):
		code = codes.Unavailable
	}
	return status.New(code, err.Error())
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

// LoggingInterceptor logs each call at debug level.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "elapsed", time.Since(start))
		return resp, err
	}
}
