package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
	"github.com/becomeliminal/nim-recall/memory/source/sqlite"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	manager *memory.Manager
	store   Store
	client  *Client
	conn    *grpc.ClientConn
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	m, err := memory.NewManager(mock.New(), chromem.Factory(), memory.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	var opts []ServerOption
	opts = append(opts, WithLogger(discard))
	if store != nil {
		opts = append(opts, WithStore(store, true))
	}

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(discard)))
	Register(gs, NewServer(m, opts...))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fixture{manager: m, store: store, client: NewClient(conn), conn: conn}
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "recall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	id, err := f.client.AddMemory(ctx, "alice", "I want to learn Spanish this year", memory.CategoryGoal, memory.Metadata{Important: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = f.client.AddMemory(ctx, "alice", "My favourite colour is green", memory.CategoryPreference, memory.Metadata{})
	require.NoError(t, err)

	reply, err := f.client.Retrieve(ctx, RetrieveRequest{
		UserID:           "alice",
		Query:            "learn Spanish",
		K:                1,
		DisableExpansion: true,
		Format:           true,
	})
	require.NoError(t, err)
	require.Len(t, reply.Results, 1)
	got := reply.Results[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, memory.CategoryGoal, got.Category)
	assert.Greater(t, got.Score, 0.0)
	assert.True(t, got.IsRecent)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Contains(t, reply.Formatted, "RELEVANT MEMORIES")
	assert.Contains(t, reply.Formatted, "learn Spanish")

	stats, err := f.client.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 2, stats.IndexSize)
}

func TestUnknownUserRetrievesNothing(t *testing.T) {
	f := newFixture(t, nil)
	reply, err := f.client.Retrieve(context.Background(), RetrieveRequest{UserID: "nobody", Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, reply.Results)
}

func TestInvalidArgumentsMapToStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.client.AddMemory(ctx, "", "text", memory.CategoryFact, memory.Metadata{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Retrieve(ctx, RetrieveRequest{UserID: "alice", Query: "  "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = f.client.ResetContext(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTurnsAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.client.PushTurn(ctx, "alice", "we talked about hiking"))
	require.NoError(t, f.client.PushTurn(ctx, "alice", "and the weather"))
	assert.Equal(t, []string{"we talked about hiking", "and the weather"}, f.manager.ContextTurns("alice"))

	require.NoError(t, f.client.ResetContext(ctx, "alice"))
	assert.Empty(t, f.manager.ContextTurns("alice"))
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := newFixture(t, store)

	for i := 0; i < 5; i++ {
		_, err := f.client.AddMemory(ctx, "alice", fmt.Sprintf("memory number %d about sailing", i), memory.CategoryExperience, memory.Metadata{})
		require.NoError(t, err)
	}
	n, err := store.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// A fresh server over the same store starts empty and hydrates.
	g := newFixture(t, store)
	reply, err := g.client.LoadFromStore(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, reply.Loaded)
	assert.False(t, reply.Partial)

	results, err := g.client.Retrieve(ctx, RetrieveRequest{UserID: "alice", Query: "memory number 3 about sailing", K: 1, DisableExpansion: true})
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "memory number 3 about sailing", results.Results[0].Text)
}

// flakyStore serves the first page, then fails.
type flakyStore struct {
	Store
	reads int
}

func (s *flakyStore) ReadPage(ctx context.Context, userID, cursor string, limit int) (memory.Page, error) {
	s.reads++
	if s.reads > 1 {
		return memory.Page{}, errors.New("connection reset by peer")
	}
	return s.Store.ReadPage(ctx, userID, cursor, limit)
}

func TestLoadReturnsPartialOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for i := 0; i < 6; i++ {
		_, err := store.Put(ctx, "alice", memory.StoredMemory{Category: "fact", Text: fmt.Sprintf("fact %d about tides", i)})
		require.NoError(t, err)
	}

	f := newFixture(t, &flakyStore{Store: store})
	var reply LoadReply
	err := f.client.call(ctx, "LoadFromStore", LoadRequest{UserID: "alice", PageSize: 4}, &reply)
	require.NoError(t, err)
	assert.True(t, reply.Partial)
	assert.Equal(t, 4, reply.Loaded)
	assert.Contains(t, reply.Error, "connection reset by peer")

	stats, err := f.client.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalMemories)
}

func TestLoadWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.LoadFromStore(context.Background(), "alice", 0, 0)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{&memory.Error{Kind: memory.ErrInvalidArgument, Stage: memory.StageAdd, Err: fmt.Errorf("empty text")}, codes.InvalidArgument},
		{&memory.Error{Kind: memory.ErrDimensionMismatch, Stage: memory.StageEmbed, Err: fmt.Errorf("384 vs 768")}, codes.FailedPrecondition},
		{&memory.Error{Kind: memory.ErrStoreUnavailable, Stage: memory.StageLoad, Err: fmt.Errorf("refused")}, codes.Unavailable},
		{&memory.Error{Kind: memory.ErrProviderTimeout, Stage: memory.StageEmbed, Err: context.DeadlineExceeded}, codes.DeadlineExceeded},
		{&memory.Error{Kind: memory.ErrProvider, Stage: memory.StageEmbed, Err: fmt.Errorf("500")}, codes.Unavailable},
		{memory.ErrClosed, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, toStatus(tt.err).Code(), tt.err.Error())
	}
}
