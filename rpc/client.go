package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/memory"
)

// Client calls recall.v1.MemoryService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, req, reply any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return fromStruct(out, reply)
}

// AddMemory adds a memory and returns its id.
func (c *Client) AddMemory(ctx context.Context, userID, text string, category memory.Category, meta memory.Metadata) (string, error) {
	var reply AddMemoryReply
	err := c.call(ctx, "AddMemory", AddMemoryRequest{
		UserID:   userID,
		Text:     text,
		Category: category.String(),
		Metadata: meta,
	}, &reply)
	return reply.ID, err
}

// Retrieve returns ranked memories.
func (c *Client) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveReply, error) {
	var reply RetrieveReply
	err := c.call(ctx, "Retrieve", req, &reply)
	return reply, err
}

// PushTurn appends a conversational turn.
func (c *Client) PushTurn(ctx context.Context, userID, text string) error {
	return c.call(ctx, "PushTurn", TurnRequest{UserID: userID, Text: text}, nil)
}

// ResetContext clears the user's context window and diversity history.
func (c *Client) ResetContext(ctx context.Context, userID string) error {
	return c.call(ctx, "ResetContext", TurnRequest{UserID: userID}, nil)
}

// GetStats returns the user's stats.
func (c *Client) GetStats(ctx context.Context, userID string) (memory.Stats, error) {
	var stats memory.Stats
	err := c.call(ctx, "GetStats", StatsRequest{UserID: userID}, &stats)
	return stats, err
}

// LoadFromStore asks the server to hydrate userID from its store, waiting
// at most timeout (zero waits for completion).
func (c *Client) LoadFromStore(ctx context.Context, userID string, limit int, timeout time.Duration) (LoadReply, error) {
	var reply LoadReply
	err := c.call(ctx, "LoadFromStore", LoadRequest{
		UserID:    userID,
		Limit:     limit,
		TimeoutMS: timeout.Milliseconds(),
	}, &reply)
	return reply, err
}
