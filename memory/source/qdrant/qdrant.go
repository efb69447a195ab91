// Package qdrant reads and writes memories in a Qdrant collection shared by
// all users. Points carry the user in their payload; ReadPage scrolls one
// user's points in id order.
package qdrant

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/becomeliminal/nim-recall/memory"
)

// Config locates the collection.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`

	// Dimensions sizes the collection when it has to be created.
	Dimensions int `yaml:"dimensions"`
}

// Store is a memory.Source backed by Qdrant.
type Store struct {
	client     *qdrant.Client
	collection string
}

// New connects to Qdrant and creates the collection if it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}
	s := &Store{client: client, collection: cfg.Collection}
	if err := s.ensureCollection(ctx, cfg.Dimensions); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, dims int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if exists {
		return nil
	}
	if dims <= 0 {
		return fmt.Errorf("qdrant: collection %q missing and dimensions not set", s.collection)
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	fieldType := qdrant.FieldType_FieldTypeKeyword
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "user_id",
		FieldType:      &fieldType,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: index user_id: %w", err)
	}
	return nil
}

// Put upserts m for userID and returns its id. Memory ids that are not
// UUIDs are mapped to a stable UUID; the original id stays in the payload.
func (s *Store) Put(ctx context.Context, userID string, m memory.StoredMemory) (string, error) {
	if len(m.Embedding) == 0 {
		return "", fmt.Errorf("qdrant: memory %s has no embedding", m.ID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(m.ID)),
			Vectors: qdrant.NewVectors(m.Embedding...),
			Payload: toPayload(userID, m),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("qdrant: upsert: %w", err)
	}
	return m.ID, nil
}

// ReadPage implements memory.Source. The cursor encodes the first point id
// of the next page.
func (s *Store) ReadPage(ctx context.Context, userID, cursor string, limit int) (memory.Page, error) {
	if limit <= 0 {
		limit = 100
	}
	offset, err := decodeCursor(cursor)
	if err != nil {
		return memory.Page{}, err
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
		},
		Offset:      offset,
		Limit:       qdrant.PtrOf(uint32(limit + 1)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(true),
	})
	if err != nil {
		return memory.Page{}, fmt.Errorf("qdrant: scroll: %w", err)
	}

	var page memory.Page
	if len(points) > limit {
		page.Next = encodeCursor(points[limit].GetId())
		points = points[:limit]
	}
	for _, p := range points {
		m := fromPayload(p.GetPayload())
		if m.ID == "" {
			m.ID = p.GetId().GetUuid()
		}
		if v := p.GetVectors().GetVector(); v != nil {
			m.Embedding = v.GetData()
		}
		page.Memories = append(page.Memories, m)
	}
	return page, nil
}

// Close closes the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func toPayload(userID string, m memory.StoredMemory) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		"user_id":       qdrant.NewValueString(userID),
		"memory_id":     qdrant.NewValueString(m.ID),
		"category":      qdrant.NewValueString(memory.ParseCategory(m.Category).String()),
		"text":          qdrant.NewValueString(m.Text),
		"key":           qdrant.NewValueString(m.Metadata.Key),
		"explicit_save": qdrant.NewValueBool(m.Metadata.ExplicitSave),
		"important":     qdrant.NewValueBool(m.Metadata.Important),
		"emotional":     qdrant.NewValueBool(m.Metadata.Emotional),
		"created_at":    qdrant.NewValueInt(m.CreatedAt.UnixNano()),
	}
}

func fromPayload(payload map[string]*qdrant.Value) memory.StoredMemory {
	m := memory.StoredMemory{
		ID:       getString(payload, "memory_id"),
		Category: getString(payload, "category"),
		Text:     getString(payload, "text"),
		Metadata: memory.Metadata{
			Key:          getString(payload, "key"),
			ExplicitSave: getBool(payload, "explicit_save"),
			Important:    getBool(payload, "important"),
			Emotional:    getBool(payload, "emotional"),
		},
	}
	if ns := getInt(payload, "created_at"); ns != 0 {
		m.CreatedAt = time.Unix(0, ns)
	}
	return m
}

func getString(payload map[string]*qdrant.Value, key string) string {
	if val, ok := payload[key]; ok {
		return val.GetStringValue()
	}
	return ""
}

func getBool(payload map[string]*qdrant.Value, key string) bool {
	if val, ok := payload[key]; ok {
		return val.GetBoolValue()
	}
	return false
}

func getInt(payload map[string]*qdrant.Value, key string) int64 {
	if val, ok := payload[key]; ok {
		return val.GetIntegerValue()
	}
	return 0
}

func encodeCursor(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return "u:" + u
	}
	return "n:" + strconv.FormatUint(id.GetNum(), 10)
}

func decodeCursor(cursor string) (*qdrant.PointId, error) {
	switch {
	case cursor == "":
		return nil, nil
	case strings.HasPrefix(cursor, "u:"):
		return qdrant.NewIDUUID(cursor[2:]), nil
	case strings.HasPrefix(cursor, "n:"):
		n, err := strconv.ParseUint(cursor[2:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("qdrant: bad cursor %q: %w", cursor, err)
		}
		return qdrant.NewIDNum(n), nil
	}
	return nil, fmt.Errorf("qdrant: bad cursor %q", cursor)
}
