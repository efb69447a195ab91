package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "recall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndReadPage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	id, err := s.Put(ctx, "alice", memory.StoredMemory{
		Category:  "goal",
		Text:      "I want to learn Spanish",
		Embedding: []float32{0.5, -1, 2},
		Metadata:  memory.Metadata{ExplicitSave: true},
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Put(ctx, "bob", memory.StoredMemory{Category: "fact", Text: "I live in Lahore"})
	require.NoError(t, err)

	page, err := s.ReadPage(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Memories, 1)
	assert.Empty(t, page.Next)

	m := page.Memories[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "GOAL", m.Category)
	assert.Equal(t, "I want to learn Spanish", m.Text)
	assert.Equal(t, []float32{0.5, -1, 2}, m.Embedding)
	assert.True(t, m.Metadata.ExplicitSave)
	assert.True(t, created.Equal(m.CreatedAt))
}

func TestReadPagePaginates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 7; i++ {
		_, err := s.Put(ctx, "alice", memory.StoredMemory{Category: "general", Text: "memory"})
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ReadPage(ctx, "alice", cursor, 3)
		require.NoError(t, err)
		pages++
		for _, m := range page.Memories {
			seen = append(seen, m.ID)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 7)
	assert.IsIncreasing(t, seen)

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPutReplacesKeyedMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := memory.Metadata{Key: "home_city"}

	_, err := s.Put(ctx, "alice", memory.StoredMemory{Category: "fact", Text: "I live in Lahore", Metadata: key})
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", memory.StoredMemory{Category: "fact", Text: "I live in Karachi", Metadata: key})
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", memory.StoredMemory{Category: "plan", Text: "Move to Lahore", Metadata: key})
	require.NoError(t, err)

	page, err := s.ReadPage(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Memories, 2)
	var texts []string
	for _, m := range page.Memories {
		texts = append(texts, m.Text)
		assert.Equal(t, "home_city", m.Metadata.Key)
	}
	assert.ElementsMatch(t, []string{"I live in Karachi", "Move to Lahore"}, texts)
}

func TestPutKeepsCallerID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Put(ctx, "alice", memory.StoredMemory{ID: "engine-id", Category: "fact", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "engine-id", id)

	require.NoError(t, s.Delete(ctx, "alice", "engine-id"))
	assert.ErrorIs(t, s.Delete(ctx, "alice", "engine-id"), ErrNotFound)
}

func TestLoadIntoManager(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, text := range []string{"I want to learn Spanish", "I live in Lahore", "I have a cat named Miso"} {
		_, err := s.Put(ctx, "alice", memory.StoredMemory{Category: "fact", Text: text, Embedding: []float32{1, 0}})
		require.NoError(t, err)
	}

	m, err := memory.NewManager(mock.New(), chromem.Factory())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	res := m.LoadFromStore(ctx, "alice", s, memory.LoadOptions{PageSize: 2})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Loaded)

	results, err := m.Retrieve(ctx, "alice", "cat named Miso", 1, memory.RetrieveOptions{DisableExpansion: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "I have a cat named Miso", results[0].Text)
}
