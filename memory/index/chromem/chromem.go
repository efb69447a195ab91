// Package chromem implements memory.Index on chromem-go, an embedded pure
// Go vector database. Each user gets a private collection in a private DB.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/memory"
)

// Index is one user's collection.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection

	// mu serializes appends so the dimension is fixed by the first one.
	// Searches do not take it; chromem guards its own document map.
	mu   sync.Mutex
	dims atomic.Int64
}

// New creates an empty index for userID.
func New(userID string) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		collectionName(userID),
		nil, // embeddings are always supplied
		nil, // default cosine
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Factory adapts New to memory.IndexFactory.
func Factory() memory.IndexFactory {
	return func(userID string) (memory.Index, error) {
		return New(userID)
	}
}

func collectionName(userID string) string {
	if userID == "" {
		return "global"
	}
	return "user_" + userID
}

// Add implements memory.Index.
func (x *Index) Add(ctx context.Context, rec *memory.Record) error {
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("add %s: %w: empty embedding", rec.ID, memory.ErrDimensionMismatch)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if dims := int(x.dims.Load()); dims != 0 && len(rec.Embedding) != dims {
		return fmt.Errorf("add %s: %w: got %d, index has %d",
			rec.ID, memory.ErrDimensionMismatch, len(rec.Embedding), dims)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"category":   rec.Category.String(),
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			"explicit":   strconv.FormatBool(rec.Metadata.ExplicitSave),
		},
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	x.dims.Store(int64(len(rec.Embedding)))
	return nil
}

// Search implements memory.Index.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]memory.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if dims := x.Dimensions(); dims != 0 && len(query) != dims {
		return nil, fmt.Errorf("search: %w: query has %d, index has %d",
			memory.ErrDimensionMismatch, len(query), dims)
	}

	// chromem rejects nResults above the collection size. The collection
	// only grows, so the count read here stays a valid bound.
	n := x.col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := x.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	matches := make([]memory.Match, len(results))
	for i, r := range results {
		matches[i] = memory.Match{ID: r.ID, Similarity: float64(r.Similarity)}
	}
	return matches, nil
}

// Len implements memory.Index.
func (x *Index) Len() int {
	return x.col.Count()
}

// Dimensions implements memory.Index.
func (x *Index) Dimensions() int {
	return int(x.dims.Load())
}

// Close drops the collection.
func (x *Index) Close() error {
	return x.db.DeleteCollection(x.col.Name)
}
