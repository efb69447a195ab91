package memory

import (
	"context"
	"time"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), openai (HTTP API), onnx (local model).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// BatchEmbedder is implemented by providers that embed several texts in
// one call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces text from a prompt. Query expansion is the only
// consumer; the deadline is carried by ctx.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Index is one user's append-only nearest-neighbour structure.
//
// Add and Search may run concurrently. A Search reflects every Add that
// completed before it started and never observes a partially written
// entry.
type Index interface {
	// Add appends a record. Embeddings whose length differs from the
	// index dimension fail with ErrDimensionMismatch.
	Add(ctx context.Context, rec *Record) error

	// Search returns up to k matches ordered by descending similarity.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Len returns the number of indexed entries.
	Len() int

	// Dimensions returns the fixed vector size, or 0 before the first Add.
	Dimensions() int

	// Close releases resources.
	Close() error
}

// Match is a raw index hit.
type Match struct {
	ID         string
	Similarity float64
}

// IndexFactory creates the index for a user on first use.
type IndexFactory func(userID string) (Index, error)

// Source is a persistent store read during bulk hydration.
type Source interface {
	// ReadPage returns up to limit memories of userID after cursor.
	// An empty cursor starts from the beginning; an empty Page.Next marks
	// the last page.
	ReadPage(ctx context.Context, userID string, cursor string, limit int) (Page, error)
}

// Page is one slice of a user's stored memories.
type Page struct {
	Memories []StoredMemory
	Next     string
}

// StoredMemory is a memory as kept by a persistent store.
type StoredMemory struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}
