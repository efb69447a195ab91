// Package mock provides a deterministic offline embedder.
//
// Each token contributes a pseudo-random unit direction derived from its
// hash, so texts that share words land close together and identical texts
// produce identical vectors. It is good enough for tests and demos, not
// for semantic search.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/becomeliminal/nim-recall/memory/text"
	"github.com/becomeliminal/nim-recall/memory/vector"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Embedder is a hashed bag-of-words embedder.
type Embedder struct {
	dimensions int
	calls      atomic.Int64
}

// New creates an embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates an embedder of the given size.
func NewWithDimensions(dims int) *Embedder {
	if dims < 1 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed returns the normalized sum of the token directions of s.
func (m *Embedder) Embed(ctx context.Context, s string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)

	tokens := text.Tokens(s)
	if len(tokens) == 0 {
		tokens = []string{s}
	}
	sum := make([]float32, m.dimensions)
	for _, tok := range tokens {
		m.accumulate(sum, tok)
	}
	return vector.Normalize(sum), nil
}

// EmbedBatch embeds each text in turn.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// accumulate adds the direction of tok to sum.
func (m *Embedder) accumulate(sum []float32, tok string) {
	h := fnv.New64a()
	h.Write([]byte(tok))
	seed := h.Sum64()
	for i := range sum {
		// LCG step, mapped to [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		sum[i] += float32(int64(seed)) / float32(math.MaxInt64)
	}
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Calls returns how many times Embed ran.
func (m *Embedder) Calls() int64 {
	return m.calls.Load()
}
