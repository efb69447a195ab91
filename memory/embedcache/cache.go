// Package embedcache memoizes text embeddings.
//
// Each Cache holds a bounded in-process tier (ristretto) keyed by the
// normalized text, an optional shared second Tier such as Redis, and
// collapses concurrent misses for the same text into one provider call.
// Provider failures are returned to the caller and never cached.
package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/nim-recall/memory/text"
)

// ErrEmptyText is returned for text that normalizes to nothing.
var ErrEmptyText = errors.New("embedcache: empty text")

// Embedder is the provider consulted on a miss.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// BatchEmbedder is used by GetBatch when the provider supports it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Tier is a second-level store shared between caches. Keys are normalized
// text; implementations choose their own physical key.
type Tier interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// Cache is safe for concurrent use.
type Cache struct {
	l1       *ristretto.Cache
	tier     Tier
	embedder Embedder
	group    singleflight.Group
	logger   *slog.Logger
	observe  func(hit bool)

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTier adds a shared second-level tier.
func WithTier(t Tier) Option {
	return func(c *Cache) { c.tier = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithObserver is called once per lookup with whether it was a hit.
func WithObserver(fn func(hit bool)) Option {
	return func(c *Cache) { c.observe = fn }
}

// New returns a cache holding at most capacity embeddings in process.
//
// Eviction follows ristretto's sampled LFU admission, which approximates
// least-recently/least-frequently used.
func New(embedder Embedder, capacity int, opts ...Option) (*Cache, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedcache: nil embedder")
	}
	if capacity < 1 {
		capacity = 1
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedcache: create l1: %w", err)
	}
	c := &Cache{
		l1:       l1,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type result struct {
	vec      []float32
	fromTier bool
}

// Get returns the embedding of s, calling the provider only on a miss.
// The returned slice is shared and must not be modified.
func (c *Cache) Get(ctx context.Context, s string) ([]float32, error) {
	key := text.Normalize(s)
	if key == "" {
		return nil, ErrEmptyText
	}
	if v, ok := c.l1.Get(key); ok {
		c.record(true)
		return v.([]float32), nil
	}

	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(key, func() (interface{}, error) {
			return c.load(ctx, key, strings.TrimSpace(s))
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// A joined flight can fail because the caller that started it
				// went away. Start a flight of our own instead.
				if res.Shared && attempt < maxFlightRetries && ctx.Err() == nil && isContextErr(res.Err) {
					continue
				}
				return nil, res.Err
			}
			r := res.Val.(result)
			c.record(r.fromTier)
			return r.vec, nil
		}
	}
}

const maxFlightRetries = 2

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// GetBatch returns embeddings for texts in order. Misses are sent to the
// provider in one EmbedBatch call when it has one.
func (c *Cache) GetBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make(map[string][]int)
	var order []string
	var originals []string
	for i, s := range texts {
		key := text.Normalize(s)
		if key == "" {
			return nil, ErrEmptyText
		}
		if v, ok := c.l1.Get(key); ok {
			c.record(true)
			out[i] = v.([]float32)
			continue
		}
		if _, seen := pending[key]; !seen {
			order = append(order, key)
			originals = append(originals, strings.TrimSpace(s))
		}
		pending[key] = append(pending[key], i)
	}
	if len(order) == 0 {
		return out, nil
	}

	batcher, ok := c.embedder.(BatchEmbedder)
	if !ok || len(order) == 1 {
		for _, key := range order {
			idxs := pending[key]
			vec, err := c.Get(ctx, texts[idxs[0]])
			if err != nil {
				return nil, err
			}
			for _, i := range idxs {
				out[i] = vec
			}
		}
		return out, nil
	}

	vecs, err := batcher.EmbedBatch(ctx, originals)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(order) {
		return nil, fmt.Errorf("embedcache: provider returned %d vectors for %d texts", len(vecs), len(order))
	}
	for j, key := range order {
		c.store(key, vecs[j])
		if c.tier != nil {
			if err := c.tier.Set(ctx, key, vecs[j]); err != nil {
				c.logger.Warn("embedding tier write failed", "error", err)
			}
		}
		for _, i := range pending[key] {
			c.record(false)
			out[i] = vecs[j]
		}
	}
	return out, nil
}

func (c *Cache) load(ctx context.Context, key, original string) (result, error) {
	if c.tier != nil {
		vec, ok, err := c.tier.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("embedding tier lookup failed", "error", err)
		case ok && c.validDims(vec):
			c.store(key, vec)
			return result{vec: vec, fromTier: true}, nil
		}
	}

	vec, err := c.embedder.Embed(ctx, original)
	if err != nil {
		return result{}, err
	}
	c.store(key, vec)
	if c.tier != nil {
		if err := c.tier.Set(ctx, key, vec); err != nil {
			c.logger.Warn("embedding tier write failed", "error", err)
		}
	}
	return result{vec: vec}, nil
}

func (c *Cache) store(key string, vec []float32) {
	c.l1.Set(key, vec, 1)
	c.l1.Wait()
}

func (c *Cache) validDims(vec []float32) bool {
	dims := c.embedder.Dimensions()
	return len(vec) > 0 && (dims <= 0 || len(vec) == dims)
}

func (c *Cache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.observe != nil {
		c.observe(hit)
	}
}

// Stats returns lifetime hits and lookups.
func (c *Cache) Stats() (hits, lookups int64) {
	h := c.hits.Load()
	return h, h + c.misses.Load()
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (c *Cache) HitRate() float64 {
	h, n := c.Stats()
	if n == 0 {
		return 0
	}
	return float64(h) / float64(n)
}

// Close stops the in-process tier's goroutines.
func (c *Cache) Close() {
	c.l1.Close()
}
