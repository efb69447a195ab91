package memory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
	"github.com/becomeliminal/nim-recall/memory/text"
)

// TableEmbedder returns fixed vectors by normalized text, so tests control
// raw similarity exactly.
type TableEmbedder struct {
	dims  int
	mu    sync.Mutex
	table map[string][]float32
	fail  map[string]error
	calls atomic.Int64
}

func NewTableEmbedder(dims int) *TableEmbedder {
	return &TableEmbedder{dims: dims, table: map[string][]float32{}, fail: map[string]error{}}
}

func (e *TableEmbedder) Set(s string, vec ...float32) *TableEmbedder {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table[text.Normalize(s)] = vec
	return e
}

func (e *TableEmbedder) Fail(s string, err error) *TableEmbedder {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[text.Normalize(s)] = err
	return e
}

func (e *TableEmbedder) Embed(ctx context.Context, s string) ([]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := text.Normalize(s)
	if err, ok := e.fail[key]; ok {
		return nil, err
	}
	if vec, ok := e.table[key]; ok {
		return vec, nil
	}
	return nil, errors.New("no vector for " + key)
}

func (e *TableEmbedder) Dimensions() int { return e.dims }

func (e *TableEmbedder) Calls() int64 { return e.calls.Load() }

// unit returns a unit vector in the x/y plane whose cosine with (1,0,0) is sim.
func unit(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

// unitZ is like unit but leaves the x/z plane, so two such vectors are far
// apart from unit vectors with the same similarity.
func unitZ(sim float64) []float32 {
	return []float32{float32(sim), 0, float32(math.Sqrt(1 - sim*sim))}
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig disables expansion and context so scoring tests see only
// the stages they enable.
func testConfig() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.QueryExpansionEnabled = false
	cfg.ContextBoostEnabled = false
	return cfg
}

func newManager(t *testing.T, e memory.Embedder, opts ...memory.Option) *memory.Manager {
	t.Helper()
	opts = append([]memory.Option{memory.WithLogger(discardLogger())}, opts...)
	m, err := memory.NewManager(e, chromem.Factory(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// blockingGenerator never answers before ctx ends.
type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// cannedGenerator returns a fixed answer.
type cannedGenerator struct {
	out   string
	err   error
	calls atomic.Int64
}

func (g *cannedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	return g.out, g.err
}

// recordingObserver keeps the query expansion results it was told about.
type recordingObserver struct {
	mu       sync.Mutex
	expanded []string
}

func (o *recordingObserver) QueryExpanded(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expanded = append(o.expanded, result)
}

func (o *recordingObserver) expansions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.expanded...)
}

func (*recordingObserver) RetrieveDone(string, time.Duration) {}
func (*recordingObserver) EmbeddingLookup(bool)               {}
func (*recordingObserver) MemoryAdded()                       {}
func (*recordingObserver) ActiveUsers(int)                    {}
